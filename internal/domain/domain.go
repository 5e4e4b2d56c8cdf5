package domain

import (
	"fmt"
	"strings"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaPDF   MediaKind = "pdf"
)

// TaskStatus is the ordinal status code used by the task endpoints. Reviewed is the highest value.
type TaskStatus int

const (
	StatusNotSubmitted TaskStatus = iota
	StatusAwaitingReview
	StatusReviewed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusNotSubmitted:
		return "not submitted"
	case StatusAwaitingReview:
		return "awaiting review"
	case StatusReviewed:
		return "reviewed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type Resource struct {
	ID      int       `json:"id"`
	Locator string    `json:"locator"`
	Kind    MediaKind `json:"kind"`
	Name    string    `json:"name,omitempty"`
}

type Task struct {
	ID      int        `json:"id"`
	Title   string     `json:"title"`
	Date    string     `json:"date"`
	Subject string     `json:"subject"`
	Goal    string     `json:"goal"`
	Status  TaskStatus `json:"status"`
}

// Submission is the reviewed unit. Only the task status is ever changed by the engine.
type Submission struct {
	ID         string     `json:"id"`
	Task       Task       `json:"task"`
	Resources  []Resource `json:"resources"`
	OwnerEmail string     `json:"ownerEmail,omitempty"`
	OwnerName  string     `json:"ownerName,omitempty"`
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("submission id can't be empty")
	}
	if s.Task.ID <= 0 {
		return fmt.Errorf("submission '%s' has an invalid task id '%d'", s.ID, s.Task.ID)
	}
	return nil
}
