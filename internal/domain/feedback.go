package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Pin is a numbered comment anchored to a point of an image. X and Y are relative to the image intrinsic box.
type Pin struct {
	Number int     `json:"number"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Text   string  `json:"text"`
}

// AnnotationSet maps an image index to its ordered pins.
type AnnotationSet map[int][]Pin

// Clone returns a deep copy of the set.
func (s AnnotationSet) Clone() AnnotationSet {
	result := make(AnnotationSet, len(s))
	for image, pins := range s {
		result[image] = append([]Pin(nil), pins...)
	}
	return result
}

// Images returns the image indexes in ascending order.
func (s AnnotationSet) Images() []int {
	images := make([]int, 0, len(s))
	for image := range s {
		images = append(images, image)
	}
	sort.Ints(images)
	return images
}

type ImagePins struct {
	ImageIndex int   `json:"imageIndex"`
	Pins       []Pin `json:"pins"`
}

// FeedbackDocument is the payload stored by the feedback endpoint. The field names and order are a wire contract
// shared with everything that reads previously saved feedback.
type FeedbackDocument struct {
	OverallComment string      `json:"overallComment"`
	PinsByImage    []ImagePins `json:"pinsByImage"`
}

// NewFeedbackDocument builds the document with images in ascending order. Images without pins are omitted.
func NewFeedbackDocument(overallComment string, set AnnotationSet) FeedbackDocument {
	doc := FeedbackDocument{OverallComment: overallComment, PinsByImage: []ImagePins{}}
	for _, image := range set.Images() {
		pins := set[image]
		if len(pins) == 0 {
			continue
		}
		doc.PinsByImage = append(doc.PinsByImage, ImagePins{ImageIndex: image, Pins: append([]Pin(nil), pins...)})
	}
	return doc
}

func (d FeedbackDocument) AnnotationSet() AnnotationSet {
	set := make(AnnotationSet, len(d.PinsByImage))
	for _, entry := range d.PinsByImage {
		set[entry.ImageIndex] = append(set[entry.ImageIndex], entry.Pins...)
	}
	return set
}

// PinCount returns the number of pins across all images.
func (d FeedbackDocument) PinCount() int {
	var count int
	for _, entry := range d.PinsByImage {
		count += len(entry.Pins)
	}
	return count
}

// Encode serializes the document into the string stored by the feedback endpoint. HTML characters are kept as is
// to match the output of the web clients.
func (d FeedbackDocument) Encode() (string, error) {
	if d.PinsByImage == nil {
		d.PinsByImage = []ImagePins{}
	}
	for i := range d.PinsByImage {
		if d.PinsByImage[i].Pins == nil {
			d.PinsByImage[i].Pins = []Pin{}
		}
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(d); err != nil {
		return "", fmt.Errorf("fail to encode the feedback document: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeFeedbackDocument parses a stored payload. Payloads written before pins existed are plain text and are
// loaded as the overall comment.
func DecodeFeedbackDocument(payload string) FeedbackDocument {
	var doc FeedbackDocument
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &doc) != nil {
		return FeedbackDocument{OverallComment: payload, PinsByImage: []ImagePins{}}
	}
	if doc.PinsByImage == nil {
		doc.PinsByImage = []ImagePins{}
	}
	return doc
}

// Feedback is a stored feedback record of one resource.
type Feedback struct {
	ID         int    `json:"id"`
	ResourceID int    `json:"resourceId,omitempty"`
	Comment    string `json:"comment"`
}

// LatestFeedback picks the record with the highest id, the most recent save across resources.
func LatestFeedback(records []Feedback) (Feedback, bool) {
	var (
		latest Feedback
		found  bool
	)
	for _, record := range records {
		if !found || record.ID > latest.ID {
			latest = record
			found = true
		}
	}
	return latest, found
}
