// Package review holds the interaction state of a review session: the pins of every image of a submission and the
// state machine that turns pointer input into pin mutations.
package review

import (
	"fmt"
	"strings"

	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/geometry"
)

// Mode selects what a pointer gesture means.
type Mode int

const (
	// ModeAnnotate creates pins on empty areas and selects existing ones.
	ModeAnnotate Mode = iota
	// ModeReposition drags existing pins around.
	ModeReposition
)

func (m Mode) String() string {
	switch m {
	case ModeAnnotate:
		return "annotate"
	case ModeReposition:
		return "reposition"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "annotate":
		return ModeAnnotate, nil
	case "reposition":
		return ModeReposition, nil
	default:
		return 0, fmt.Errorf("unknown mode '%s'", value)
	}
}

type PointerKind int

const (
	PointerDown PointerKind = iota
	PointerMove
	PointerUp
)

func ParsePointerKind(value string) (PointerKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "down":
		return PointerDown, nil
	case "move":
		return PointerMove, nil
	case "up":
		return PointerUp, nil
	default:
		return 0, fmt.Errorf("unknown pointer event '%s'", value)
	}
}

// PointerEvent is a pointer event in client coordinates. Pin names the pin under the pointer when the caller
// already knows it, zero lets the session hit-test.
type PointerEvent struct {
	Kind    PointerKind
	ClientX float64
	ClientY float64
	Pin     int
}

// Outcome describes what a pointer event did.
type Outcome string

const (
	OutcomeNone        Outcome = "none"
	OutcomeCreated     Outcome = "created"
	OutcomeSelected    Outcome = "selected"
	OutcomeDragStarted Outcome = "dragStarted"
	OutcomeMoved       Outcome = "moved"
	OutcomeDragEnded   Outcome = "dragEnded"
)

const defaultHitRadius = 12

// Option modifies a Session during creation.
type Option func(*Session)

// WithHitRadius sets the distance, in client pixels, within which a pointer press lands on a pin.
func WithHitRadius(radius float64) Option {
	return func(s *Session) {
		if radius > 0 {
			s.hitRadius = radius
		}
	}
}

// WithViewport sets the initial viewport.
func WithViewport(viewport geometry.Viewport) Option {
	return func(s *Session) { s.viewport = viewport }
}

// Session is the state of one review. Pin references (selected, editing, dragging) are zero or the number of a pin
// of the active image. It is not safe for concurrent use.
type Session struct {
	submissionID   string
	store          *Store
	overallComment string

	mode        Mode
	image       int
	viewport    geometry.Viewport
	intrinsic   map[int]geometry.Size
	hitRadius   float64
	pinsVisible bool

	selected   int
	editing    int
	editBuffer string
	dragging   int

	dirty    bool
	notified bool
}

func NewSession(submissionID string, opts ...Option) *Session {
	s := &Session{
		submissionID: submissionID,
		store:        NewStore(),
		intrinsic:    make(map[int]geometry.Size),
		hitRadius:    defaultHitRadius,
		pinsVisible:  true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open seeds the session with a stored snapshot. A different submission id resets the whole state machine first,
// the same id only replaces the pins and the overall comment.
func (s *Session) Open(submissionID, overallComment string, set domain.AnnotationSet) {
	if submissionID != s.submissionID {
		s.Reset(submissionID)
	}
	s.store.Load(set)
	s.overallComment = overallComment
	s.selected, s.editing, s.dragging, s.editBuffer = 0, 0, 0, ""
	s.dirty = false
}

// Restore loads an unsaved draft of the current submission. The session is dirty afterwards.
func (s *Session) Restore(overallComment string, set domain.AnnotationSet) {
	s.Open(s.submissionID, overallComment, set)
	s.dirty = true
}

// Reset returns the state machine to its initial state for a new submission.
func (s *Session) Reset(submissionID string) {
	s.submissionID = submissionID
	s.store.Reset()
	s.overallComment = ""
	s.mode = ModeAnnotate
	s.image = 0
	s.intrinsic = make(map[int]geometry.Size)
	s.pinsVisible = true
	s.selected, s.editing, s.dragging, s.editBuffer = 0, 0, 0, ""
	s.dirty = false
	s.notified = false
}

func (s *Session) SubmissionID() string   { return s.submissionID }
func (s *Session) Mode() Mode             { return s.mode }
func (s *Session) Image() int             { return s.image }
func (s *Session) Selected() int          { return s.selected }
func (s *Session) Editing() int           { return s.editing }
func (s *Session) EditBuffer() string     { return s.editBuffer }
func (s *Session) Dragging() int          { return s.dragging }
func (s *Session) Dirty() bool            { return s.dirty }
func (s *Session) Notified() bool         { return s.notified }
func (s *Session) PinsVisible() bool      { return s.pinsVisible }
func (s *Session) OverallComment() string { return s.overallComment }
func (s *Session) Store() *Store          { return s.store }

// SetNotified sets or clears the notification latch.
func (s *Session) SetNotified(notified bool) { s.notified = notified }

// MarkSaved clears the dirty flag after a successful save.
func (s *Session) MarkSaved() { s.dirty = false }

// SetMode switches the tool. An ongoing drag ends with the switch.
func (s *Session) SetMode(mode Mode) {
	s.mode = mode
	s.dragging = 0
}

// SetImage makes another image active. Pin references belong to the previous image, so a pending edit is
// committed and the references are cleared.
func (s *Session) SetImage(image int) {
	if image == s.image || image < 0 {
		return
	}
	s.CommitEdit()
	s.image = image
	s.selected, s.dragging = 0, 0
}

func (s *Session) SetViewport(viewport geometry.Viewport) {
	s.viewport = viewport
}

// SetIntrinsicSize records the natural size of an image once it is known.
func (s *Session) SetIntrinsicSize(image int, size geometry.Size) {
	s.intrinsic[image] = size
}

func (s *Session) Viewport() geometry.Viewport { return s.viewport }

// Box is the rendered box of the active image.
func (s *Session) Box() geometry.Box {
	return geometry.Fit(s.viewport, s.intrinsic[s.image])
}

func (s *Session) SetPinsVisible(visible bool) {
	s.pinsVisible = visible
}

func (s *Session) SetOverallComment(comment string) {
	if comment == s.overallComment {
		return
	}
	s.overallComment = comment
	s.dirty = true
}

// Pointer applies a pointer event and returns what happened together with the pin involved.
func (s *Session) Pointer(ev PointerEvent) (Outcome, int) {
	switch ev.Kind {
	case PointerDown:
		return s.pointerDown(ev)
	case PointerMove:
		return s.pointerMove(ev)
	case PointerUp:
		return s.pointerUp()
	default:
		return OutcomeNone, 0
	}
}

func (s *Session) pointerDown(ev PointerEvent) (Outcome, int) {
	target, ok := s.target(ev)
	if !ok {
		return OutcomeNone, 0
	}
	box := s.Box()

	switch s.mode {
	case ModeAnnotate:
		if target != 0 {
			s.selected = target
			return OutcomeSelected, target
		}
		if !box.Valid() {
			return OutcomeNone, 0
		}
		p := box.ToImageSpace(ev.ClientX, ev.ClientY)
		s.CommitEdit()
		number := s.store.Create(s.image, p.X, p.Y)
		s.selected = number
		s.editing = number
		s.editBuffer = ""
		s.dirty = true
		return OutcomeCreated, number
	case ModeReposition:
		if target == 0 {
			return OutcomeNone, 0
		}
		s.selected = target
		s.dragging = target
		return OutcomeDragStarted, target
	}
	return OutcomeNone, 0
}

// pointerMove follows the captured pin whatever is under the pointer.
func (s *Session) pointerMove(ev PointerEvent) (Outcome, int) {
	if s.mode != ModeReposition || s.dragging == 0 {
		return OutcomeNone, 0
	}
	box := s.Box()
	if !box.Valid() {
		return OutcomeNone, 0
	}
	p := box.ToImageSpace(ev.ClientX, ev.ClientY)
	if !s.store.Move(s.image, s.dragging, p.X, p.Y) {
		return OutcomeNone, 0
	}
	s.dirty = true
	return OutcomeMoved, s.dragging
}

func (s *Session) pointerUp() (Outcome, int) {
	if s.dragging == 0 {
		return OutcomeNone, 0
	}
	number := s.dragging
	s.dragging = 0
	return OutcomeDragEnded, number
}

// target returns the pin under the event. It is not ok when the event names a pin the active image doesn't have.
func (s *Session) target(ev PointerEvent) (int, bool) {
	if ev.Pin != 0 {
		if _, ok := s.store.Pin(s.image, ev.Pin); ok {
			return ev.Pin, true
		}
		return 0, false
	}
	return s.HitTest(ev.ClientX, ev.ClientY), true
}

// HitTest returns the visible pin under the client point, the highest number wins when pins overlap.
func (s *Session) HitTest(clientX, clientY float64) int {
	if !s.pinsVisible {
		return 0
	}
	box := s.Box()
	if !box.Valid() {
		return 0
	}
	pins := s.store.Pins(s.image)
	client := geometry.Point{X: clientX, Y: clientY}
	for i := len(pins) - 1; i >= 0; i-- {
		p := box.ToViewportSpace(geometry.Point{X: pins[i].X, Y: pins[i].Y})
		if geometry.Distance(p, client) <= s.hitRadius {
			return pins[i].Number
		}
	}
	return 0
}

// Select makes the pin the selected one, zero clears the selection.
func (s *Session) Select(number int) bool {
	if number == 0 {
		s.selected = 0
		return true
	}
	if _, ok := s.store.Pin(s.image, number); !ok {
		return false
	}
	s.selected = number
	return true
}

// BeginEdit starts editing the text of a pin. A pending edit of another pin is committed first.
func (s *Session) BeginEdit(number int) bool {
	pin, ok := s.store.Pin(s.image, number)
	if !ok {
		return false
	}
	if s.editing == number {
		return true
	}
	s.CommitEdit()
	s.selected = number
	s.editing = number
	s.editBuffer = pin.Text
	return true
}

// SetEditBuffer replaces the text being edited. It fails when no edit is in progress.
func (s *Session) SetEditBuffer(text string) bool {
	if s.editing == 0 {
		return false
	}
	s.editBuffer = text
	return true
}

// CommitEdit writes the edit buffer into the pin and ends the edit.
func (s *Session) CommitEdit() bool {
	if s.editing == 0 {
		return false
	}
	number, text := s.editing, s.editBuffer
	s.editing, s.editBuffer = 0, ""

	pin, ok := s.store.Pin(s.image, number)
	if !ok || pin.Text == text {
		return ok
	}
	s.store.UpdateText(s.image, number, text)
	s.dirty = true
	return true
}

// CancelEdit ends the edit and leaves the stored text untouched.
func (s *Session) CancelEdit() {
	s.editing, s.editBuffer = 0, ""
}

// DeletePin removes a pin of the active image and remaps every pin reference.
func (s *Session) DeletePin(number int) bool {
	if !s.store.Delete(s.image, number) {
		return false
	}
	if s.editing == number {
		s.editBuffer = ""
	}
	s.selected = RemapAfterDelete(s.selected, number)
	s.editing = RemapAfterDelete(s.editing, number)
	s.dragging = RemapAfterDelete(s.dragging, number)
	s.dirty = true
	return true
}

// PrepareSave commits a pending edit and returns the document to persist.
func (s *Session) PrepareSave() domain.FeedbackDocument {
	s.CommitEdit()
	return domain.NewFeedbackDocument(s.overallComment, s.store.Snapshot())
}
