package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/geometry"
	"github.com/nitro/lazyreview/internal/review"
)

type reviewResources interface {
	Acquire(context.Context, string, []domain.Resource, *Blobs) ([]Acquisition, error)
}

type reviewBackend interface {
	FetchFeedback(context.Context, string, int) (domain.Feedback, bool, error)
}

type reviewProtocol interface {
	Save(context.Context, SaveRequest) (Acknowledgment, error)
}

type reviewDrafts interface {
	Save(context.Context, string, domain.FeedbackDocument) error
	Load(context.Context, string) (domain.FeedbackDocument, bool, error)
	Delete(context.Context, string) error
}

// ResourceView is a resource of the session as shown to the client. Unavailable resources have no URL and are
// rendered as a placeholder.
type ResourceView struct {
	ID         int              `json:"id"`
	Name       string           `json:"name,omitempty"`
	Kind       domain.MediaKind `json:"kind"`
	Available  bool             `json:"available"`
	URL        string           `json:"url,omitempty"`
	PreviewURL string           `json:"previewUrl,omitempty"`
	Width      int              `json:"width,omitempty"`
	Height     int              `json:"height,omitempty"`
	Pages      int              `json:"pages,omitempty"`
}

// View is a snapshot of a session.
type View struct {
	ID             string         `json:"id"`
	SubmissionID   string         `json:"submissionId"`
	Mode           string         `json:"mode"`
	Image          int            `json:"image"`
	Box            geometry.Box   `json:"box"`
	Pins           []domain.Pin   `json:"pins"`
	PinCounts      map[int]int    `json:"pinCounts"`
	Selected       int            `json:"selected"`
	Editing        int            `json:"editing"`
	EditBuffer     string         `json:"editBuffer"`
	Dragging       int            `json:"dragging"`
	PinsVisible    bool           `json:"pinsVisible"`
	OverallComment string         `json:"overallComment"`
	Dirty          bool           `json:"dirty"`
	Notified       bool           `json:"notified"`
	Saving         bool           `json:"saving"`
	Resources      []ResourceView `json:"resources"`
}

// PointerResult is the outcome of a pointer event.
type PointerResult struct {
	Outcome review.Outcome `json:"outcome"`
	Pin     int            `json:"pin"`
	View    View           `json:"view"`
}

type entry struct {
	mutex       sync.Mutex
	id          string
	credential  string
	submission  domain.Submission
	session     *review.Session
	blobs       *Blobs
	acquisition []Acquisition
	saving      bool
	closed      bool
}

// sessionLatch is the notification latch of a session. The protocol calls it while the entry is unlocked.
type sessionLatch struct {
	e *entry
}

func (l sessionLatch) Fired() bool {
	l.e.mutex.Lock()
	defer l.e.mutex.Unlock()
	return l.e.session.Notified()
}

func (l sessionLatch) Fire() {
	l.e.mutex.Lock()
	defer l.e.mutex.Unlock()
	l.e.session.SetNotified(true)
}

func (l sessionLatch) Clear() {
	l.e.mutex.Lock()
	defer l.e.mutex.Unlock()
	l.e.session.SetNotified(false)
}

// Review holds the open review sessions. Every event of a session runs under the session lock, one at a time.
type Review struct {
	Logger        zerolog.Logger
	Resources     reviewResources
	Backend       reviewBackend
	Protocol      reviewProtocol
	Drafts        reviewDrafts
	SigningSecret string
	HitRadius     float64

	mutex   sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// Init review internal state. Drafts is optional.
func (r *Review) Init() error {
	if r.Resources == nil {
		return errors.New("internal/service/Review.Resources can't be nil")
	}
	if r.Backend == nil {
		return errors.New("internal/service/Review.Backend can't be nil")
	}
	if r.Protocol == nil {
		return errors.New("internal/service/Review.Protocol can't be nil")
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.entries = make(map[string]*entry)
	return nil
}

// Open starts a session for the submission: the resources are acquired and the pins are seeded from the stored
// feedback, or from the unsaved draft when there is one.
func (r *Review) Open(ctx context.Context, credential string, submission domain.Submission) (_ View, err error) {
	span, ctx := startSpan(ctx, "Review.Open")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if err := submission.Validate(); err != nil {
		return View{}, newClientError(err)
	}
	if err := CheckCredential(credential, r.now()); err != nil {
		return View{}, err
	}

	e := &entry{
		id:         uuid.New().String(),
		credential: credential,
		submission: submission,
		session:    review.NewSession(submission.ID, review.WithHitRadius(r.HitRadius)),
		blobs:      NewBlobs(r.SigningSecret),
	}
	if err := r.load(ctx, e); err != nil {
		e.blobs.Release()
		return View{}, err
	}

	r.mutex.Lock()
	r.entries[e.id] = e
	r.mutex.Unlock()

	r.Logger.Info().Str("sessionID", e.id).Str("submissionID", submission.ID).Msg("Session opened")
	return e.view(), nil
}

// Switch moves an open session to another submission. The previous submission is handled as if its session was
// closed and the state machine starts over. A session with a save in flight can't switch, and a submission that
// fails to load leaves the session on the previous one.
func (r *Review) Switch(
	ctx context.Context, id, credential string, submission domain.Submission,
) (_ View, err error) {
	span, ctx := startSpan(ctx, "Review.Switch")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if err := submission.Validate(); err != nil {
		return View{}, newClientError(err)
	}
	if err := CheckCredential(credential, r.now()); err != nil {
		return View{}, err
	}

	e, err := r.lock(id)
	if err != nil {
		return View{}, err
	}
	defer e.mutex.Unlock()
	if e.saving {
		return View{}, newBusyError(errors.New("the session can't switch while a save is in progress"))
	}

	next := &entry{
		id:         e.id,
		credential: credential,
		submission: submission,
		session: review.NewSession(
			submission.ID, review.WithHitRadius(r.HitRadius), review.WithViewport(e.session.Viewport()),
		),
		blobs: NewBlobs(r.SigningSecret),
	}
	if err := r.load(ctx, next); err != nil {
		next.blobs.Release()
		return View{}, err
	}

	r.keepDraft(ctx, e)
	e.blobs.Release()
	e.credential = next.credential
	e.submission = next.submission
	e.session = next.session
	e.blobs = next.blobs
	e.acquisition = next.acquisition
	r.Logger.Info().Str("sessionID", id).Str("submissionID", submission.ID).Msg("Session switched")
	return e.view(), nil
}

// Close ends a session. An unsaved review is kept as a draft. The blobs are released now, or when the save in
// flight settles.
func (r *Review) Close(ctx context.Context, id string) (err error) {
	span, ctx := startSpan(ctx, "Review.Close")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	r.mutex.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mutex.Unlock()
	if !ok {
		return newNotFoundError(fmt.Errorf("session '%s' not found", id))
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.closed = true
	if e.saving {
		return nil
	}
	r.keepDraft(ctx, e)
	e.blobs.Release()
	r.Logger.Info().Str("sessionID", id).Msg("Session closed")
	return nil
}

func (r *Review) Get(id string) (View, error) {
	e, err := r.lock(id)
	if err != nil {
		return View{}, err
	}
	defer e.mutex.Unlock()
	return e.view(), nil
}

func (r *Review) SetMode(id string, mode review.Mode) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.session.SetMode(mode)
		return nil
	})
}

func (r *Review) SetImage(id string, image int) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if image < 0 || image >= len(e.submission.Resources) {
			return newClientError(fmt.Errorf("image '%d' out of range", image))
		}
		e.session.SetImage(image)
		return nil
	})
}

func (r *Review) SetViewport(id string, viewport geometry.Viewport) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if viewport.Width < 0 || viewport.Height < 0 {
			return newClientError(errors.New("viewport size can't be negative"))
		}
		e.session.SetViewport(viewport)
		return nil
	})
}

func (r *Review) SetPinsVisible(id string, visible bool) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.session.SetPinsVisible(visible)
		return nil
	})
}

func (r *Review) SetOverallComment(id, comment string) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.session.SetOverallComment(comment)
		return nil
	})
}

func (r *Review) Pointer(id string, ev review.PointerEvent) (PointerResult, error) {
	var result PointerResult
	view, err := r.mutate(id, func(e *entry) error {
		result.Outcome, result.Pin = e.session.Pointer(ev)
		return nil
	})
	if err != nil {
		return PointerResult{}, err
	}
	result.View = view
	return result, nil
}

func (r *Review) BeginEdit(id string, number int) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if !e.session.BeginEdit(number) {
			return newNotFoundError(fmt.Errorf("pin '%d' not found", number))
		}
		return nil
	})
}

func (r *Review) SetEditBuffer(id, text string) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if !e.session.SetEditBuffer(text) {
			return newClientError(errors.New("no pin is being edited"))
		}
		return nil
	})
}

func (r *Review) CommitEdit(id string) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.session.CommitEdit()
		return nil
	})
}

func (r *Review) CancelEdit(id string) (View, error) {
	return r.mutate(id, func(e *entry) error {
		e.session.CancelEdit()
		return nil
	})
}

func (r *Review) DeletePin(id string, number int) (View, error) {
	return r.mutate(id, func(e *entry) error {
		if !e.session.DeletePin(number) {
			return newNotFoundError(fmt.Errorf("pin '%d' not found", number))
		}
		return nil
	})
}

// Save persists the session. A second save while one is in flight fails with ErrBusy. The network calls run
// detached from ctx, closing the session or dropping the request does not interrupt them.
func (r *Review) Save(ctx context.Context, id string) (_ Acknowledgment, err error) {
	span, ctx := startSpan(ctx, "Review.Save")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	e, err := r.lock(id)
	if err != nil {
		return Acknowledgment{}, err
	}
	if e.saving {
		e.mutex.Unlock()
		return Acknowledgment{}, newBusyError(errors.New("a save is already in progress"))
	}
	req := SaveRequest{
		Credential: e.credential,
		Submission: e.submission,
		Document:   e.session.PrepareSave(),
		Latch:      sessionLatch{e: e},
	}
	e.saving = true
	e.mutex.Unlock()

	ctx = context.WithoutCancel(ctx)
	ack, err := r.Protocol.Save(ctx, req)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.saving = false
	if err == nil {
		e.session.MarkSaved()
		if r.Drafts != nil {
			if derr := r.Drafts.Delete(ctx, e.submission.ID); derr != nil {
				r.Logger.Warn().Err(derr).Str("submissionID", e.submission.ID).Msg("Fail to delete the draft")
			}
		}
	}
	if e.closed {
		r.keepDraft(ctx, e)
		e.blobs.Release()
	}
	if err != nil {
		return Acknowledgment{}, fmt.Errorf("fail to save session '%s': %w", id, err)
	}
	return ack, nil
}

// Blob returns a blob of the session. The url is the signed url the blob was requested with.
func (r *Review) Blob(id, blobID, url string) (*Blob, error) {
	e, err := r.lock(id)
	if err != nil {
		return nil, err
	}
	defer e.mutex.Unlock()

	if !e.blobs.Verify(url) {
		return nil, newClientError(errors.New("invalid token"))
	}
	blob, ok := e.blobs.Get(blobID)
	if !ok {
		return nil, newNotFoundError(fmt.Errorf("blob '%s' not found", blobID))
	}
	return blob, nil
}

// Len is the number of open sessions.
func (r *Review) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}

// CloseAll closes every session, keeping the drafts of the unsaved ones.
func (r *Review) CloseAll(ctx context.Context) {
	r.mutex.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mutex.RUnlock()

	for _, id := range ids {
		if err := r.Close(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			r.Logger.Warn().Err(err).Str("sessionID", id).Msg("Fail to close the session")
		}
	}
}

func (r *Review) mutate(id string, fn func(*entry) error) (View, error) {
	e, err := r.lock(id)
	if err != nil {
		return View{}, err
	}
	defer e.mutex.Unlock()

	if e.saving {
		return View{}, newBusyError(errors.New("the session can't change while a save is in progress"))
	}
	if err := fn(e); err != nil {
		return View{}, err
	}
	return e.view(), nil
}

// lock returns the entry locked. The caller must unlock it.
func (r *Review) lock(id string) (*entry, error) {
	r.mutex.RLock()
	e, ok := r.entries[id]
	r.mutex.RUnlock()
	if !ok {
		return nil, newNotFoundError(fmt.Errorf("session '%s' not found", id))
	}

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil, newNotFoundError(fmt.Errorf("session '%s' not found", id))
	}
	return e, nil
}

// load acquires the resources and seeds the session of the entry.
func (r *Review) load(ctx context.Context, e *entry) error {
	acquisition, err := r.Resources.Acquire(ctx, e.credential, e.submission.Resources, e.blobs)
	if err != nil {
		return fmt.Errorf("fail to acquire the resources: %w", err)
	}
	e.acquisition = acquisition
	for i, a := range acquisition {
		if a.Blob != nil && a.Blob.Width > 0 && a.Blob.Height > 0 {
			e.session.SetIntrinsicSize(i, geometry.Size{Width: float64(a.Blob.Width), Height: float64(a.Blob.Height)})
		}
	}

	stored, err := r.storedFeedback(ctx, e.credential, e.submission.Resources)
	if err != nil {
		return err
	}
	e.session.Open(e.submission.ID, stored.OverallComment, stored.AnnotationSet())

	if r.Drafts == nil {
		return nil
	}
	draft, ok, err := r.Drafts.Load(ctx, e.submission.ID)
	if err != nil {
		r.Logger.Warn().Err(err).Str("submissionID", e.submission.ID).Msg("Fail to load the draft")
		return nil
	}
	if ok {
		e.session.Restore(draft.OverallComment, draft.AnnotationSet())
	}
	return nil
}

// storedFeedback returns the latest document saved for any of the resources.
func (r *Review) storedFeedback(
	ctx context.Context, credential string, resources []domain.Resource,
) (domain.FeedbackDocument, error) {
	records := make([]domain.Feedback, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, resource := range resources {
		g.Go(func() error {
			feedback, ok, err := r.Backend.FetchFeedback(gctx, credential, resource.ID)
			if err != nil {
				return err
			}
			if ok {
				records[i] = feedback
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.FeedbackDocument{}, fmt.Errorf("fail to fetch the stored feedback: %w", asTransient(err))
	}

	latest, ok := domain.LatestFeedback(records)
	if !ok {
		return domain.FeedbackDocument{}, nil
	}
	return domain.DecodeFeedbackDocument(latest.Comment), nil
}

// keepDraft stores the unsaved review of the entry. The entry must be locked.
func (r *Review) keepDraft(ctx context.Context, e *entry) {
	if r.Drafts == nil || !e.session.Dirty() {
		return
	}
	if err := r.Drafts.Save(ctx, e.submission.ID, e.session.PrepareSave()); err != nil {
		r.Logger.Warn().Err(err).Str("submissionID", e.submission.ID).Msg("Fail to keep the draft")
	}
}

func (e *entry) view() View {
	s := e.session
	pinCounts := make(map[int]int)
	for _, image := range s.Store().Images() {
		pinCounts[image] = s.Store().Count(image)
	}
	pins := s.Store().Pins(s.Image())
	if pins == nil {
		pins = []domain.Pin{}
	}

	resources := make([]ResourceView, len(e.acquisition))
	for i, a := range e.acquisition {
		rv := ResourceView{ID: a.Resource.ID, Name: a.Resource.Name, Kind: a.Resource.Kind}
		if a.Blob != nil {
			rv.Available = true
			rv.URL = e.blobs.URL(e.id, a.Blob.ID)
			rv.Width, rv.Height, rv.Pages = a.Blob.Width, a.Blob.Height, a.Blob.Pages
			if a.Blob.PreviewID != "" {
				rv.PreviewURL = e.blobs.URL(e.id, a.Blob.PreviewID)
			}
		}
		resources[i] = rv
	}

	return View{
		ID:             e.id,
		SubmissionID:   s.SubmissionID(),
		Mode:           s.Mode().String(),
		Image:          s.Image(),
		Box:            s.Box(),
		Pins:           pins,
		PinCounts:      pinCounts,
		Selected:       s.Selected(),
		Editing:        s.Editing(),
		EditBuffer:     s.EditBuffer(),
		Dragging:       s.Dragging(),
		PinsVisible:    s.PinsVisible(),
		OverallComment: s.OverallComment(),
		Dirty:          s.Dirty(),
		Notified:       s.Notified(),
		Saving:         e.saving,
		Resources:      resources,
	}
}
