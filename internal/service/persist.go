package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
)

const (
	defaultStatusAttempts   = 2
	defaultStatusRetryDelay = 250 * time.Millisecond
	defaultPollAttempts     = 3
	defaultPollDelay        = 250 * time.Millisecond

	notBlankTag = "notblank"
)

type protocolBackend interface {
	SaveFeedback(ctx context.Context, credential string, resourceID int, payload string) (int, error)
	UpdateTask(ctx context.Context, credential string, task domain.Task) (domain.Task, error)
	FetchTask(ctx context.Context, credential string, taskID int) (domain.Task, error)
}

// Latch guards the notification of a session. It survives across saves and is only cleared by a failed save or by
// opening another submission.
type Latch interface {
	Fired() bool
	Fire()
	Clear()
}

// SaveRequest is everything the protocol needs to persist a review.
type SaveRequest struct {
	Credential string
	Submission domain.Submission
	Document   domain.FeedbackDocument
	Latch      Latch
}

// Acknowledgment describes a successful save.
type Acknowledgment struct {
	Records  []int             `json:"records"`
	Status   domain.TaskStatus `json:"status"`
	Notified bool              `json:"notified"`
}

// Protocol persists the feedback of a submission: upload the document for every resource, move the task to
// reviewed, wait until the task reads back as reviewed and notify the owner once.
type Protocol struct {
	Logger           zerolog.Logger
	Backend          protocolBackend
	Notifier         Notifier
	StatusAttempts   int
	StatusRetryDelay time.Duration
	PollAttempts     int
	PollDelay        time.Duration

	validate *validator.Validate
}

// Init the protocol internal state.
func (p *Protocol) Init() error {
	if p.Backend == nil {
		return errors.New("internal/service/Protocol.Backend can't be nil")
	}
	if p.Notifier == nil {
		return errors.New("internal/service/Protocol.Notifier can't be nil")
	}
	if p.StatusAttempts <= 0 {
		p.StatusAttempts = defaultStatusAttempts
	}
	if p.StatusRetryDelay <= 0 {
		p.StatusRetryDelay = defaultStatusRetryDelay
	}
	if p.PollAttempts <= 0 {
		p.PollAttempts = defaultPollAttempts
	}
	if p.PollDelay <= 0 {
		p.PollDelay = defaultPollDelay
	}

	p.validate = validator.New()
	if err := p.validate.RegisterValidation(notBlankTag, notBlankValidation); err != nil {
		return fmt.Errorf("fail to register the '%s' validation: %w", notBlankTag, err)
	}
	return nil
}

// Save runs the whole protocol. Validation failures never reach the network. Any failure after validation clears
// the latch, so a retried save may notify again, and is reported as transient unless the poll did not converge.
func (p *Protocol) Save(ctx context.Context, req SaveRequest) (_ Acknowledgment, err error) {
	span, ctx := startSpan(ctx, "Protocol.Save")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if err := p.Validate(req.Submission, req.Document); err != nil {
		return Acknowledgment{}, err
	}
	defer func() {
		if err == nil {
			return
		}
		req.Latch.Clear()
		if !errors.Is(err, ErrConvergence) && !errors.Is(err, ErrTransient) {
			err = newTransientError(err)
		}
	}()

	logger := p.Logger.With().Str("submissionID", req.Submission.ID).Int("taskID", req.Submission.Task.ID).Logger()

	records, err := p.upload(ctx, req)
	if err != nil {
		return Acknowledgment{}, err
	}
	logger.Debug().Ints("records", records).Msg("Feedback uploaded")

	task, err := p.updateStatus(ctx, req.Credential, req.Submission.Task)
	if err != nil {
		return Acknowledgment{}, err
	}

	if task.Status != domain.StatusReviewed {
		if task, err = p.poll(ctx, req.Credential, req.Submission.Task.ID); err != nil {
			return Acknowledgment{}, err
		}
	}

	ack := Acknowledgment{Records: records, Status: task.Status}
	if req.Latch.Fired() {
		logger.Debug().Msg("Owner already notified")
		return ack, nil
	}
	if err := p.Notifier.Notify(ctx, req.Credential, req.Submission); err != nil {
		return Acknowledgment{}, fmt.Errorf("fail to notify the owner: %w", err)
	}
	req.Latch.Fire()
	ack.Notified = true
	logger.Info().Msg("Feedback saved")
	return ack, nil
}

// Validate rejects a document that can't be saved: a submission without resources or a pin without text.
func (p *Protocol) Validate(submission domain.Submission, doc domain.FeedbackDocument) error {
	if err := submission.Validate(); err != nil {
		return newValidationError(err)
	}
	if len(submission.Resources) == 0 {
		return newValidationError(errors.New("the submission has no files to attach the feedback to"))
	}
	for _, image := range doc.PinsByImage {
		for _, pin := range image.Pins {
			if err := p.validate.Var(pin.Text, notBlankTag); err != nil {
				return newValidationError(
					fmt.Errorf("comment %d on image %d is empty", pin.Number, image.ImageIndex+1),
				)
			}
		}
	}
	return nil
}

// upload posts the document for every resource concurrently. All of them must succeed.
func (p *Protocol) upload(ctx context.Context, req SaveRequest) ([]int, error) {
	payload, err := req.Document.Encode()
	if err != nil {
		return nil, fmt.Errorf("fail to encode the feedback document: %w", err)
	}

	records := make([]int, len(req.Submission.Resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, resource := range req.Submission.Resources {
		g.Go(func() error {
			id, err := p.Backend.SaveFeedback(gctx, req.Credential, resource.ID, payload)
			if err != nil {
				return err
			}
			records[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fail to upload the feedback: %w", asTransient(err))
	}
	return records, nil
}

func (p *Protocol) updateStatus(ctx context.Context, credential string, task domain.Task) (domain.Task, error) {
	task.Status = domain.StatusReviewed

	var err error
	for attempt := 1; attempt <= p.StatusAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.StatusRetryDelay); err != nil {
				return domain.Task{}, newTransientError(fmt.Errorf("fail to wait for the next attempt: %w", err))
			}
		}
		var result domain.Task
		if result, err = p.Backend.UpdateTask(ctx, credential, task); err == nil {
			return result, nil
		}
		p.Logger.Warn().Err(err).Int("attempt", attempt).Int("taskID", task.ID).Msg("Fail to update the task status")
	}
	return domain.Task{}, fmt.Errorf(
		"fail to update the task status after %d attempts: %w", p.StatusAttempts, asTransient(err),
	)
}

// poll reads the task until it is reviewed. Read failures count as attempts that did not converge.
func (p *Protocol) poll(ctx context.Context, credential string, taskID int) (domain.Task, error) {
	var last domain.Task
	for attempt := 1; attempt <= p.PollAttempts; attempt++ {
		if err := sleep(ctx, p.PollDelay); err != nil {
			return domain.Task{}, newTransientError(fmt.Errorf("fail to wait for the next poll: %w", err))
		}
		task, err := p.Backend.FetchTask(ctx, credential, taskID)
		if err != nil {
			p.Logger.Warn().Err(err).Int("attempt", attempt).Int("taskID", taskID).Msg("Fail to read the task status")
			continue
		}
		last = task
		if task.Status == domain.StatusReviewed {
			return task, nil
		}
	}
	return domain.Task{}, newConvergenceError(fmt.Errorf(
		"task '%d' still '%s' after %d polls", taskID, last.Status, p.PollAttempts,
	))
}

// asTransient keeps the classification of service errors and marks everything else as transient.
func asTransient(err error) error {
	var se ServiceError
	if errors.As(err, &se) {
		return err
	}
	return newTransientError(err)
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}
