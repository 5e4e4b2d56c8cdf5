package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
)

// Drafts keeps the unsaved review of a submission between sessions.
type Drafts struct {
	Storage draftStorage
}

// Init drafts internal state.
func (d *Drafts) Init() error {
	if d.Storage == nil {
		return errors.New("internal/service/Drafts.Storage can't be nil")
	}
	return nil
}

func (d Drafts) Save(ctx context.Context, submissionID string, doc domain.FeedbackDocument) (err error) {
	span, ctx := startSpan(ctx, "Drafts.Save")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	payload, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("fail to encode the draft: %w", err)
	}
	if err := d.Storage.Put(ctx, submissionID, strings.NewReader(payload)); err != nil {
		return fmt.Errorf("fail to store the draft of submission '%s': %w", submissionID, err)
	}
	return nil
}

// Load returns the draft of the submission. The boolean is false when there is none.
func (d Drafts) Load(ctx context.Context, submissionID string) (_ domain.FeedbackDocument, _ bool, err error) {
	span, ctx := startSpan(ctx, "Drafts.Load")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	reader, err := d.Storage.Get(ctx, submissionID)
	if err != nil {
		return domain.FeedbackDocument{}, false, fmt.Errorf("fail to fetch the draft of submission '%s': %w", submissionID, err)
	}
	if reader == nil {
		return domain.FeedbackDocument{}, false, nil
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return domain.FeedbackDocument{}, false, fmt.Errorf("fail to read the draft: %w", err)
	}
	return domain.DecodeFeedbackDocument(string(payload)), true, nil
}

func (d Drafts) Delete(ctx context.Context, submissionID string) (err error) {
	span, ctx := startSpan(ctx, "Drafts.Delete")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if err := d.Storage.Delete(ctx, submissionID); err != nil {
		return fmt.Errorf("fail to delete the draft of submission '%s': %w", submissionID, err)
	}
	return nil
}
