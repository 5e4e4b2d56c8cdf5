package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// Notifier tells the owner of a submission that the feedback is ready. Implementations are not idempotent, the
// caller decides whether to notify.
type Notifier interface {
	Notify(ctx context.Context, credential string, submission domain.Submission) error
}

// MailNotifier sends the notification e-mail through SendGrid. Submissions without an owner e-mail go to Fallback.
type MailNotifier struct {
	APIKey    string
	FromEmail string
	FromName  string
	Fallback  Notifier
	Logger    zerolog.Logger

	send func(rest.Request) (*rest.Response, error)
}

// Init the internal state.
func (m *MailNotifier) Init() error {
	if m.APIKey == "" {
		return errors.New("internal/service/MailNotifier.APIKey can't be empty")
	}
	if m.FromEmail == "" {
		return errors.New("internal/service/MailNotifier.FromEmail can't be empty")
	}
	if m.Fallback == nil {
		return errors.New("internal/service/MailNotifier.Fallback can't be nil")
	}
	if m.send == nil {
		m.send = sendgrid.API
	}
	return nil
}

func (m *MailNotifier) Notify(ctx context.Context, credential string, submission domain.Submission) (err error) {
	if strings.TrimSpace(submission.OwnerEmail) == "" {
		return m.Fallback.Notify(ctx, credential, submission)
	}

	span, _ := startSpan(ctx, "MailNotifier.Notify")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	req := sendgrid.GetRequest(m.APIKey, sendgridEndpoint, sendgridHost)
	req.Method = rest.Post
	req.Body = sgmail.GetRequestBody(m.message(submission))

	res, err := m.send(req)
	if err != nil {
		return newTransientError(fmt.Errorf("fail to send the e-mail: %w", err))
	}
	if res.StatusCode >= http.StatusBadRequest {
		return newTransientError(fmt.Errorf("sendgrid returned status '%d': %s", res.StatusCode, res.Body))
	}
	m.Logger.Info().Int("taskID", submission.Task.ID).Msg("Feedback e-mail sent")
	return nil
}

func (m *MailNotifier) message(submission domain.Submission) *sgmail.SGMailV3 {
	title := submission.Task.Title
	if title == "" {
		title = fmt.Sprintf("task %d", submission.Task.ID)
	}

	p := sgmail.NewPersonalization()
	p.Subject = fmt.Sprintf("Feedback ready: %s", title)
	p.AddTos(sgmail.NewEmail(submission.OwnerName, submission.OwnerEmail))

	greeting := "Hello"
	if submission.OwnerName != "" {
		greeting += " " + submission.OwnerName
	}
	text := fmt.Sprintf("%s,\n\nYour mentor reviewed \"%s\". Open the task to read the feedback.\n", greeting, title)

	msg := sgmail.NewV3Mail()
	msg.SetFrom(sgmail.NewEmail(m.FromName, m.FromEmail))
	msg.AddPersonalizations(p)
	msg.AddContent(sgmail.NewContent("text/plain", text))
	return msg
}
