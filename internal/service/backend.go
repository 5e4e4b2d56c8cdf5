package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
)

// Backend talks to the platform REST API: feedback records, tasks and notifications.
type Backend struct {
	HTTPClient *http.Client
	BaseURL    string
	Logger     zerolog.Logger

	baseURL *url.URL
}

// Init backend internal state.
func (b *Backend) Init() error {
	if b.HTTPClient == nil {
		return errors.New("internal/service/Backend.HTTPClient can't be nil")
	}
	if b.BaseURL == "" {
		return errors.New("internal/service/Backend.BaseURL can't be empty")
	}
	baseURL, err := url.Parse(strings.TrimSuffix(b.BaseURL, "/") + "/")
	if err != nil {
		return fmt.Errorf("fail to parse the base url: %w", err)
	}
	b.baseURL = baseURL
	return nil
}

// Resolve turns a locator relative to the API into an absolute URL.
func (b *Backend) Resolve(locator string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimPrefix(locator, "/"))
	if err != nil {
		return nil, newClientError(fmt.Errorf("invalid locator '%s': %w", locator, err))
	}
	return b.baseURL.ResolveReference(ref), nil
}

// SaveFeedback stores the serialized feedback document of a resource and returns the record id.
func (b *Backend) SaveFeedback(ctx context.Context, credential string, resourceID int, payload string) (_ int, err error) {
	span, ctx := startSpan(ctx, "Backend.SaveFeedback")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	var result struct {
		ID int `json:"id"`
	}
	body := struct {
		Comment string `json:"comment"`
	}{Comment: payload}
	path := fmt.Sprintf("files/%d/feedback", resourceID)
	if err := b.do(ctx, http.MethodPost, path, credential, body, &result); err != nil {
		return 0, fmt.Errorf("fail to save the feedback of resource '%d': %w", resourceID, err)
	}
	return result.ID, nil
}

// FetchFeedback returns the latest feedback record of a resource. The boolean is false when there is none.
func (b *Backend) FetchFeedback(
	ctx context.Context, credential string, resourceID int,
) (_ domain.Feedback, _ bool, err error) {
	span, ctx := startSpan(ctx, "Backend.FetchFeedback")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	var result domain.Feedback
	err = b.do(ctx, http.MethodGet, fmt.Sprintf("files/%d/feedback", resourceID), credential, nil, &result)
	if errors.Is(err, ErrNotFound) {
		return domain.Feedback{}, false, nil
	}
	if err != nil {
		return domain.Feedback{}, false, fmt.Errorf("fail to fetch the feedback of resource '%d': %w", resourceID, err)
	}
	result.ResourceID = resourceID
	return result, true, nil
}

// UpdateTask sends the whole task, status included, and returns the task as echoed by the API.
func (b *Backend) UpdateTask(ctx context.Context, credential string, task domain.Task) (_ domain.Task, err error) {
	span, ctx := startSpan(ctx, "Backend.UpdateTask")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	body := struct {
		Title   string `json:"title"`
		Date    string `json:"date"`
		Subject string `json:"subject"`
		Goal    string `json:"goal"`
		Status  int    `json:"status"`
	}{
		Title:   task.Title,
		Date:    task.Date,
		Subject: task.Subject,
		Goal:    task.Goal,
		Status:  int(task.Status),
	}
	var result domain.Task
	if err := b.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%d", task.ID), credential, body, &result); err != nil {
		return domain.Task{}, fmt.Errorf("fail to update the task '%d': %w", task.ID, err)
	}
	return result, nil
}

func (b *Backend) FetchTask(ctx context.Context, credential string, taskID int) (_ domain.Task, err error) {
	span, ctx := startSpan(ctx, "Backend.FetchTask")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	var result domain.Task
	if err := b.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", taskID), credential, nil, &result); err != nil {
		return domain.Task{}, fmt.Errorf("fail to fetch the task '%d': %w", taskID, err)
	}
	return result, nil
}

// Notify asks the API to tell the submission owner that the feedback is ready. Every call sends a notification.
func (b *Backend) Notify(ctx context.Context, credential string, submission domain.Submission) (err error) {
	span, ctx := startSpan(ctx, "Backend.Notify")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	path := fmt.Sprintf("tasks/%d/notify", submission.Task.ID)
	if err := b.do(ctx, http.MethodPost, path, credential, nil, nil); err != nil {
		return fmt.Errorf("fail to notify the task '%d': %w", submission.Task.ID, err)
	}
	return nil
}

func (b *Backend) do(ctx context.Context, method, path, credential string, body, output interface{}) error {
	endpoint, err := b.Resolve(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fail to marshal the request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("fail to create the HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return newTransientError(fmt.Errorf("fail to call '%s %s': %w", method, path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("'%s %s' returned 404: %w", method, path, newNotFoundError(errors.New("not found")))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf(
			"'%s %s' returned status '%d': %w",
			method, path, resp.StatusCode, newClientError(errors.New("the credential was rejected")),
		)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return newTransientError(fmt.Errorf("'%s %s' returned invalid status code '%d'", method, path, resp.StatusCode))
	}

	if output == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(output); err != nil {
		return newTransientError(fmt.Errorf("fail to decode the response of '%s %s': %w", method, path, err))
	}
	return nil
}
