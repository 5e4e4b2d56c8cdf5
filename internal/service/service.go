package service

import (
	"context"
	"errors"
	"time"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// Sentinel errors.
var (
	ErrClient      = ServiceError{origin: "client"}
	ErrNotFound    = ServiceError{origin: "notFound"}
	ErrValidation  = ServiceError{origin: "validation"}
	ErrTransient   = ServiceError{origin: "transient"}
	ErrConvergence = ServiceError{origin: "convergence"}
	ErrBusy        = ServiceError{origin: "busy"}
)

// ServiceError has detailed information about errors from the service package.
type ServiceError struct {
	base   error
	origin string
}

// Is checks if the given error and the current ServiceError are the same.
func (se ServiceError) Is(target error) bool {
	var err ServiceError
	if !errors.As(target, &err) {
		return false
	}
	return se.origin == err.origin
}

// Error is used to output the error message.
func (se ServiceError) Error() string {
	if se.base == nil {
		return se.origin
	}
	return se.base.Error()
}

// Unwrap exposes the underlying error.
func (se ServiceError) Unwrap() error {
	return se.base
}

func newClientError(err error) error {
	return ServiceError{base: err, origin: "client"}
}

func newNotFoundError(err error) error {
	return ServiceError{base: err, origin: "notFound"}
}

func newValidationError(err error) error {
	return ServiceError{base: err, origin: "validation"}
}

func newTransientError(err error) error {
	return ServiceError{base: err, origin: "transient"}
}

func newConvergenceError(err error) error {
	return ServiceError{base: err, origin: "convergence"}
}

func newBusyError(err error) error {
	return ServiceError{base: err, origin: "busy"}
}

// Descriptor is the user facing rendition of an error. Transport errors never reach it verbatim.
type Descriptor struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Describe converts an error into the descriptor shown to the user. Only the message of the classified error is
// shown, never the context wrapped around it.
func Describe(err error) Descriptor {
	switch {
	case err == nil:
		return Descriptor{}
	case errors.Is(err, ErrValidation):
		return Descriptor{Title: "Feedback is incomplete", Description: detail(err)}
	case errors.Is(err, ErrConvergence):
		return Descriptor{
			Title:       "State not updated",
			Description: "The comments were saved but the task is not marked as reviewed yet. Please try again.",
		}
	case errors.Is(err, ErrBusy):
		return Descriptor{Title: "Save in progress", Description: "Wait for the current save to finish."}
	case errors.Is(err, ErrTransient):
		return Descriptor{Title: "Could not save feedback", Description: "Something went wrong. Please try again."}
	case errors.Is(err, ErrClient):
		return Descriptor{Title: "Invalid request", Description: detail(err)}
	case errors.Is(err, ErrNotFound):
		return Descriptor{Title: "Not found", Description: detail(err)}
	default:
		return Descriptor{Title: "Could not save feedback", Description: "Something went wrong. Please try again."}
	}
}

// detail is the message of the outermost ServiceError.
func detail(err error) string {
	var se ServiceError
	if !errors.As(err, &se) || se.base == nil {
		return err.Error()
	}
	return se.base.Error()
}

func startSpan(ctx context.Context, operation string) (ddtrace.Span, context.Context) {
	return ddTracer.StartSpanFromContext(ctx, "internal/service/"+operation)
}

// sleep waits for the delay or until the context is done.
func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
