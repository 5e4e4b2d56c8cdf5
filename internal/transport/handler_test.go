package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/geometry"
	"github.com/nitro/lazyreview/internal/review"
	"github.com/nitro/lazyreview/internal/service"
)

type mockReviewService struct {
	mock.Mock
}

func (m *mockReviewService) view(args mock.Arguments) (service.View, error) {
	view, _ := args.Get(0).(service.View)
	return view, args.Error(1)
}

func (m *mockReviewService) Open(_ context.Context, credential string, s domain.Submission) (service.View, error) {
	return m.view(m.Called(credential, s))
}

func (m *mockReviewService) Switch(_ context.Context, id, credential string, s domain.Submission) (service.View, error) {
	return m.view(m.Called(id, credential, s))
}

func (m *mockReviewService) Close(_ context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *mockReviewService) Get(id string) (service.View, error) {
	return m.view(m.Called(id))
}

func (m *mockReviewService) SetMode(id string, mode review.Mode) (service.View, error) {
	return m.view(m.Called(id, mode))
}

func (m *mockReviewService) SetImage(id string, image int) (service.View, error) {
	return m.view(m.Called(id, image))
}

func (m *mockReviewService) SetViewport(id string, viewport geometry.Viewport) (service.View, error) {
	return m.view(m.Called(id, viewport))
}

func (m *mockReviewService) SetPinsVisible(id string, visible bool) (service.View, error) {
	return m.view(m.Called(id, visible))
}

func (m *mockReviewService) SetOverallComment(id, comment string) (service.View, error) {
	return m.view(m.Called(id, comment))
}

func (m *mockReviewService) Pointer(id string, ev review.PointerEvent) (service.PointerResult, error) {
	args := m.Called(id, ev)
	result, _ := args.Get(0).(service.PointerResult)
	return result, args.Error(1)
}

func (m *mockReviewService) BeginEdit(id string, number int) (service.View, error) {
	return m.view(m.Called(id, number))
}

func (m *mockReviewService) SetEditBuffer(id, text string) (service.View, error) {
	return m.view(m.Called(id, text))
}

func (m *mockReviewService) CommitEdit(id string) (service.View, error) {
	return m.view(m.Called(id))
}

func (m *mockReviewService) CancelEdit(id string) (service.View, error) {
	return m.view(m.Called(id))
}

func (m *mockReviewService) DeletePin(id string, number int) (service.View, error) {
	return m.view(m.Called(id, number))
}

func (m *mockReviewService) Save(_ context.Context, id string) (service.Acknowledgment, error) {
	args := m.Called(id)
	ack, _ := args.Get(0).(service.Acknowledgment)
	return ack, args.Error(1)
}

func (m *mockReviewService) Blob(id, blobID, url string) (*service.Blob, error) {
	args := m.Called(id, blobID, url)
	blob, _ := args.Get(0).(*service.Blob)
	return blob, args.Error(1)
}

func newTestHandler(t *testing.T, reviewService *mockReviewService) http.Handler {
	t.Helper()
	s := Server{
		Logger:            zerolog.Nop(),
		AsyncErrorHandler: func(error) {},
		TraceExtractor: func(context.Context, zerolog.Logger) (zerolog.Logger, error) {
			return zerolog.Nop(), nil
		},
		ReviewService: reviewService,
	}
	require.NoError(t, s.Init())
	return s.Handler()
}

type errorBody struct {
	Error struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer credential")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHandlerHealth(t *testing.T) {
	t.Parallel()

	rr := serve(newTestHandler(t, &mockReviewService{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestHandlerOpen(t *testing.T) {
	t.Parallel()

	reviewService := &mockReviewService{}
	submission := domain.Submission{
		ID:        "submission-1",
		Task:      domain.Task{ID: 7, Status: domain.StatusAwaitingReview},
		Resources: []domain.Resource{{ID: 1, Locator: "uploads/1.png", Kind: domain.MediaImage}},
	}
	reviewService.On("Open", "credential", submission).Return(service.View{ID: "session-1"}, nil).Once()

	payload, err := json.Marshal(submission)
	require.NoError(t, err)
	rr := serve(newTestHandler(t, reviewService), http.MethodPost, "/sessions", string(payload))
	require.Equal(t, http.StatusCreated, rr.Code)

	var view service.View
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "session-1", view.ID)
	reviewService.AssertExpectations(t)
}

func TestHandlerEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		method  string
		path    string
		body    string
		setup   func(*mockReviewService)
		status  int
	}{
		{
			message: "switch the mode",
			method:  http.MethodPut,
			path:    "/sessions/s1/mode",
			body:    `{"mode":"reposition"}`,
			setup: func(m *mockReviewService) {
				m.On("SetMode", "s1", review.ModeReposition).Return(service.View{}, nil)
			},
			status: http.StatusOK,
		},
		{
			message: "reject an unknown mode",
			method:  http.MethodPut,
			path:    "/sessions/s1/mode",
			body:    `{"mode":"draw"}`,
			setup:   func(*mockReviewService) {},
			status:  http.StatusBadRequest,
		},
		{
			message: "forward a pointer event",
			method:  http.MethodPost,
			path:    "/sessions/s1/pointer",
			body:    `{"type":"down","clientX":100,"clientY":50,"pin":0}`,
			setup: func(m *mockReviewService) {
				m.On("Pointer", "s1", review.PointerEvent{Kind: review.PointerDown, ClientX: 100, ClientY: 50}).
					Return(service.PointerResult{Outcome: review.OutcomeCreated, Pin: 1}, nil)
			},
			status: http.StatusOK,
		},
		{
			message: "reject an unknown pointer event",
			method:  http.MethodPost,
			path:    "/sessions/s1/pointer",
			body:    `{"type":"wheel"}`,
			setup:   func(*mockReviewService) {},
			status:  http.StatusBadRequest,
		},
		{
			message: "reject an invalid body",
			method:  http.MethodPut,
			path:    "/sessions/s1/viewport",
			body:    `{"width":`,
			setup:   func(*mockReviewService) {},
			status:  http.StatusBadRequest,
		},
		{
			message: "set the viewport",
			method:  http.MethodPut,
			path:    "/sessions/s1/viewport",
			body:    `{"left":10,"top":20,"width":400,"height":300}`,
			setup: func(m *mockReviewService) {
				m.On("SetViewport", "s1", geometry.Viewport{Left: 10, Top: 20, Width: 400, Height: 300}).
					Return(service.View{}, nil)
			},
			status: http.StatusOK,
		},
		{
			message: "begin an edit",
			method:  http.MethodPost,
			path:    "/sessions/s1/pins/2/edit",
			setup: func(m *mockReviewService) {
				m.On("BeginEdit", "s1", 2).Return(service.View{}, nil)
			},
			status: http.StatusOK,
		},
		{
			message: "reject an invalid pin number",
			method:  http.MethodDelete,
			path:    "/sessions/s1/pins/zero",
			setup:   func(*mockReviewService) {},
			status:  http.StatusBadRequest,
		},
		{
			message: "delete a pin",
			method:  http.MethodDelete,
			path:    "/sessions/s1/pins/3",
			setup: func(m *mockReviewService) {
				m.On("DeletePin", "s1", 3).Return(service.View{}, nil)
			},
			status: http.StatusOK,
		},
		{
			message: "close a session",
			method:  http.MethodDelete,
			path:    "/sessions/s1",
			setup: func(m *mockReviewService) {
				m.On("Close", "s1").Return(nil)
			},
			status: http.StatusNoContent,
		},
		{
			message: "report an unknown session",
			method:  http.MethodGet,
			path:    "/sessions/unknown",
			setup: func(m *mockReviewService) {
				m.On("Get", "unknown").Return(nil, fmt.Errorf("lookup: %w", service.ErrNotFound))
			},
			status: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run("Should "+tt.message, func(t *testing.T) {
			t.Parallel()

			reviewService := &mockReviewService{}
			tt.setup(reviewService)
			rr := serve(newTestHandler(t, reviewService), tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			reviewService.AssertExpectations(t)
		})
	}
}

func TestHandlerSaveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		err     error
		status  int
		title   string
	}{
		{
			message: "map a validation error",
			err:     fmt.Errorf("save: %w", service.ErrValidation),
			status:  http.StatusUnprocessableEntity,
			title:   "Feedback is incomplete",
		},
		{
			message: "map a busy error",
			err:     service.ErrBusy,
			status:  http.StatusConflict,
			title:   "Save in progress",
		},
		{
			message: "map a convergence error",
			err:     fmt.Errorf("save: %w", service.ErrConvergence),
			status:  http.StatusBadGateway,
			title:   "State not updated",
		},
		{
			message: "map a transient error",
			err:     fmt.Errorf("save: %w", service.ErrTransient),
			status:  http.StatusBadGateway,
			title:   "Could not save feedback",
		},
		{
			message: "map a transient error wrapping a rejected credential",
			err:     fmt.Errorf("save: %w: %w", service.ErrTransient, service.ErrClient),
			status:  http.StatusBadGateway,
			title:   "Could not save feedback",
		},
		{
			message: "hide an unknown error",
			err:     errors.New("dial tcp 10.0.0.1:443: connection refused"),
			status:  http.StatusInternalServerError,
			title:   "Could not save feedback",
		},
	}
	for _, tt := range tests {
		t.Run("Should "+tt.message, func(t *testing.T) {
			t.Parallel()

			reviewService := &mockReviewService{}
			reviewService.On("Save", "s1").Return(nil, tt.err)
			rr := serve(newTestHandler(t, reviewService), http.MethodPost, "/sessions/s1/save", "")
			require.Equal(t, tt.status, rr.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, tt.title, body.Error.Title)
			require.NotContains(t, body.Error.Detail, "connection refused")
		})
	}
}

func TestHandlerSave(t *testing.T) {
	t.Parallel()

	reviewService := &mockReviewService{}
	reviewService.On("Save", "s1").Return(service.Acknowledgment{
		Records: []int{4, 5}, Status: domain.StatusReviewed, Notified: true,
	}, nil)
	rr := serve(newTestHandler(t, reviewService), http.MethodPost, "/sessions/s1/save", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"records":[4,5],"status":2,"notified":true}`, rr.Body.String())
}

func TestHandlerBlob(t *testing.T) {
	t.Parallel()

	reviewService := &mockReviewService{}
	reviewService.On("Blob", "s1", "b1", "/sessions/s1/blobs/b1?token=abc").
		Return(&service.Blob{ContentType: "image/png", Data: []byte("png")}, nil)
	reviewService.On("Blob", "s1", "b1", "/sessions/s1/blobs/b1?token=bad").
		Return(nil, fmt.Errorf("verify: %w", service.ErrClient))
	handler := newTestHandler(t, reviewService)

	rr := serve(handler, http.MethodGet, "/sessions/s1/blobs/b1?token=abc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	require.Equal(t, "png", rr.Body.String())

	rr = serve(handler, http.MethodGet, "/sessions/s1/blobs/b1?token=bad", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRedact(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/sessions/s/blobs/b?token=[REDACTED]", redact("/sessions/s/blobs/b?token=abc", "abc"))
	require.Equal(t, "/health", redact("/health", ""))
}
