package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nitro/lazyreview/internal/domain"
)

type mockProtocolBackend struct {
	mock.Mock
}

func (m *mockProtocolBackend) SaveFeedback(_ context.Context, _ string, resourceID int, payload string) (int, error) {
	args := m.Called(resourceID, payload)
	return args.Int(0), args.Error(1)
}

func (m *mockProtocolBackend) UpdateTask(_ context.Context, _ string, task domain.Task) (domain.Task, error) {
	args := m.Called(task)
	return args.Get(0).(domain.Task), args.Error(1)
}

func (m *mockProtocolBackend) FetchTask(_ context.Context, _ string, taskID int) (domain.Task, error) {
	args := m.Called(taskID)
	return args.Get(0).(domain.Task), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(_ context.Context, _ string, submission domain.Submission) error {
	return m.Called(submission.Task.ID).Error(0)
}

type testLatch struct {
	fired bool
}

func (l *testLatch) Fired() bool { return l.fired }
func (l *testLatch) Fire()       { l.fired = true }
func (l *testLatch) Clear()      { l.fired = false }

func newTestProtocol(t *testing.T, backend *mockProtocolBackend, notifier *mockNotifier) *Protocol {
	t.Helper()
	p := &Protocol{
		Logger:           zerolog.Nop(),
		Backend:          backend,
		Notifier:         notifier,
		StatusRetryDelay: time.Millisecond,
		PollDelay:        time.Millisecond,
	}
	require.NoError(t, p.Init())
	return p
}

func testSubmission() domain.Submission {
	return domain.Submission{
		ID:   "submission-1",
		Task: domain.Task{ID: 7, Title: "Essay", Status: domain.StatusAwaitingReview},
		Resources: []domain.Resource{
			{ID: 10, Locator: "files/10", Kind: domain.MediaImage},
			{ID: 11, Locator: "files/11", Kind: domain.MediaImage},
		},
	}
}

func testDocument(texts ...string) domain.FeedbackDocument {
	set := domain.AnnotationSet{}
	for i, text := range texts {
		set[0] = append(set[0], domain.Pin{Number: i + 1, X: 0.5, Y: 0.5, Text: text})
	}
	return domain.NewFeedbackDocument("Good work", set)
}

func reviewedTask() domain.Task {
	return domain.Task{ID: 7, Title: "Essay", Status: domain.StatusReviewed}
}

func awaitingTask() domain.Task {
	return domain.Task{ID: 7, Title: "Essay", Status: domain.StatusAwaitingReview}
}

func TestProtocolInit(t *testing.T) {
	t.Parallel()

	require.EqualError(t, (&Protocol{Notifier: &mockNotifier{}}).Init(), "internal/service/Protocol.Backend can't be nil")
	require.EqualError(
		t, (&Protocol{Backend: &mockProtocolBackend{}}).Init(), "internal/service/Protocol.Notifier can't be nil",
	)

	p := Protocol{Backend: &mockProtocolBackend{}, Notifier: &mockNotifier{}}
	require.NoError(t, p.Init())
	require.Equal(t, 2, p.StatusAttempts)
	require.Equal(t, 250*time.Millisecond, p.StatusRetryDelay)
	require.Equal(t, 3, p.PollAttempts)
	require.Equal(t, 250*time.Millisecond, p.PollDelay)
}

func TestProtocolSaveValidation(t *testing.T) {
	t.Parallel()

	noResources := testSubmission()
	noResources.Resources = nil

	tests := []struct {
		message       string
		submission    domain.Submission
		document      domain.FeedbackDocument
		expectedError string
	}{
		{
			message:       "reject an empty pin",
			submission:    testSubmission(),
			document:      testDocument(""),
			expectedError: "comment 1 on image 1 is empty",
		},
		{
			message:       "reject a whitespace pin",
			submission:    testSubmission(),
			document:      testDocument("fine", " \n\t"),
			expectedError: "comment 2 on image 1 is empty",
		},
		{
			message:       "reject a submission without resources",
			submission:    noResources,
			document:      testDocument("fine"),
			expectedError: "the submission has no files to attach the feedback to",
		},
	}
	for _, tt := range tests {
		t.Run("Should "+tt.message, func(t *testing.T) {
			t.Parallel()

			backend := &mockProtocolBackend{}
			notifier := &mockNotifier{}
			latch := &testLatch{fired: true}
			p := newTestProtocol(t, backend, notifier)

			_, err := p.Save(context.Background(), SaveRequest{
				Credential: "token",
				Submission: tt.submission,
				Document:   tt.document,
				Latch:      latch,
			})
			require.ErrorIs(t, err, ErrValidation)
			require.EqualError(t, err, tt.expectedError)
			require.Empty(t, backend.Calls, "no network call is allowed")
			require.Empty(t, notifier.Calls)
			require.True(t, latch.fired, "a validation failure leaves the latch alone")
			require.Equal(t, "Feedback is incomplete", Describe(err).Title)
			wrapped := fmt.Errorf("fail to save session 'a1b2': %w", err)
			require.Equal(t, tt.expectedError, Describe(wrapped).Description)
		})
	}
}

func TestProtocolSaveCleanPath(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	doc := testDocument("nice intro")
	payload, err := doc.Encode()
	require.NoError(t, err)

	backend.On("SaveFeedback", 10, payload).Return(100, nil).Once()
	backend.On("SaveFeedback", 11, payload).Return(101, nil).Once()
	backend.On("UpdateTask", mock.MatchedBy(func(task domain.Task) bool {
		return task.ID == 7 && task.Title == "Essay" && task.Status == domain.StatusReviewed
	})).Return(reviewedTask(), nil).Once()
	notifier.On("Notify", 7).Return(nil).Once()

	latch := &testLatch{}
	p := newTestProtocol(t, backend, notifier)
	ack, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: doc, Latch: latch,
	})
	require.NoError(t, err)
	require.Equal(t, []int{100, 101}, ack.Records)
	require.Equal(t, domain.StatusReviewed, ack.Status)
	require.True(t, ack.Notified)
	require.True(t, latch.fired)
	backend.AssertExpectations(t)
	backend.AssertNotCalled(t, "FetchTask", mock.Anything)
	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestProtocolSaveNotifiesOncePerLatch(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(reviewedTask(), nil)
	notifier.On("Notify", 7).Return(nil)

	latch := &testLatch{}
	p := newTestProtocol(t, backend, notifier)
	req := SaveRequest{Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch}

	ack, err := p.Save(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ack.Notified)

	ack, err = p.Save(context.Background(), req)
	require.NoError(t, err)
	require.False(t, ack.Notified)
	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestProtocolSaveStatusRetry(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(domain.Task{}, errors.New("connection reset")).Once()
	backend.On("UpdateTask", mock.Anything).Return(awaitingTask(), nil).Once()
	backend.On("FetchTask", 7).Return(reviewedTask(), nil).Once()
	notifier.On("Notify", 7).Return(nil).Once()

	latch := &testLatch{}
	p := newTestProtocol(t, backend, notifier)
	ack, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch,
	})
	require.NoError(t, err)
	require.True(t, ack.Notified)
	require.Equal(t, domain.StatusReviewed, ack.Status)
	backend.AssertNumberOfCalls(t, "UpdateTask", 2)
	backend.AssertNumberOfCalls(t, "FetchTask", 1)
	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestProtocolSaveStatusRetryBound(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(domain.Task{}, errors.New("bad gateway"))

	latch := &testLatch{fired: true}
	p := newTestProtocol(t, backend, notifier)
	_, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch,
	})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, "Could not save feedback", Describe(err).Title)
	backend.AssertNumberOfCalls(t, "UpdateTask", 2)
	backend.AssertNotCalled(t, "FetchTask", mock.Anything)
	require.Empty(t, notifier.Calls)
	require.False(t, latch.fired, "a failed save clears the latch")
}

func TestProtocolSaveConvergenceFailure(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(awaitingTask(), nil).Once()
	backend.On("FetchTask", 7).Return(awaitingTask(), nil)

	p := newTestProtocol(t, backend, notifier)
	_, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: &testLatch{},
	})
	require.ErrorIs(t, err, ErrConvergence)
	require.Equal(t, "State not updated", Describe(err).Title)
	backend.AssertNumberOfCalls(t, "SaveFeedback", 2)
	backend.AssertNumberOfCalls(t, "FetchTask", 3)
	require.Empty(t, notifier.Calls)
}

func TestProtocolSavePollReadFailures(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(awaitingTask(), nil).Once()
	backend.On("FetchTask", 7).Return(domain.Task{}, errors.New("timeout")).Twice()
	backend.On("FetchTask", 7).Return(reviewedTask(), nil).Once()
	notifier.On("Notify", 7).Return(nil).Once()

	p := newTestProtocol(t, backend, notifier)
	ack, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: &testLatch{},
	})
	require.NoError(t, err)
	require.True(t, ack.Notified)
	backend.AssertNumberOfCalls(t, "FetchTask", 3)
}

func TestProtocolSaveUploadFailure(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", 10, mock.Anything).Return(1, nil)
	backend.On("SaveFeedback", 11, mock.Anything).Return(0, newTransientError(errors.New("503")))

	latch := &testLatch{fired: true}
	p := newTestProtocol(t, backend, notifier)
	_, err := p.Save(context.Background(), SaveRequest{
		Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch,
	})
	require.ErrorIs(t, err, ErrTransient)
	backend.AssertNotCalled(t, "UpdateTask", mock.Anything)
	require.False(t, latch.fired)
}

func TestProtocolSaveNotifyFailure(t *testing.T) {
	t.Parallel()

	backend := &mockProtocolBackend{}
	notifier := &mockNotifier{}
	backend.On("SaveFeedback", mock.Anything, mock.Anything).Return(1, nil)
	backend.On("UpdateTask", mock.Anything).Return(reviewedTask(), nil)
	notifier.On("Notify", 7).Return(newTransientError(errors.New("mail down"))).Once()
	notifier.On("Notify", 7).Return(nil).Once()

	latch := &testLatch{}
	p := newTestProtocol(t, backend, notifier)
	req := SaveRequest{Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch}

	_, err := p.Save(context.Background(), req)
	require.ErrorIs(t, err, ErrTransient)
	require.False(t, latch.fired)

	ack, err := p.Save(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ack.Notified)
	notifier.AssertNumberOfCalls(t, "Notify", 2)
}

func TestProtocolSaveHidesBackendRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		status  int
		path    string
	}{
		{message: "hide a rejected credential on upload", status: http.StatusForbidden, path: "/files/10/feedback"},
		{message: "hide a missing task on status update", status: http.StatusNotFound, path: "/tasks/7"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("Should "+tt.message, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == tt.path {
					w.WriteHeader(tt.status)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":1}`))
			}))
			defer server.Close()

			backend := &Backend{HTTPClient: server.Client(), BaseURL: server.URL}
			require.NoError(t, backend.Init())
			notifier := &mockNotifier{}
			p := &Protocol{
				Logger:           zerolog.Nop(),
				Backend:          backend,
				Notifier:         notifier,
				StatusRetryDelay: time.Millisecond,
				PollDelay:        time.Millisecond,
			}
			require.NoError(t, p.Init())

			latch := &testLatch{fired: true}
			_, err := p.Save(context.Background(), SaveRequest{
				Credential: "token", Submission: testSubmission(), Document: testDocument("a"), Latch: latch,
			})
			require.ErrorIs(t, err, ErrTransient)
			require.False(t, latch.fired)
			require.Empty(t, notifier.Calls)

			descriptor := Describe(err)
			require.Equal(t, "Could not save feedback", descriptor.Title)
			require.Equal(t, "Something went wrong. Please try again.", descriptor.Description)
			require.NotContains(t, descriptor.Description, fmt.Sprint(tt.status))
		})
	}
}
