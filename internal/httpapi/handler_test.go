package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinicq/internal/admission"
	"clinicq/internal/assign"
	"clinicq/internal/bulkops"
	"clinicq/internal/clock"
	"clinicq/internal/metrics"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeStore struct {
	createEntry           func(ctx context.Context, input store.CreateEntryInput) (models.Entry, error)
	getEntry              func(ctx context.Context, entryID string) (models.Entry, error)
	transitionEntry       func(ctx context.Context, input store.TransitionInput) (models.Entry, error)
	listActiveEntries     func(ctx context.Context, scopeID, day string) ([]models.Entry, error)
	getQueueState         func(ctx context.Context, scopeID, day string) (models.QueueState, error)
	setQueueConfig        func(ctx context.Context, input store.QueueConfigInput) (models.Queue, error)
	createSession         func(ctx context.Context, scopeID, day string) (models.JoinSession, error)
	resolveSession        func(ctx context.Context, token string) (models.JoinSession, models.QueueState, error)
	commitSession         func(ctx context.Context, input store.CommitSessionInput) (models.Entry, error)
	rescheduleEntry       func(ctx context.Context, entryID, targetDay string) (models.Entry, error)
	cancelEntryWithRefund func(ctx context.Context, entryID string) (models.Entry, bool, error)
}

func (f *fakeStore) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.Entry, error) {
	return f.createEntry(ctx, input)
}

func (f *fakeStore) GetEntry(ctx context.Context, entryID string) (models.Entry, error) {
	return f.getEntry(ctx, entryID)
}

func (f *fakeStore) TransitionEntry(ctx context.Context, input store.TransitionInput) (models.Entry, error) {
	return f.transitionEntry(ctx, input)
}

func (f *fakeStore) ListActiveEntries(ctx context.Context, scopeID, day string) ([]models.Entry, error) {
	return f.listActiveEntries(ctx, scopeID, day)
}

func (f *fakeStore) GetQueueState(ctx context.Context, scopeID, day string) (models.QueueState, error) {
	return f.getQueueState(ctx, scopeID, day)
}

func (f *fakeStore) SetQueueConfig(ctx context.Context, input store.QueueConfigInput) (models.Queue, error) {
	return f.setQueueConfig(ctx, input)
}

func (f *fakeStore) ReserveBlock(ctx context.Context, scopeID, day string, count int) (store.Block, error) {
	return store.Block{}, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, scopeID, day string) (models.JoinSession, error) {
	return f.createSession(ctx, scopeID, day)
}

func (f *fakeStore) ResolveSession(ctx context.Context, token string) (models.JoinSession, models.QueueState, error) {
	return f.resolveSession(ctx, token)
}

func (f *fakeStore) CommitSession(ctx context.Context, input store.CommitSessionInput) (models.Entry, error) {
	return f.commitSession(ctx, input)
}

func (f *fakeStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakeStore) ListAssignmentScopes(ctx context.Context, day string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) ConvertAppointments(ctx context.Context, scopeID, day string) (store.ConvertResult, error) {
	return store.ConvertResult{}, nil
}

func (f *fakeStore) RescheduleEntry(ctx context.Context, entryID, targetDay string) (models.Entry, error) {
	return f.rescheduleEntry(ctx, entryID, targetDay)
}

func (f *fakeStore) CancelEntryWithRefund(ctx context.Context, entryID string) (models.Entry, bool, error) {
	return f.cancelEntryWithRefund(ctx, entryID)
}

func (f *fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeStore) GetDispatchOffset(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeStore) SetDispatchOffset(ctx context.Context, offset time.Time) error {
	return nil
}

type fakeAssigner struct {
	run func(ctx context.Context, day string) (assign.Summary, error)
}

func (f *fakeAssigner) Run(ctx context.Context, day string) (assign.Summary, error) {
	return f.run(ctx, day)
}

type fakeBulk struct {
	massReschedule func(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error)
	massCancel     func(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error)
}

func (f *fakeBulk) MassReschedule(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error) {
	return f.massReschedule(ctx, scopeIDs, day)
}

func (f *fakeBulk) MassCancel(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error) {
	return f.massCancel(ctx, scopeIDs, day)
}

var testNow = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

func newTestHandler(st store.Store, assigner Assigner, bulk BulkController) http.Handler {
	collector := metrics.NewCollector(prometheus.NewRegistry(), "clinicq_test")
	return NewHandler(st, assigner, bulk, clock.Fixed(testNow), collector).Routes()
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeErrorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error.Code
}

func TestCreateEntryDesk(t *testing.T) {
	var got store.CreateEntryInput
	st := &fakeStore{
		createEntry: func(ctx context.Context, input store.CreateEntryInput) (models.Entry, error) {
			got = input
			return models.Entry{
				EntryID:   "entry-1",
				ScopeID:   input.ScopeID,
				Day:       input.Day,
				Number:    7,
				PatientID: input.PatientID,
				Status:    models.StatusWaiting,
				Source:    input.Source,
			}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/entries", map[string]string{
		"scope_id":   "cardio",
		"patient_id": "patient-9",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got.Source != models.SourceDesk {
		t.Fatalf("source = %q, want desk default", got.Source)
	}
	if got.Day != "2025-03-14" {
		t.Fatalf("day = %q, want today", got.Day)
	}
	if !got.QueueTime.Equal(testNow) {
		t.Fatalf("queue time = %v, want clock now", got.QueueTime)
	}

	var entry models.Entry
	if err := json.Unmarshal(recorder.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Number != 7 {
		t.Fatalf("number = %d, want 7", entry.Number)
	}
}

func TestCreateEntryRejectsAssignmentSource(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, nil, nil)
	recorder := doRequest(t, handler, http.MethodPost, "/api/entries", map[string]string{
		"scope_id":   "cardio",
		"patient_id": "patient-9",
		"source":     models.SourceMorningAssignment,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestCreateEntryDeniedMapsReason(t *testing.T) {
	st := &fakeStore{
		createEntry: func(ctx context.Context, input store.CreateEntryInput) (models.Entry, error) {
			return models.Entry{}, store.Denied(admission.ReasonCapacityFull)
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/entries", map[string]string{
		"scope_id":   "cardio",
		"patient_id": "patient-9",
		"source":     models.SourceOnline,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != admission.ReasonCapacityFull {
		t.Fatalf("code = %q, want %q", code, admission.ReasonCapacityFull)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	st := &fakeStore{
		getEntry: func(ctx context.Context, entryID string) (models.Entry, error) {
			return models.Entry{}, store.ErrEntryNotFound
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodGet, "/api/entries/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "entry_not_found" {
		t.Fatalf("code = %q", code)
	}
}

func TestEntryCallAction(t *testing.T) {
	var got store.TransitionInput
	st := &fakeStore{
		transitionEntry: func(ctx context.Context, input store.TransitionInput) (models.Entry, error) {
			got = input
			return models.Entry{EntryID: input.EntryID, Status: models.StatusCalled}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/entries/entry-1/actions/call", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got.Action != store.ActionCall || got.EntryID != "entry-1" {
		t.Fatalf("input = %+v", got)
	}
}

func TestEntryInvalidStateConflicts(t *testing.T) {
	st := &fakeStore{
		transitionEntry: func(ctx context.Context, input store.TransitionInput) (models.Entry, error) {
			return models.Entry{}, store.ErrInvalidState
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/entries/entry-1/actions/complete", nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
}

func TestEntryUnknownActionIsNotFound(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, nil, nil)
	recorder := doRequest(t, handler, http.MethodPost, "/api/entries/entry-1/actions/promote", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestEntryRescheduleDefaultsToNextBusinessDay(t *testing.T) {
	var gotTargetDay string
	st := &fakeStore{
		rescheduleEntry: func(ctx context.Context, entryID, targetDay string) (models.Entry, error) {
			gotTargetDay = targetDay
			return models.Entry{EntryID: "entry-2", Day: targetDay, Status: models.StatusWaiting}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/entries/entry-1/actions/reschedule", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	// Fixed clock sits on Friday 2025-03-14; Saturday is a working day.
	if gotTargetDay != "2025-03-15" {
		t.Fatalf("target day = %q, want 2025-03-15", gotTargetDay)
	}
}

func TestQueueStateRequiresScope(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, nil, nil)
	recorder := doRequest(t, handler, http.MethodGet, "/api/queues/state", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestQueueState(t *testing.T) {
	st := &fakeStore{
		getQueueState: func(ctx context.Context, scopeID, day string) (models.QueueState, error) {
			return models.QueueState{ScopeID: scopeID, Day: day, IsOpen: true, LastTicket: 12, WaitingCount: 4}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodGet, "/api/queues/state?scope_id=cardio&day=2025-03-14", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var state models.QueueState
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.LastTicket != 12 || state.WaitingCount != 4 {
		t.Fatalf("state = %+v", state)
	}
}

func TestQueueConfigRejectsBadWindow(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, nil, nil)
	recorder := doRequest(t, handler, http.MethodPost, "/api/queues/config", map[string]interface{}{
		"scope_id":          "cardio",
		"online_start_time": "7 o'clock",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestQueueConfigPassesPartialUpdate(t *testing.T) {
	var got store.QueueConfigInput
	st := &fakeStore{
		setQueueConfig: func(ctx context.Context, input store.QueueConfigInput) (models.Queue, error) {
			got = input
			return models.Queue{ScopeID: input.ScopeID, Day: input.Day}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/queues/config", map[string]interface{}{
		"scope_id": "cardio",
		"day":      "2025-03-14",
		"is_open":  false,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got.IsOpen == nil || *got.IsOpen {
		t.Fatalf("is_open = %v, want false", got.IsOpen)
	}
	if got.OnlineStartTime != nil || got.MaxOnlineEntries != nil {
		t.Fatalf("unset fields should stay nil: %+v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	session := models.JoinSession{
		Token:     "token-1",
		ScopeID:   "cardio",
		Day:       "2025-03-14",
		IssuedAt:  testNow,
		ExpiresAt: testNow.Add(10 * time.Minute),
	}
	st := &fakeStore{
		createSession: func(ctx context.Context, scopeID, day string) (models.JoinSession, error) {
			return session, nil
		},
		resolveSession: func(ctx context.Context, token string) (models.JoinSession, models.QueueState, error) {
			return session, models.QueueState{ScopeID: "cardio", Day: "2025-03-14", WaitingCount: 3}, nil
		},
		commitSession: func(ctx context.Context, input store.CommitSessionInput) (models.Entry, error) {
			return models.Entry{
				EntryID:   "entry-1",
				Number:    4,
				PatientID: input.PatientID,
				Status:    models.StatusWaiting,
				Source:    models.SourceOnline,
			}, nil
		},
	}
	handler := newTestHandler(st, nil, nil)

	created := doRequest(t, handler, http.MethodPost, "/api/sessions", map[string]string{"scope_id": "cardio"})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d", created.Code)
	}

	resolved := doRequest(t, handler, http.MethodGet, "/api/sessions/token-1", nil)
	if resolved.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", resolved.Code)
	}
	var preview resolveSessionResponse
	if err := json.Unmarshal(resolved.Body.Bytes(), &preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.Queue.WaitingCount != 3 {
		t.Fatalf("preview = %+v", preview)
	}

	committed := doRequest(t, handler, http.MethodPost, "/api/sessions/token-1/commit", map[string]string{"patient_id": "patient-9"})
	if committed.Code != http.StatusCreated {
		t.Fatalf("commit status = %d, body %s", committed.Code, committed.Body.String())
	}
	var entry models.Entry
	if err := json.Unmarshal(committed.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Source != models.SourceOnline || entry.Number != 4 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestCommitSessionErrorCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"expired", store.ErrSessionExpired, http.StatusConflict, "SESSION_EXPIRED"},
		{"used", store.ErrSessionUsed, http.StatusConflict, "SESSION_ALREADY_USED"},
		{"missing", store.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{"window closed", store.Denied(admission.ReasonWindowClosed), http.StatusConflict, admission.ReasonWindowClosed},
		{"contention", &store.TransientError{Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, "storage_busy"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			st := &fakeStore{
				commitSession: func(ctx context.Context, input store.CommitSessionInput) (models.Entry, error) {
					return models.Entry{}, test.err
				},
			}
			handler := newTestHandler(st, nil, nil)

			recorder := doRequest(t, handler, http.MethodPost, "/api/sessions/token-1/commit", map[string]string{"patient_id": "patient-9"})
			if recorder.Code != test.wantStatus {
				t.Fatalf("status = %d, want %d", recorder.Code, test.wantStatus)
			}
			if code := decodeErrorCode(t, recorder); code != test.wantCode {
				t.Fatalf("code = %q, want %q", code, test.wantCode)
			}
		})
	}
}

func TestAssignmentRun(t *testing.T) {
	var gotDay string
	assigner := &fakeAssigner{
		run: func(ctx context.Context, day string) (assign.Summary, error) {
			gotDay = day
			return assign.Summary{Day: day, Assigned: 6}, nil
		},
	}
	handler := newTestHandler(&fakeStore{}, assigner, nil)

	recorder := doRequest(t, handler, http.MethodPost, "/api/assignments/run", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if gotDay != "2025-03-14" {
		t.Fatalf("day = %q, want today", gotDay)
	}
}

func TestMassCancel(t *testing.T) {
	var gotScopes []string
	bulk := &fakeBulk{
		massCancel: func(ctx context.Context, scopeIDs []string, day string) (bulkops.Summary, error) {
			gotScopes = scopeIDs
			return bulkops.Summary{Day: day, Transitioned: 10, Refunds: 2}, nil
		},
	}
	handler := newTestHandler(&fakeStore{}, nil, bulk)

	recorder := doRequest(t, handler, http.MethodPost, "/api/queues/mass-cancel", map[string]interface{}{
		"scope_ids": []string{"cardio", "derma"},
		"day":       "2025-03-14",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if len(gotScopes) != 2 {
		t.Fatalf("scopes = %v", gotScopes)
	}
	var summary bulkops.Summary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Refunds != 2 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestMassRescheduleRequiresScopes(t *testing.T) {
	handler := newTestHandler(&fakeStore{}, nil, &fakeBulk{})
	recorder := doRequest(t, handler, http.MethodPost, "/api/queues/mass-reschedule", map[string]interface{}{
		"scope_ids": []string{"  "},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestRateLimiterShedsBursts(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		getQueueState: func(ctx context.Context, scopeID, day string) (models.QueueState, error) {
			return models.QueueState{}, nil
		},
	}, nil, nil)
	limited := NewRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 3}).Middleware(handler)

	var lastCode int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/queues/state?scope_id=cardio", nil)
		req.RemoteAddr = "10.0.0.1:50000"
		recorder := httptest.NewRecorder()
		limited.ServeHTTP(recorder, req)
		lastCode = recorder.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("last status = %d, want 429 after burst", lastCode)
	}
}
