package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/circuitbreaker"
	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/pipeline"
	"github.com/lalithlochan/dropcast/internal/redis"
)

var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake drop store for testing
type MockRepository struct {
	drops map[uuid.UUID]*db.ScheduledDrop
	jobs  map[uuid.UUID][]*db.SendJob

	lastStatus *db.JobStatus
	lastLimit  int
	lastOffset int

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		drops: make(map[uuid.UUID]*db.ScheduledDrop),
		jobs:  make(map[uuid.UUID][]*db.SendJob),
	}
}

func (m *MockRepository) addDrop(status db.DropStatus) *db.ScheduledDrop {
	d := &db.ScheduledDrop{
		ID:            uuid.New(),
		CampaignID:    uuid.New(),
		ContentItemID: uuid.New(),
		PublishAt:     time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		Status:        status,
	}
	m.drops[d.ID] = d
	return d
}

func (m *MockRepository) GetDrop(ctx context.Context, id uuid.UUID) (*db.ScheduledDrop, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	d, ok := m.drops[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (m *MockRepository) ListJobsByDrop(ctx context.Context, dropID uuid.UUID, status *db.JobStatus, limit, offset int) ([]*db.SendJob, error) {
	m.lastStatus, m.lastLimit, m.lastOffset = status, limit, offset
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var out []*db.SendJob
	for _, j := range m.jobs[dropID] {
		if status == nil || j.Status == *status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MockRepository) CancelDrop(ctx context.Context, id uuid.UUID) (*db.ScheduledDrop, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	d, ok := m.drops[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if d.Status != db.DropStatusPending {
		return nil, db.ErrDropNotPending
	}
	d.Status = db.DropStatusCancelled
	return d, nil
}

type mockRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockRunner) Run(ctx context.Context, now time.Time) (*pipeline.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return &pipeline.RunReport{RunID: uuid.New()}, m.err
	}
	return &pipeline.RunReport{RunID: uuid.New(), Selected: 2, Expanded: 2, JobsCreated: 5}, nil
}

type mockBreakers struct{}

func (mockBreakers) BreakerStats() []circuitbreaker.Stats {
	return []circuitbreaker.Stats{{Name: "push", State: "open", FailureCount: 5}}
}

type failingHealth struct{}

func (failingHealth) Health(ctx context.Context) error { return errors.New("connection refused") }

func newTestIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
}

func serve(h *Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	NewRouter(h, nil, nil, zap.NewNop()).ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
	var e ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	return e
}

func TestGetDrop(t *testing.T) {
	repo := NewMockRepository()
	drop := repo.addDrop(db.DropStatusPending)
	h := NewHandler(zap.NewNop(), repo, &mockRunner{})

	tests := []struct {
		name       string
		id         string
		fail       bool
		wantStatus int
	}{
		{"found", drop.ID.String(), false, http.StatusOK},
		{"missing", uuid.New().String(), false, http.StatusNotFound},
		{"bad id", "not-a-uuid", false, http.StatusBadRequest},
		{"db error", drop.ID.String(), true, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.shouldFail = tt.fail
			rec := serve(h, http.MethodGet, "/v1/drops/"+tt.id, nil, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var got db.ScheduledDrop
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode drop: %v", err)
			}
			if got.ID != drop.ID || got.Status != db.DropStatusPending {
				t.Errorf("unexpected drop: %+v", got)
			}
		})
	}
}

func TestListDropJobs(t *testing.T) {
	repo := NewMockRepository()
	drop := repo.addDrop(db.DropStatusExpanded)
	reason := "endpoint disabled"
	repo.jobs[drop.ID] = []*db.SendJob{
		{ID: uuid.New(), DropID: drop.ID, UserID: uuid.New(), Channel: db.ChannelPush, Status: db.JobStatusSent},
		{ID: uuid.New(), DropID: drop.ID, UserID: uuid.New(), Channel: db.ChannelPush, Status: db.JobStatusFailed, Error: &reason},
	}
	h := NewHandler(zap.NewNop(), repo, &mockRunner{})

	rec := serve(h, http.MethodGet, "/v1/drops/"+drop.ID.String()+"/jobs?status=failed&limit=500&offset=3", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data  []db.SendJob `json:"data"`
		Limit int          `json:"limit"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Count != 1 || resp.Data[0].Status != db.JobStatusFailed {
		t.Errorf("expected the failed job only, got %+v", resp.Data)
	}
	if repo.lastStatus == nil || *repo.lastStatus != db.JobStatusFailed {
		t.Error("status filter not passed to repository")
	}
	if repo.lastLimit != 20 || repo.lastOffset != 3 {
		t.Errorf("expected out of range limit to fall back to 20, got limit=%d offset=%d", repo.lastLimit, repo.lastOffset)
	}
}

func TestListDropJobs_InvalidStatus(t *testing.T) {
	repo := NewMockRepository()
	drop := repo.addDrop(db.DropStatusExpanded)
	h := NewHandler(zap.NewNop(), repo, &mockRunner{})

	rec := serve(h, http.MethodGet, "/v1/drops/"+drop.ID.String()+"/jobs?status=delivered", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Title != "Invalid status" {
		t.Errorf("unexpected error: %+v", e)
	}
}

func TestListDropJobs_EmptyIsArray(t *testing.T) {
	repo := NewMockRepository()
	drop := repo.addDrop(db.DropStatusExpanded)
	h := NewHandler(zap.NewNop(), repo, &mockRunner{})

	rec := serve(h, http.MethodGet, "/v1/drops/"+drop.ID.String()+"/jobs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"data":[]`)) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestCancelDrop(t *testing.T) {
	repo := NewMockRepository()
	pending := repo.addDrop(db.DropStatusPending)
	expanded := repo.addDrop(db.DropStatusExpanded)
	h := NewHandler(zap.NewNop(), repo, &mockRunner{})

	tests := []struct {
		name       string
		id         uuid.UUID
		wantStatus int
		wantType   string
	}{
		{"pending", pending.ID, http.StatusOK, ""},
		{"already cancelled", pending.ID, http.StatusConflict, "drop_not_pending"},
		{"expanded", expanded.ID, http.StatusConflict, "drop_not_pending"},
		{"missing", uuid.New(), http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodPost, "/v1/drops/"+tt.id.String()+"/cancel", nil, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantType != "" {
				if e := decodeError(t, rec); e.Type != tt.wantType {
					t.Errorf("expected type %s, got %s", tt.wantType, e.Type)
				}
			}
		})
	}

	if repo.drops[pending.ID].Status != db.DropStatusCancelled {
		t.Errorf("expected pending drop to be cancelled, got %s", repo.drops[pending.ID].Status)
	}
	if repo.drops[expanded.ID].Status != db.DropStatusExpanded {
		t.Error("expanded drop must not change")
	}
}

func TestTriggerRun_WithoutIdempotencyKey(t *testing.T) {
	runner := &mockRunner{}
	h := NewHandler(zap.NewNop(), NewMockRepository(), runner)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if runner.calls != 2 {
		t.Errorf("expected 2 runs, got %d", runner.calls)
	}
}

func TestTriggerRun_IdempotentReplay(t *testing.T) {
	runner := &mockRunner{}
	h := NewHandler(zap.NewNop(), NewMockRepository(), runner).WithIdempotency(newTestIdempotency(t))
	headers := map[string]string{"Idempotency-Key": "cron-2024-06-01T09:00"}

	first := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	var report pipeline.RunReport
	if err := json.Unmarshal(first.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid report: %v", err)
	}
	if report.Expanded != 2 || report.JobsCreated != 5 {
		t.Errorf("unexpected report: %+v", report)
	}

	second := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected replayed 200, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", second.Body.String(), first.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("expected a single run, got %d", runner.calls)
	}
}

func TestTriggerRun_InFlightKeyConflicts(t *testing.T) {
	idem := newTestIdempotency(t)
	runner := &mockRunner{}
	h := NewHandler(zap.NewNop(), NewMockRepository(), runner).WithIdempotency(idem)

	if ok, err := idem.Reserve(context.Background(), runScope, "busy"); err != nil || !ok {
		t.Fatalf("failed to reserve key: %v", err)
	}

	rec := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, map[string]string{"Idempotency-Key": "busy"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if runner.calls != 0 {
		t.Error("run must not start while the key is in flight")
	}
}

func TestTriggerRun_FailureReleasesKey(t *testing.T) {
	runner := &mockRunner{err: errors.New("select due drops: connection refused")}
	h := NewHandler(zap.NewNop(), NewMockRepository(), runner).WithIdempotency(newTestIdempotency(t))
	headers := map[string]string{"Idempotency-Key": "retry-me"}

	rec := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, headers)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Type != "pipeline_error" {
		t.Errorf("unexpected error type: %s", e.Type)
	}

	runner.err = nil
	rec = serve(h, http.MethodPost, "/v1/pipeline/runs", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to run, got %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("a failed run must not be replayed")
	}
	if runner.calls != 2 {
		t.Errorf("expected 2 runs, got %d", runner.calls)
	}
}

func TestListBreakers(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockRunner{}).WithBreakers(mockBreakers{})

	rec := serve(h, http.MethodGet, "/v1/breakers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data []circuitbreaker.Stats `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "push" || resp.Data[0].State != "open" {
		t.Errorf("unexpected breakers: %+v", resp.Data)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockRunner{})
	if rec := serve(h, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	h.WithHealthCheck(failingHealth{})
	if rec := serve(h, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// blockingRunner holds Run open until released and records whether its
// context was cancelled meanwhile.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *blockingRunner) Run(ctx context.Context, now time.Time) (*pipeline.RunReport, error) {
	close(b.started)
	<-b.release
	b.ctxErr = ctx.Err()
	return &pipeline.RunReport{RunID: uuid.New()}, nil
}

func TestTriggerRun_SurvivesClientDisconnect(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	h := NewHandler(zap.NewNop(), NewMockRepository(), runner).WithIdempotency(newTestIdempotency(t))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/pipeline/runs", nil).WithContext(ctx)
	req.Header.Set("Idempotency-Key", "disconnect-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRouter(h, nil, nil, zap.NewNop()).ServeHTTP(rec, req)
	}()

	<-runner.started
	cancel()
	close(runner.release)
	<-done

	if runner.ctxErr != nil {
		t.Fatalf("run context was cancelled with the request: %v", runner.ctxErr)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// The report was stored even though the client had gone.
	replay := serve(h, http.MethodPost, "/v1/pipeline/runs", nil, map[string]string{"Idempotency-Key": "disconnect-1"})
	if replay.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected stored report to be replayed")
	}
}
