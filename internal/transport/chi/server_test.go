package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	healthuc "github.com/kailas-cloud/datarefresh/internal/usecase/health"
)

type mockJobService struct {
	submitJob domain.Job
	submitErr error
	statusJob domain.Job
	statusErr error
	cancelJob domain.Job
	cancelErr error
}

func (m *mockJobService) Submit(string, domain.Action) (domain.Job, error) {
	return m.submitJob, m.submitErr
}

func (m *mockJobService) Status(string) (domain.Job, error) {
	return m.statusJob, m.statusErr
}

func (m *mockJobService) Cancel(string) (domain.Job, error) {
	return m.cancelJob, m.cancelErr
}

type mockAliasService struct {
	live        domain.Generation
	liveErr     error
	list        []domain.Generation
	listErr     error
	rollback    domain.Generation
	rollbackErr error
}

func (m *mockAliasService) Live(context.Context, string) (domain.Generation, error) {
	return m.live, m.liveErr
}

func (m *mockAliasService) List(context.Context, string) ([]domain.Generation, error) {
	return m.list, m.listErr
}

func (m *mockAliasService) Rollback(context.Context, string) (domain.Generation, error) {
	return m.rollback, m.rollbackErr
}

type mockHealthService struct {
	report healthuc.Report
}

func (m *mockHealthService) Check(context.Context) healthuc.Report {
	return m.report
}

func newTestRouter(jobs JobService, aliases AliasService, health HealthService) http.Handler {
	if jobs == nil {
		jobs = &mockJobService{}
	}
	if aliases == nil {
		aliases = &mockAliasService{}
	}
	if health == nil {
		health = &mockHealthService{report: healthuc.Report{Ready: true}}
	}
	srv := NewServer(jobs, aliases, health, zap.NewNop())
	r := chi.NewRouter()
	srv.Routes(r)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestSubmitJob_Accepted(t *testing.T) {
	jobs := &mockJobService{
		submitJob: domain.Job{
			ID:        "job1",
			Dataset:   "image",
			Action:    domain.ActionFullReindex,
			State:     domain.JobQueued,
			StartedAt: time.Now().UTC(),
		},
	}
	router := newTestRouter(jobs, nil, nil)

	body := `{"dataset":"image","action":"FULL_REINDEX"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rec.Code)
	}
	var resp jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "job1" || resp.State != "queued" || resp.Action != "FULL_REINDEX" {
		t.Errorf("response: %+v", resp)
	}
	if resp.EndedAt != nil {
		t.Error("ended_at set on a queued job")
	}
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	router := newTestRouter(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "bad_request" {
		t.Errorf("code: got %q, want bad_request", resp.Code)
	}
}

func TestSubmitJob_MissingDataset(t *testing.T) {
	router := newTestRouter(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"action":"FULL_REINDEX"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "validation_failed" {
		t.Errorf("code: got %q, want validation_failed", resp.Code)
	}
}

func TestSubmitJob_UnknownAction(t *testing.T) {
	router := newTestRouter(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"dataset":"image","action":"reindex"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "unknown_action" {
		t.Errorf("code: got %q, want unknown_action", resp.Code)
	}
}

func TestSubmitJob_DomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"busy dataset", domain.ErrBusy, http.StatusConflict, "busy"},
		{"unknown dataset", domain.ErrUnknownDataset, http.StatusNotFound, "unknown_dataset"},
		{"internal failure", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&mockJobService{submitErr: tt.err}, nil, nil)

			body := `{"dataset":"image","action":"FULL_REINDEX"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if resp := decodeError(t, rec); resp.Code != tt.wantCode {
				t.Errorf("code: got %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestSubmitJob_InternalErrorHidesDetails(t *testing.T) {
	router := newTestRouter(&mockJobService{submitErr: context.DeadlineExceeded}, nil, nil)

	body := `{"dataset":"image","action":"FULL_REINDEX"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	resp := decodeError(t, rec)
	if resp.Message != "internal error" {
		t.Errorf("message leaks internals: %q", resp.Message)
	}
}

func TestGetJob(t *testing.T) {
	ended := time.Now().UTC()
	jobs := &mockJobService{
		statusJob: domain.Job{
			ID:             "job1",
			Dataset:        "image",
			Action:         domain.ActionFullReindex,
			State:          domain.JobDone,
			StartedAt:      ended.Add(-time.Minute),
			EndedAt:        ended,
			LiveGeneration: "gen1",
		},
	}
	router := newTestRouter(jobs, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "done" || resp.LiveGeneration != "gen1" {
		t.Errorf("response: %+v", resp)
	}
	if resp.EndedAt == nil {
		t.Error("ended_at missing on a finished job")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	router := newTestRouter(&mockJobService{statusErr: domain.ErrJobNotFound}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "job_not_found" {
		t.Errorf("code: got %q, want job_not_found", resp.Code)
	}
}

func TestCancelJob(t *testing.T) {
	jobs := &mockJobService{
		cancelJob: domain.Job{ID: "job1", Dataset: "image", State: domain.JobReplicating},
	}
	router := newTestRouter(jobs, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rec.Code)
	}
}

func TestCancelJob_NotCancellable(t *testing.T) {
	router := newTestRouter(&mockJobService{cancelErr: domain.ErrNotCancellable}, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "not_cancellable" {
		t.Errorf("code: got %q, want not_cancellable", resp.Code)
	}
}

func TestGetAlias(t *testing.T) {
	created := time.Now().UTC()
	retired := created.Add(-time.Hour)
	aliases := &mockAliasService{
		live: domain.Generation{Dataset: "image", ID: "gen2", State: domain.GenLive, CreatedAt: created},
		list: []domain.Generation{
			{Dataset: "image", ID: "gen2", State: domain.GenLive, CreatedAt: created},
			{Dataset: "image", ID: "gen1", State: domain.GenRetired, CreatedAt: created.Add(-2 * time.Hour), RetiredAt: retired},
		},
	}
	router := newTestRouter(nil, aliases, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/aliases/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp aliasResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Live == nil || resp.Live.ID != "gen2" {
		t.Fatalf("live: %+v", resp.Live)
	}
	if resp.Live.Index != "image-gen2" {
		t.Errorf("live index: got %q, want image-gen2", resp.Live.Index)
	}
	if len(resp.Generations) != 2 {
		t.Fatalf("generations: got %d, want 2", len(resp.Generations))
	}
	if resp.Generations[1].RetiredAt == nil {
		t.Error("retired_at missing on retired generation")
	}
}

func TestGetAlias_NoLiveGeneration(t *testing.T) {
	router := newTestRouter(nil, &mockAliasService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/aliases/image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp aliasResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Live != nil {
		t.Errorf("live must be null, got %+v", resp.Live)
	}
}

func TestGetAlias_UnknownDataset(t *testing.T) {
	router := newTestRouter(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/aliases/videos", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "unknown_dataset" {
		t.Errorf("code: got %q, want unknown_dataset", resp.Code)
	}
}

func TestRollbackAlias(t *testing.T) {
	aliases := &mockAliasService{
		rollback: domain.Generation{Dataset: "image", ID: "gen1", State: domain.GenLive},
	}
	router := newTestRouter(nil, aliases, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/aliases/image/rollback", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp generationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "gen1" || resp.State != "live" {
		t.Errorf("response: %+v", resp)
	}
}

func TestRollbackAlias_NoTarget(t *testing.T) {
	router := newTestRouter(nil, &mockAliasService{rollbackErr: domain.ErrNoRollbackTarget}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/aliases/image/rollback", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "no_rollback_target" {
		t.Errorf("code: got %q, want no_rollback_target", resp.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		report     healthuc.Report
		wantStatus int
	}{
		{"ready", healthuc.Report{Ready: true}, http.StatusOK},
		{"not ready", healthuc.Report{Ready: false}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(nil, nil, &mockHealthService{report: tt.report})

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
