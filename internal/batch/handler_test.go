package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/tenancy"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

type handlerRig struct {
	tracker *memTracker
	queue   *MemoryQueue
	firmID  uuid.UUID
	router  http.Handler
}

func newBatchHandlerRig(t *testing.T) *handlerRig {
	t.Helper()
	tracker := newMemTracker()
	queue := NewMemoryQueue(8)
	h := NewHandler(tracker, NewPublisher(queue), logging.Default())
	firmID := uuid.New()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(tenancy.WithFirmID(req.Context(), firmID)))
		})
	})
	r.Post("/v1/batch-jobs", h.Trigger)
	r.Get("/v1/batch-jobs/{id}", h.Get)

	return &handlerRig{tracker: tracker, queue: queue, firmID: firmID, router: r}
}

func (rig *handlerRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	return rec
}

func TestTrigger_StartsRowAndEnqueues(t *testing.T) {
	rig := newBatchHandlerRig(t)

	rec := rig.do(t, http.MethodPost, "/v1/batch-jobs", triggerJobRequest{
		Feature: FeatureEmailSummarize,
		Items:   makeItems(3),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: status %d body %s", rec.Code, rec.Body.String())
	}

	var run BatchJobRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == uuid.Nil || run.Status != JobStatusRunning {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.FirmID != rig.firmID {
		t.Fatalf("run firm mismatch: %s", run.FirmID)
	}

	stored, err := rig.tracker.GetJob(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("tracker row missing: %v", err)
	}
	if stored.Status != JobStatusRunning {
		t.Fatalf("expected Running row, got %s", stored.Status)
	}

	msgs, err := rig.queue.Receive(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one queued message, got %d", len(msgs))
	}
	var req JobRequest
	if err := json.Unmarshal([]byte(msgs[0].Body), &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.JobID != run.ID || req.Feature != FeatureEmailSummarize || len(req.Items) != 3 {
		t.Fatalf("unexpected payload: %+v", req)
	}
}

func TestTrigger_Validation(t *testing.T) {
	rig := newBatchHandlerRig(t)

	tests := []struct {
		name string
		body triggerJobRequest
	}{
		{"missing feature", triggerJobRequest{Items: makeItems(1)}},
		{"no items", triggerJobRequest{Feature: FeatureEmailSummarize}},
		{"too many items", triggerJobRequest{Feature: FeatureEmailSummarize, Items: makeItems(maxBatchItems + 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodPost, "/v1/batch-jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
			}
		})
	}
	if rig.tracker.count() != 0 {
		t.Fatalf("invalid triggers must not create rows, got %d", rig.tracker.count())
	}
}

func TestTrigger_RequiresFirmScope(t *testing.T) {
	tracker := newMemTracker()
	h := NewHandler(tracker, NewPublisher(NewMemoryQueue(1)), logging.Default())

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(triggerJobRequest{Feature: FeatureEmailSummarize, Items: makeItems(1)})
	req := httptest.NewRequest(http.MethodPost, "/v1/batch-jobs", &buf)
	rec := httptest.NewRecorder()
	h.Trigger(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestGet_ReturnsRun(t *testing.T) {
	rig := newBatchHandlerRig(t)
	run := &BatchJobRun{FirmID: rig.firmID, Feature: FeatureEmailSummarize}
	if err := rig.tracker.StartJob(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := rig.do(t, http.MethodGet, "/v1/batch-jobs/"+run.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d body %s", rec.Code, rec.Body.String())
	}
	var got BatchJobRun
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != run.ID || got.Status != JobStatusRunning {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestGet_UnknownAndForeignJobsRead404(t *testing.T) {
	rig := newBatchHandlerRig(t)

	rec := rig.do(t, http.MethodGet, "/v1/batch-jobs/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status %d", rec.Code)
	}

	foreign := &BatchJobRun{FirmID: uuid.New(), Feature: FeatureEmailSummarize}
	if err := rig.tracker.StartJob(context.Background(), foreign); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec = rig.do(t, http.MethodGet, "/v1/batch-jobs/"+foreign.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign job must read as absent, got %d", rec.Code)
	}

	rec = rig.do(t, http.MethodGet, "/v1/batch-jobs/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: status %d", rec.Code)
	}
}
