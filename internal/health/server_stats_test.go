package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

type fakeSessionCounter int

func (f fakeSessionCounter) Len() int { return int(f) }

type fakeAttachmentCounter int

func (f fakeAttachmentCounter) ActiveCount() int { return int(f) }

func TestSnapshotReadsBothCounters(t *testing.T) {
	got := Snapshot(fakeSessionCounter(3), fakeAttachmentCounter(7))
	if got.SessionsActive != 3 || got.AttachmentsActive != 7 {
		t.Fatalf("Snapshot = %+v, want {3 7}", got)
	}
}

func TestHandlerReturns200WhenHealthyOrUnknown(t *testing.T) {
	m := NewMonitor()
	m.Update("transport", Healthy, "")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	m.Handler(fakeSessionCounter(1), fakeAttachmentCounter(2)).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != Healthy {
		t.Errorf("Status = %q, want healthy", body.Status)
	}
	if body.Stats.SessionsActive != 1 || body.Stats.AttachmentsActive != 2 {
		t.Errorf("Stats = %+v, want {1 2}", body.Stats)
	}
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Update("transport", Unhealthy, "listener down")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	m.Handler(fakeSessionCounter(0), fakeAttachmentCounter(0)).ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandlerReturns200OnEmptyMonitor(t *testing.T) {
	m := NewMonitor()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	m.Handler(fakeSessionCounter(0), fakeAttachmentCounter(0)).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200 (unknown is not unhealthy)", rec.Code)
	}
}
