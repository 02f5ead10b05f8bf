package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/lockcoord/api"
	"pkt.systems/lockcoord/internal/clock"
	"pkt.systems/lockcoord/internal/httpapi"
	"pkt.systems/lockcoord/internal/lockqueue"
)

func newTestServer(t *testing.T) (*httptest.Server, *lockqueue.Store, *clock.Manual) {
	t.Helper()
	mc := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := lockqueue.NewStore(time.Minute, lockqueue.WithClock(mc), lockqueue.WithSweepInterval(time.Minute))
	t.Cleanup(store.Close)

	h := httpapi.New(httpapi.Config{Store: store, Clock: mc, Instance: "test", BootTime: mc.Now()})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, mc
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK {
		t.Fatal("expected ok=true")
	}
}

func TestLockGrantedImmediately(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/f"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body api.LockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Granted || body.Position != 1 {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestLockRefusedWithoutWait(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/f"}).Body.Close()

	resp := postJSON(t, srv.URL+"/lock?wait=false", api.LockRequest{Session: "B", File: "/f"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body api.LockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Granted || body.Holder != "A" || body.Position != 2 {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestUnlockRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/f"}).Body.Close()

	resp := postJSON(t, srv.URL+"/unlock", api.UnlockRequest{Session: "A", File: "/f"})
	defer resp.Body.Close()
	var body api.UnlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK {
		t.Fatal("expected ok=true")
	}
}

func TestUnlockAllReleasesEverything(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/1"}).Body.Close()
	postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/2"}).Body.Close()

	resp := postJSON(t, srv.URL+"/unlock-all", api.UnlockAllRequest{Session: "A"})
	defer resp.Body.Close()
	var body api.UnlockAllResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("expected count=2, got %d", body.Count)
	}
}

func TestQueueEndpointReportsMissingFile(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/queue/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body api.QueueView
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Exists == nil || *body.Exists {
		t.Fatalf("expected exists=false, got %+v", body)
	}
}

func TestLockRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/lock", "application/json", bytes.NewReader([]byte(`{"session":`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLockTimesOutAndReportsPosition(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	postJSON(t, srv.URL+"/lock", api.LockRequest{Session: "A", File: "/f"}).Body.Close()

	resp := postJSON(t, srv.URL+"/lock?timeout=1s", api.LockRequest{Session: "B", File: "/f"})
	defer resp.Body.Close()
	var body api.LockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Granted || body.Position != 2 {
		t.Fatalf("unexpected response: %+v", body)
	}
}
