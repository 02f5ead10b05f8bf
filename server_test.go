package lockcoord

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"pkt.systems/lockcoord/api"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	cfg.MetricsListen = ""
	srv := NewServer(cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server did not become ready: %v", err)
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	})
	return srv
}

func postJSONTo(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestServerLifecycleAndListenerAddr(t *testing.T) {
	srv := startTestServer(t, Config{TTL: time.Minute})
	if srv.ListenerAddr() == nil {
		t.Fatal("expected non-nil listener address after ready")
	}
	if srv.Instance() == "" {
		t.Fatal("expected non-empty instance identifier")
	}
}

func TestServerEndToEndLockUnlock(t *testing.T) {
	srv := startTestServer(t, Config{TTL: time.Minute})
	base := "http://" + srv.ListenerAddr().String()

	resp := postJSONTo(t, base+"/lock", api.LockRequest{Session: "s1", File: "resource-a"})
	var lockResp api.LockResponse
	if err := json.NewDecoder(resp.Body).Decode(&lockResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !lockResp.Granted {
		t.Fatalf("expected immediate grant, got %+v", lockResp)
	}

	resp = postJSONTo(t, base+"/lock?wait=false", api.LockRequest{Session: "s2", File: "resource-a"})
	var blocked api.LockResponse
	if err := json.NewDecoder(resp.Body).Decode(&blocked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if blocked.Granted {
		t.Fatalf("expected refusal while s1 holds resource-a")
	}
	if blocked.Position != 2 {
		t.Fatalf("expected s2 queued at position 2, got %d", blocked.Position)
	}

	resp = postJSONTo(t, base+"/unlock", api.UnlockRequest{Session: "s1", File: "resource-a"})
	var unlockResp api.UnlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&unlockResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !unlockResp.OK {
		t.Fatalf("expected successful unlock")
	}

	waitFor(t, time.Second, 5*time.Millisecond, func() bool {
		resp := postJSONTo(t, base+"/lock?wait=false", api.LockRequest{Session: "s2", File: "resource-a"})
		defer resp.Body.Close()
		var r api.LockResponse
		_ = json.NewDecoder(resp.Body).Decode(&r)
		return r.Granted
	})
}

func TestServerHealthReportsInstance(t *testing.T) {
	srv := startTestServer(t, Config{TTL: time.Minute})
	resp, err := http.Get("http://" + srv.ListenerAddr().String() + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !health.OK || health.Instance != srv.Instance() {
		t.Fatalf("unexpected health response: %+v", health)
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv := NewServer(Config{Listen: "127.0.0.1:0", TTL: time.Minute})
	go func() { _ = srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server did not become ready: %v", err)
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %v", err)
	}
}
