package fallback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"audit.fallback.depth"}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256, got %q", sig)
	}
	if !VerifySignature(payload, "secret", sig) {
		t.Error("signature should verify with the same secret")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("signature should not verify with another secret")
	}
	if VerifySignature([]byte(`{}`), "secret", sig) {
		t.Error("signature should not verify for another payload")
	}
}

func TestNewWebhookAlerter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		secret  string
		wantErr string
	}{
		{"empty url", "", "s", "url is required"},
		{"bad scheme", "ftp://alerts.example", "s", "http or https"},
		{"no host", "https://", "s", "host"},
		{"no secret", "https://alerts.example/hook", "", "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebhookAlerter(tt.url, tt.secret, testLogger())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
	if _, err := NewWebhookAlerter("https://alerts.example/hook", "s", testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookAlerter_DeliversSignedPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, headers = b, r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a, err := NewWebhookAlerter(srv.URL, "hook-secret", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Alert(ctx, AlertCritical, 12000, "audit fallback queue depth 12000 reached critical threshold")
	// Delivery must outlive the caller's context.
	cancel()
	a.Wait()

	mu.Lock()
	defer mu.Unlock()
	if body == nil {
		t.Fatal("expected a delivery")
	}
	sig, ok := strings.CutPrefix(headers.Get("X-Webhook-Signature"), "sha256=")
	if !ok || !VerifySignature(body, "hook-secret", sig) {
		t.Errorf("signature header %q does not verify", headers.Get("X-Webhook-Signature"))
	}
	var p AlertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != AlertEventType || p.Level != "critical" || p.QueueDepth != 12000 {
		t.Errorf("unexpected payload %+v", p)
	}
	if headers.Get("X-Webhook-ID") != p.ID || p.ID == "" {
		t.Errorf("id header %q does not match payload id %q", headers.Get("X-Webhook-ID"), p.ID)
	}
	if _, err := time.Parse(time.RFC3339, headers.Get("X-Webhook-Timestamp")); err != nil {
		t.Errorf("timestamp header: %v", err)
	}
}

func TestWebhookAlerter_RetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewWebhookAlerter(srv.URL, "s", testLogger(), WithRetryDelays(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	a.Alert(context.Background(), AlertWarning, 1500, "warn")
	a.Wait()
	if got := calls.Load(); got != 2 {
		t.Errorf("expected success on the second attempt, got %d calls", got)
	}

	calls.Store(-10)
	a.Alert(context.Background(), AlertWarning, 1500, "warn")
	a.Wait()
	if got := calls.Load(); got != -7 {
		t.Errorf("expected one attempt plus two retries, got %d calls", got+10)
	}
}

func TestChain_WebhookAlerterOnDepth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	alerter, err := NewWebhookAlerter(srv.URL, "s", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c, err := NewChain(NewRedisQueueFromClient(client, "q"), NewFileSink(filepath.Join(t.TempDir(), "fallback.jsonl")), newFlakyStore(),
		Config{WarnDepth: 1, CriticalDepth: 3}, testLogger(), WithAlerter(alerter))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !c.Enqueue(context.Background(), newEvent(t, "u1")) {
			t.Fatal("enqueue failed")
		}
	}
	alerter.Wait()
	if got := calls.Load(); got != 2 {
		t.Errorf("expected warning and critical deliveries, got %d", got)
	}
}
