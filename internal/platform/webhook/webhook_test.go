package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type received struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (r *received) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.sigs = append(r.sigs, req.Header.Get(SignatureHeader))
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func newTestPublisher(t *testing.T, endpoints ...Endpoint) *Publisher {
	t.Helper()
	p, err := NewPublisher(endpoints, zerolog.Nop(), WithRetryDelays(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignPayload(payload, "s3cret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) || !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("wrong secret verified")
	}
	if VerifySignature([]byte(`{"id":"2"}`), "s3cret", sig) {
		t.Error("tampered payload verified")
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	p, err := NewPublisher(nil, zerolog.Nop())
	if p != nil || err != nil {
		t.Errorf("no endpoints: got %v, %v", p, err)
	}
	cases := []Endpoint{
		{URL: "", Secret: "x"},
		{URL: "ftp://partner.example.com/hook", Secret: "x"},
		{URL: "https:///hook", Secret: "x"},
		{URL: "https://partner.example.com/hook", Secret: ""},
	}
	for _, ep := range cases {
		if _, err := NewPublisher([]Endpoint{ep}, zerolog.Nop()); err == nil {
			t.Errorf("expected error for %+v", ep)
		}
	}
}

func TestPublish_SignsEnvelope(t *testing.T) {
	var got received
	srv := httptest.NewServer(got.handler(http.StatusNoContent))
	defer srv.Close()

	p := newTestPublisher(t, Endpoint{URL: srv.URL, Secret: "partner-secret"})
	err := p.Publish(context.Background(), "session.booked", "sess-1", map[string]string{"status": "scheduled"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got.bodies) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got.bodies))
	}
	if !VerifySignature(got.bodies[0], "partner-secret", got.sigs[0]) {
		t.Errorf("signature %q does not verify", got.sigs[0])
	}

	var evt Event
	if err := json.Unmarshal(got.bodies[0], &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != "session.booked" || evt.ResourceID != "sess-1" || evt.ID == "" {
		t.Errorf("unexpected envelope %+v", evt)
	}
	if string(evt.Payload) != `{"status":"scheduled"}` {
		t.Errorf("payload = %s", evt.Payload)
	}
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPublisher(t, Endpoint{URL: srv.URL, Secret: "s"})
	if err := p.Publish(context.Background(), "session.cancelled", "sess-2", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPublish_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestPublisher(t, Endpoint{URL: srv.URL, Secret: "s"})
	if err := p.Publish(context.Background(), "session.booked", "sess-3", nil); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestPublish_OneEndpointFailingDoesNotBlockOthers(t *testing.T) {
	var ok received
	good := httptest.NewServer(ok.handler(http.StatusOK))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	p := newTestPublisher(t,
		Endpoint{URL: bad.URL, Secret: "a"},
		Endpoint{URL: good.URL, Secret: "b"},
	)
	if err := p.Publish(context.Background(), "session.booked", "sess-4", nil); err == nil {
		t.Fatal("expected joined error from failing endpoint")
	}
	if len(ok.bodies) != 1 {
		t.Errorf("healthy endpoint got %d requests", len(ok.bodies))
	}
}
