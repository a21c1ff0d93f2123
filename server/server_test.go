package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/foresight/dispatch"
	"github.com/hazyhaar/foresight/engine"
	"github.com/hazyhaar/foresight/ledger"
	"github.com/hazyhaar/foresight/protocol"
	"github.com/hazyhaar/foresight/snapshot"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEngine struct {
	mu       sync.Mutex
	posted   []protocol.Message
	patches  []dispatch.Patch
	watches  map[string]engine.Watch
	platform bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{watches: map[string]engine.Watch{}, platform: true}
}

func (f *fakeEngine) Post(m protocol.Message) {
	f.mu.Lock()
	f.posted = append(f.posted, m)
	f.mu.Unlock()
}

func (f *fakeEngine) Offer(p dispatch.Patch) error {
	if p.StateKey == "" {
		return errors.New("dispatch: patch without state key")
	}
	f.mu.Lock()
	f.patches = append(f.patches, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Watch(_ context.Context, w engine.Watch) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.platform {
		return 0, engine.ErrNoPlatform
	}
	f.watches[w.ComponentID] = w
	return 3, nil
}

func (f *fakeEngine) received() ([]protocol.Message, []dispatch.Patch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.posted...), append([]dispatch.Patch(nil), f.patches...)
}

func (f *fakeEngine) Unwatch(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watches[id]
	delete(f.watches, id)
	return ok
}

func (f *fakeEngine) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Stats{Components: len(f.watches)}
}

type fakeLedger struct {
	mu    sync.Mutex
	since time.Time
}

func (l *fakeLedger) Summary(_ context.Context, since time.Time) (ledger.Summary, error) {
	l.mu.Lock()
	l.since = since
	l.mu.Unlock()
	return ledger.Summary{Since: since, Events: map[dispatch.Event]int{dispatch.EventHit: 3, dispatch.EventMiss: 1}, HitRatio: 0.75}, nil
}

func (l *fakeLedger) Recent(_ context.Context, limit int) ([]dispatch.Outcome, error) {
	out := make([]dispatch.Outcome, 0, limit)
	for i := 0; i < limit && i < 2; i++ {
		out = append(out, dispatch.Outcome{Event: dispatch.EventDispatched, StateKey: "a"})
	}
	return out, nil
}

func newTestServer(t *testing.T, eng Engine, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(eng, append([]Option{WithLogger(quiet)}, opts...)...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func envelopes(t *testing.T, msgs ...protocol.Message) string {
	t.Helper()
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		raw, err := protocol.Encode(m)
		if err != nil {
			t.Fatal(err)
		}
		parts[i] = string(raw)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("X-Trace-ID: missing")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options: got %q, want nosniff", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options: got %q, want DENY", got)
	}

	head, _ := http.NewRequest(http.MethodHead, srv.URL+"/healthz", nil)
	resp, err = http.DefaultClient.Do(head)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HEAD status: got %d, want 200", resp.StatusCode)
	}
}

func TestMessages(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	body := envelopes(t,
		protocol.RegisterElement{ComponentID: "menu", ElementID: "a", Kinds: snapshot.Kinds(snapshot.KindHover)},
		protocol.PointerMove{X: 1, Y: 2, T: 3},
		protocol.PredictionRequest{ElementID: "a", Kind: snapshot.KindHover},
	)
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", resp.StatusCode)
	}
	var got map[string]int
	json.NewDecoder(resp.Body).Decode(&got)
	if got["accepted"] != 2 || got["rejected"] != 1 {
		t.Fatalf("counts: got %v", got)
	}
	posted, _ := eng.received()
	if len(posted) != 2 {
		t.Fatalf("posted: got %d, want 2", len(posted))
	}
	if _, ok := posted[0].(protocol.RegisterElement); !ok {
		t.Fatalf("first message: got %T", posted[0])
	}
}

func TestMessages_Malformed(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	for _, body := range []string{`{}`, `[{"type":"teleport","data":{}}]`, `not json`} {
		resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestMessages_BodyLimit(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), WithMaxBody(64))
	body := envelopes(t,
		protocol.PointerMove{X: 1, Y: 2, T: 3},
		protocol.PointerMove{X: 4, Y: 5, T: 6},
		protocol.PointerMove{X: 7, Y: 8, T: 9},
	)
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %d, want 413", resp.StatusCode)
	}
}

func TestPatches(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp, err := http.Post(srv.URL+"/v1/patches", "application/json",
		strings.NewReader(`{"request_id":"pre_1","component_id":"menu","state_key":"a","delta":{"hover":true},"body":"<li>open</li>"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", resp.StatusCode)
	}
	if _, patches := eng.received(); len(patches) != 1 || patches[0].Delta["hover"] != true {
		t.Fatalf("patches: got %+v", patches)
	}

	resp, err = http.Post(srv.URL+"/v1/patches", "application/json", strings.NewReader(`{"component_id":"menu"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid patch: got %d, want 400", resp.StatusCode)
	}
}

func TestWatches(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp, err := http.Post(srv.URL+"/v1/watches", "application/json",
		strings.NewReader(`{"component":"menu","selector":".item","kinds":["hover"]}`))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || got["elements"] != float64(3) {
		t.Fatalf("watch: got %d %v", resp.StatusCode, got)
	}

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/watches/menu", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := del(); code != http.StatusNoContent {
		t.Fatalf("unwatch: got %d, want 204", code)
	}
	if code := del(); code != http.StatusNotFound {
		t.Fatalf("second unwatch: got %d, want 404", code)
	}

	resp, err = http.Post(srv.URL+"/v1/watches", "application/json",
		strings.NewReader(`{"component":"menu; drop","selector":".item","kinds":["hover"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid component id: got %d, want 400", resp.StatusCode)
	}

	eng.mu.Lock()
	eng.platform = false
	eng.mu.Unlock()
	resp, err = http.Post(srv.URL+"/v1/watches", "application/json",
		strings.NewReader(`{"component":"menu","selector":".item","kinds":["hover"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("no platform: got %d, want 409", resp.StatusCode)
	}
}

func TestLedgerRoutes(t *testing.T) {
	led := &fakeLedger{}
	srv := newTestServer(t, newFakeEngine(), WithLedger(led))

	before := time.Now()
	resp, err := http.Get(srv.URL + "/v1/ledger/summary?since=30m")
	if err != nil {
		t.Fatal(err)
	}
	var sum ledger.Summary
	json.NewDecoder(resp.Body).Decode(&sum)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || sum.HitRatio != 0.75 {
		t.Fatalf("summary: got %d %+v", resp.StatusCode, sum)
	}
	led.mu.Lock()
	asked := led.since
	led.mu.Unlock()
	if d := before.Sub(asked); d < 29*time.Minute || d > 31*time.Minute {
		t.Fatalf("since: got %v ago, want 30m", d)
	}

	resp, err = http.Get(srv.URL + "/v1/ledger/summary?since=soon")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since: got %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/ledger/recent?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	var recent []dispatch.Outcome
	json.NewDecoder(resp.Body).Decode(&recent)
	resp.Body.Close()
	if len(recent) != 2 {
		t.Fatalf("recent: got %d, want 2", len(recent))
	}
}

func TestLedgerDisabled(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp, err := http.Get(srv.URL + "/v1/ledger/summary")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	eng := newFakeEngine()
	eng.watches["menu"] = engine.Watch{ComponentID: "menu"}
	srv := newTestServer(t, eng)

	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st engine.Stats
	json.NewDecoder(resp.Body).Decode(&st)
	if st.Components != 1 {
		t.Fatalf("components: got %d, want 1", st.Components)
	}
}
