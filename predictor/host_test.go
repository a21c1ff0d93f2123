package predictor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/foresight/protocol"
	"github.com/hazyhaar/foresight/snapshot"
)

func TestWorker_DeliversPredictions(t *testing.T) {
	w, err := Spawn(context.Background(), Config{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer w.Stop()

	w.Post(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))
	w.Post(protocol.PointerMove{X: 0, Y: 100, T: 0})
	w.Post(protocol.PointerMove{X: 8, Y: 100, T: 16})

	select {
	case pr := <-w.Predictions():
		if pr.ElementID != "buy" {
			t.Fatalf("element: got %q, want buy", pr.ElementID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for prediction")
	}
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w, err := Spawn(context.Background(), Config{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	w.Stop()
	w.Stop()

	if w.Post(protocol.PointerMove{}) {
		t.Fatal("post after stop: got true, want false")
	}
	if _, ok := <-w.Predictions(); ok {
		t.Fatal("predictions channel still open after stop")
	}
}

func TestSpawn_InvalidConfig(t *testing.T) {
	_, err := Spawn(context.Background(), Config{LeadTimeMin: time.Second, LeadTimeMax: time.Millisecond})
	if err == nil {
		t.Fatal("got nil error, want validation error")
	}
}

// fakePort lets tests inject predictions as if they were in flight.
type fakePort struct {
	mu     sync.Mutex
	posted []protocol.Message
	out    chan protocol.PredictionRequest
	once   sync.Once
	// onPost runs before a message is recorded, outside f.mu.
	onPost func(protocol.Message)
}

func newFakePort() *fakePort {
	return &fakePort{out: make(chan protocol.PredictionRequest, 16)}
}

func (f *fakePort) Post(m protocol.Message) bool {
	if f.onPost != nil {
		f.onPost(m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, m)
	return true
}

func (f *fakePort) Predictions() <-chan protocol.PredictionRequest { return f.out }
func (f *fakePort) Stop()                                          { f.once.Do(func() { close(f.out) }) }

func TestHost_DropsPredictionsForUnregistered(t *testing.T) {
	port := newFakePort()
	h := NewHost(Config{}, WithSpawner(func(context.Context, Config) (Port, error) { return port, nil }))

	var mu sync.Mutex
	var delivered []string
	h.Start(context.Background(), func(pr protocol.PredictionRequest) {
		mu.Lock()
		delivered = append(delivered, pr.ElementID)
		mu.Unlock()
	})

	h.Post(hoverTarget("a", snapshot.Rect{}))
	h.Post(hoverTarget("b", snapshot.Rect{}))
	h.Post(protocol.Unregister{ElementID: "a"})

	// Both were emitted before the worker saw the unregister.
	port.out <- protocol.PredictionRequest{ElementID: "a"}
	port.out <- protocol.PredictionRequest{ElementID: "b"}
	h.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "b" {
		t.Fatalf("delivered: got %v, want [b]", delivered)
	}
	st := h.Stats()
	if st.Stale != 1 || st.Delivered != 1 || st.Posted != 3 {
		t.Fatalf("stats: got %+v", st)
	}
}

func TestHost_FailOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := NewHost(Config{}, WithHostLogger(logger), WithSpawner(func(context.Context, Config) (Port, error) {
		return nil, errors.New("no worker support")
	}))

	h.Start(context.Background(), func(protocol.PredictionRequest) {
		t.Error("prediction delivered in no-prediction mode")
	})
	h.Start(context.Background(), nil)

	h.Post(hoverTarget("a", snapshot.Rect{}))
	h.Post(protocol.PointerMove{X: 1, Y: 1, T: 1})
	h.Stop()

	if h.Enabled() {
		t.Fatal("enabled: got true, want false")
	}
	if n := strings.Count(buf.String(), "predictions disabled"); n != 1 {
		t.Fatalf("warnings: got %d, want 1\n%s", n, buf.String())
	}
	if st := h.Stats(); st.Posted != 0 {
		t.Fatalf("posted: got %d, want 0", st.Posted)
	}
}

func TestHost_WorkerEndToEnd(t *testing.T) {
	h := NewHost(Config{})
	got := make(chan protocol.PredictionRequest, 4)
	h.Start(context.Background(), func(pr protocol.PredictionRequest) { got <- pr })
	defer h.Stop()

	if !h.Enabled() {
		t.Fatal("enabled: got false, want true")
	}
	h.Post(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))
	h.Post(protocol.PointerMove{X: 0, Y: 100, T: 0})
	h.Post(protocol.PointerMove{X: 8, Y: 100, T: 16})

	select {
	case pr := <-got:
		if pr.Kind != snapshot.KindHover {
			t.Fatalf("kind: got %v, want hover", pr.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for prediction")
	}
}

func TestHost_ReplaysEarlyRegistrations(t *testing.T) {
	port := newFakePort()
	h := NewHost(Config{}, WithSpawner(func(context.Context, Config) (Port, error) { return port, nil }))

	h.Post(hoverTarget("a", snapshot.Rect{X: 1}))
	h.Post(protocol.UpdateBounds{ElementID: "a", Bounds: snapshot.Rect{X: 2}})
	h.Start(context.Background(), nil)
	defer h.Stop()

	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.posted) != 1 {
		t.Fatalf("posted: got %d messages, want 1 replayed registration", len(port.posted))
	}
	reg, ok := port.posted[0].(protocol.RegisterElement)
	if !ok || reg.ElementID != "a" || reg.Bounds.X != 2 {
		t.Fatalf("replayed: got %+v, want a with updated bounds", port.posted[0])
	}
	if st := h.Stats(); st.Registered != 1 {
		t.Fatalf("registered: got %d, want 1", st.Registered)
	}
}

func TestHost_ReplayPrecedesConcurrentPost(t *testing.T) {
	port := newFakePort()
	h := NewHost(Config{}, WithSpawner(func(context.Context, Config) (Port, error) { return port, nil }))
	h.Post(hoverTarget("a", snapshot.Rect{X: 1}))

	var once sync.Once
	done := make(chan struct{})
	port.onPost = func(m protocol.Message) {
		if _, ok := m.(protocol.RegisterElement); !ok {
			return
		}
		once.Do(func() {
			go func() {
				defer close(done)
				h.Post(protocol.Unregister{ElementID: "a"})
			}()
			// give the concurrent Post every chance to overtake the replay
			time.Sleep(20 * time.Millisecond)
		})
	}
	h.Start(context.Background(), nil)
	defer h.Stop()
	<-done

	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.posted) != 2 {
		t.Fatalf("posted: got %d messages, want 2", len(port.posted))
	}
	if _, ok := port.posted[0].(protocol.RegisterElement); !ok {
		t.Fatalf("first message: got %T, want the replayed RegisterElement", port.posted[0])
	}
	if _, ok := port.posted[1].(protocol.Unregister); !ok {
		t.Fatalf("second message: got %T, want Unregister", port.posted[1])
	}
	if st := h.Stats(); st.Registered != 0 {
		t.Fatalf("registered: got %d, want 0", st.Registered)
	}
}
