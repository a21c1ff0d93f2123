package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/foresight/dispatch"
	"github.com/hazyhaar/foresight/tracker"
)

type metricSink struct {
	mu     sync.Mutex
	values map[string]float64
	calls  int
}

func (m *metricSink) RecordSimple(name string, value float64, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]float64)
	}
	m.values[name] = value
	m.calls++
}

func (m *metricSink) get(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok
}

func TestRecordMetrics(t *testing.T) {
	plat := newFakePlatform(&fakeEl{id: "a", class: "field"}, &fakeEl{id: "b", class: "field"})
	eng := New(plat, dispatch.FuncCollaborator(func(context.Context, dispatch.PrecomputeRequest) error { return nil }),
		Config{}, WithLogger(quiet), WithScheduler(&tracker.ManualScheduler{}))
	defer eng.Close()
	if _, err := eng.Watch(context.Background(), Watch{ComponentID: "form", Selector: ".field", Kinds: []string{"hover"}}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	sink := &metricSink{}
	eng.recordMetrics(sink)
	if v, _ := sink.get("foresight.elements"); v != 2 {
		t.Fatalf("elements: got %v, want 2", v)
	}
	if v, _ := sink.get("foresight.components"); v != 1 {
		t.Fatalf("components: got %v, want 1", v)
	}
	if _, ok := sink.get("foresight.dispatch.dispatched"); !ok {
		t.Fatal("dispatch.dispatched: not recorded")
	}
}

func TestReportMetrics_StopsWithContext(t *testing.T) {
	eng := New(nil, dispatch.FuncCollaborator(func(context.Context, dispatch.PrecomputeRequest) error { return nil }),
		Config{}, WithLogger(quiet))
	defer eng.Close()

	sink := &metricSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.ReportMetrics(ctx, sink, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := sink.get("foresight.hints"); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	waitFor(t, done)
	if _, ok := sink.get("foresight.hints"); !ok {
		t.Fatal("hints: not recorded before cancel")
	}
}
