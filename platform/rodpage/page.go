package rodpage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/tracker"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__foresight"

// Telemetry receives the page-wide input stream. telemetry.Forwarder
// implements it.
type Telemetry interface {
	Pointer(x, y float64)
	Scroll(x, y, viewportW, viewportH float64)
	Key(key string, shift bool)
}

// Option configures a Page.
type Option func(*Page)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(p *Page) { p.logger = l }
}

// WithQueueSize bounds the binding event queue. Default: 1024.
func WithQueueSize(n int) Option {
	return func(p *Page) {
		if n > 0 {
			p.queue = n
		}
	}
}

// Page is a live document implementing tracker.Platform.
type Page struct {
	page   *rod.Page
	url    string
	logger *slog.Logger
	queue  int

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextSub int
	signals map[int]func(tracker.Signal)
	fires   map[int]func()
	fwd     Telemetry
	closed  bool

	dropped atomic.Uint64
}

var _ tracker.Platform = (*Page)(nil)

// Open creates a tab on the manager's browser, navigates to pageURL and
// installs the bridge.
func Open(ctx context.Context, mgr *Manager, pageURL string, opts ...Option) (*Page, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("rodpage: no active browser")
	}

	var rp *rod.Page
	var err error
	if mgr.cfg.Stealth >= LevelHeadless {
		rp, err = stealth.Page(b)
	} else {
		rp, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("rodpage: create tab: %w", err)
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(rp, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()
	if err := rp.Context(navCtx).Navigate(pageURL); err != nil {
		rp.Close()
		return nil, fmt.Errorf("rodpage: navigate %s: %w", pageURL, err)
	}
	if err := rp.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("rodpage: wait load timeout", "url", pageURL, "error", err)
	}

	opts = append([]Option{WithLogger(mgr.cfg.Logger)}, opts...)
	p, err := New(ctx, rp, opts...)
	if err != nil {
		rp.Close()
		return nil, err
	}
	p.url = pageURL
	return p, nil
}

// New installs the bridge into an already loaded page.
func New(ctx context.Context, rp *rod.Page, opts ...Option) (*Page, error) {
	p := &Page{
		page:    rp,
		queue:   1024,
		signals: make(map[int]func(tracker.Signal)),
		fires:   make(map[int]func()),
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.events = make(chan event, p.queue)

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(rp); err != nil {
		p.logger.Warn("rodpage: addBinding failed (may already exist)", "error", err)
	}

	wait := rp.Context(p.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		ev, err := decodeEvent(e.Payload)
		if err != nil {
			p.logger.Debug("rodpage: bad binding payload", "error", err)
			return
		}
		select {
		case p.events <- ev:
		default:
			p.dropped.Add(1)
		}
	})
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		wait()
	}()
	go p.pump()

	if _, err := rp.Context(p.ctx).Eval(bridgeJS); err != nil {
		p.Close()
		return nil, fmt.Errorf("rodpage: inject bridge: %w", err)
	}
	if _, err := rp.EvalOnNewDocument("(" + bridgeJS + ")()"); err != nil {
		p.logger.Warn("rodpage: bridge will not survive navigation", "error", err)
	}
	return p, nil
}

// pump delivers binding events outside the CDP event loop so callbacks
// may call back into the page.
func (p *Page) pump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			p.deliver(ev)
		}
	}
}

func (p *Page) deliver(ev event) {
	p.mu.Lock()
	sig := p.signals[ev.Sub]
	fire := p.fires[ev.Sub]
	fwd := p.fwd
	p.mu.Unlock()

	switch ev.Kind {
	case "sig":
		if sig != nil {
			sig(ev.signal())
		}
	case "ev":
		if fire != nil {
			fire()
		}
	case "ptr":
		if fwd != nil {
			fwd.Pointer(ev.X, ev.Y)
		}
	case "scroll":
		if fwd != nil {
			fwd.Scroll(ev.X, ev.Y, ev.W, ev.H)
		}
	case "key":
		if fwd != nil {
			fwd.Key(ev.Key, ev.Shift)
		}
	}
}

// URL is the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Dropped counts binding events lost to a full queue.
func (p *Page) Dropped() uint64 { return p.dropped.Load() }

// evalJSON runs fn(args...) in the page and decodes its JSON.stringify
// result into out. A "null" result reports tracker.ErrDetached.
func (p *Page) evalJSON(fn string, out any, args ...any) error {
	res, err := p.page.Context(p.ctx).Eval(fn, args...)
	if err != nil {
		return err
	}
	raw := res.Value.Str()
	if raw == "" || raw == "null" {
		return tracker.ErrDetached
	}
	return json.Unmarshal([]byte(raw), out)
}

// Query tags every element matching selector and returns handles on them.
func (p *Page) Query(ctx context.Context, selector string) ([]tracker.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := p.evalJSON(`(sel) => JSON.stringify(window.__fs.tag(sel))`, &ids, selector)
	if err != nil {
		return nil, fmt.Errorf("rodpage: query %q: %w", selector, err)
	}
	out := make([]tracker.Element, len(ids))
	for i, id := range ids {
		out[i] = &Element{page: p, id: id}
	}
	return out, nil
}

func (p *Page) subscribe(sig func(tracker.Signal), fire func()) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("rodpage: page closed")
	}
	p.nextSub++
	id := p.nextSub
	if sig != nil {
		p.signals[id] = sig
	} else {
		p.fires[id] = fire
	}
	return id, nil
}

func (p *Page) unsubscribe(id int) {
	p.mu.Lock()
	delete(p.signals, id)
	delete(p.fires, id)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	// Off the caller's goroutine: trackers release while holding their lock.
	go func() {
		if _, err := p.page.Context(p.ctx).Eval(`(sub) => window.__fs.release(sub)`, id); err != nil {
			p.logger.Debug("rodpage: release failed", "sub", id, "error", err)
		}
	}()
}

func (p *Page) install(fn string, el tracker.Element, what string, sub int) (tracker.Release, error) {
	res, err := p.page.Context(p.ctx).Eval(fn, el.ID(), what, sub)
	if err != nil {
		p.unsubscribe(sub)
		return nil, fmt.Errorf("rodpage: %s %s: %w", what, el.ID(), err)
	}
	if !res.Value.Bool() {
		p.unsubscribe(sub)
		return nil, tracker.ErrDetached
	}
	var once sync.Once
	return func() { once.Do(func() { p.unsubscribe(sub) }) }, nil
}

// Observe installs one browser observer on el.
func (p *Page) Observe(el tracker.Element, kind tracker.ObserverKind, fn func(tracker.Signal)) (tracker.Release, error) {
	sub, err := p.subscribe(fn, nil)
	if err != nil {
		return nil, err
	}
	return p.install(`(id, kind, sub) => window.__fs.observe(id, kind, sub)`, el, kind.String(), sub)
}

// Listen attaches one DOM event listener to el.
func (p *Page) Listen(el tracker.Element, ev tracker.EventType, fn func()) (tracker.Release, error) {
	sub, err := p.subscribe(nil, fn)
	if err != nil {
		return nil, err
	}
	return p.install(`(id, type, sub) => window.__fs.listen(id, type, sub)`, el, string(ev), sub)
}

// BridgeTelemetry starts streaming page-wide pointer, scroll and Tab key
// events into t. Focus is reported by element trackers instead.
func (p *Page) BridgeTelemetry(t Telemetry) error {
	p.mu.Lock()
	p.fwd = t
	p.mu.Unlock()
	if _, err := p.page.Context(p.ctx).Eval(`() => window.__fs.bridge()`); err != nil {
		return fmt.Errorf("rodpage: telemetry bridge: %w", err)
	}
	return nil
}

// Close stops event delivery and closes the tab. Idempotent.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signals = make(map[int]func(tracker.Signal))
	p.fires = make(map[int]func())
	p.fwd = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return p.page.Close()
}

// event is one binding payload.
type event struct {
	Kind   string         `json:"k"`
	Sub    int            `json:"sub"`
	Int    bool           `json:"int"`
	Ratio  float64        `json:"ratio"`
	Rect   *snapshot.Rect `json:"rect"`
	Attr   string         `json:"attr"`
	Struct bool           `json:"struct"`
	X      float64        `json:"x"`
	Y      float64        `json:"y"`
	W      float64        `json:"w"`
	H      float64        `json:"h"`
	Key    string         `json:"key"`
	Shift  bool           `json:"shift"`
}

func decodeEvent(payload string) (event, error) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	switch ev.Kind {
	case "sig", "ev":
		if ev.Sub <= 0 {
			return ev, fmt.Errorf("rodpage: %s event without subscription", ev.Kind)
		}
	case "ptr", "scroll", "key":
	default:
		return ev, fmt.Errorf("rodpage: unknown event kind %q", ev.Kind)
	}
	return ev, nil
}

func (ev event) signal() tracker.Signal {
	sig := tracker.Signal{
		Intersecting: ev.Int,
		Ratio:        ev.Ratio,
		Attribute:    ev.Attr,
		Structural:   ev.Struct,
	}
	if ev.Rect != nil {
		sig.Rect = *ev.Rect
		sig.HasRect = true
	}
	return sig
}
