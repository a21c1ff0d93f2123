// Package ledger persists prediction outcomes (dispatched, hit, miss,
// expired, ...) to SQLite so precompute effectiveness can be measured.
//
// Record is non-blocking: outcomes are buffered and written in batches by
// a background goroutine. When the buffer is saturated new outcomes are
// dropped and counted rather than slowing the engine down.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pkg/dbopen"
	"github.com/hazyhaar/pkg/idgen"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/foresight/dispatch"
)

// Config controls persistence.
type Config struct {
	// Path of the SQLite file. Default: "foresight-ledger.db".
	Path string `yaml:"path"`
	// BatchSize triggers an early flush. Default: 100.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval between background flushes. Default: 2s.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxBuffered outcomes before dropping. Default: 10 * BatchSize.
	MaxBuffered int `yaml:"max_buffered"`
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "foresight-ledger.db"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10 * c.BatchSize
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithIDGenerator replaces the outcome id generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(lg *Ledger) { lg.ids = g }
}

// Ledger buffers outcomes and flushes them to SQLite.
type Ledger struct {
	db     *sql.DB
	ownsDB bool
	cfg    Config
	logger *slog.Logger
	ids    idgen.Generator

	mu      sync.Mutex
	buf     []dispatch.Outcome
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
}

// Open opens (creating if needed) the ledger database at cfg.Path.
func Open(cfg Config, opts ...Option) (*Ledger, error) {
	cfg.defaults()
	db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l := newLedger(db, cfg, opts)
	l.ownsDB = true
	return l, nil
}

// New uses an existing database, creating the schema if needed. The caller
// keeps ownership of db.
func New(db *sql.DB, cfg Config, opts ...Option) (*Ledger, error) {
	cfg.defaults()
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return newLedger(db, cfg, opts), nil
}

func newLedger(db *sql.DB, cfg Config, opts []Option) *Ledger {
	l := &Ledger{
		db:   db,
		cfg:  cfg,
		ids:  idgen.Prefixed("out_", idgen.UUIDv7()),
		buf:  make([]dispatch.Outcome, 0, cfg.BatchSize),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	go l.loop()
	return l
}

// DB returns the ledger database. The observability tables share it.
func (l *Ledger) DB() *sql.DB { return l.db }

// Record queues an outcome. It implements dispatch.Recorder.
func (l *Ledger) Record(o dispatch.Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	l.mu.Lock()
	if len(l.buf) >= l.cfg.MaxBuffered {
		l.mu.Unlock()
		l.dropped.Add(1)
		return
	}
	l.buf = append(l.buf, o)
	full := len(l.buf) >= l.cfg.BatchSize
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			l.flushLogged()
			return
		case <-ticker.C:
			l.flushLogged()
		case <-l.kick:
			l.flushLogged()
		}
	}
}

func (l *Ledger) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		l.logger.Error("ledger: flush failed", "error", err)
	}
}

// Flush writes every buffered outcome now. On failure the batch is put
// back in front of the buffer, within MaxBuffered.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buf
	l.buf = make([]dispatch.Outcome, 0, l.cfg.BatchSize)
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO prediction_outcomes
			(outcome_id, event, request_id, component_id, state_key, kind, confidence, lead_time_ms, detail, at_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("ledger: prepare: %w", err)
		}
		defer stmt.Close()
		for _, o := range batch {
			if _, err := stmt.ExecContext(ctx, l.ids(), string(o.Event), o.RequestID, o.ComponentID,
				o.StateKey, o.Kind, o.Confidence, o.LeadTimeMs, o.Detail, o.At.UnixMilli()); err != nil {
				return fmt.Errorf("ledger: insert: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		l.mu.Lock()
		room := l.cfg.MaxBuffered - len(l.buf)
		if room < len(batch) {
			l.dropped.Add(uint64(len(batch) - max(room, 0)))
			batch = batch[:max(room, 0)]
		}
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		return err
	}
	l.written.Add(uint64(len(batch)))
	return nil
}

// Dropped is the number of outcomes discarded on a saturated buffer.
func (l *Ledger) Dropped() uint64 { return l.dropped.Load() }

// Written is the number of outcomes persisted.
func (l *Ledger) Written() uint64 { return l.written.Load() }

// Close flushes what is buffered and stops the background writer. The
// database is closed when the ledger opened it. Idempotent.
func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if l.ownsDB {
			err = l.db.Close()
		}
	})
	return err
}
