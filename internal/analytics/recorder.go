// Package analytics writes collaboration activity into the analytics table.
// Writes are best-effort: the relay never waits on them.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"collabcanvas/internal/collab"
)

const insertActivity = `INSERT INTO analytics (user_id, event, metadata, created_at) VALUES ($1, $2, $3, $4)`

const writeTimeout = 5 * time.Second

// Execer is the subset of *pgxpool.Pool the recorder needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type metadata struct {
	CanvasID string `json:"canvasId"`
	UserName string `json:"userName"`
	ConnID   string `json:"connId"`
}

// Recorder queues activity and writes it from a single background goroutine.
type Recorder struct {
	db    Execer
	queue chan collab.Activity
	log   logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewRecorder starts the writer. buffer bounds the queue; activity arriving
// while it is full is dropped.
func NewRecorder(db Execer, buffer int, log logrus.FieldLogger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{
		db:    db,
		queue: make(chan collab.Activity, buffer),
		log:   log,
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record implements collab.ActivityRecorder.
func (r *Recorder) Record(a collab.Activity) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- a:
	default:
		r.dropped.Add(1)
		r.log.WithField("event", a.Event).Warn("analytics queue full, dropping activity")
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting activity and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for a := range r.queue {
		if err := r.write(a); err != nil {
			r.log.WithError(err).WithField("event", a.Event).Warn("analytics write failed")
		}
	}
}

func (r *Recorder) write(a collab.Activity) error {
	meta, err := json.Marshal(metadata{CanvasID: a.CanvasID, UserName: a.UserName, ConnID: a.ConnID})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := r.db.Exec(ctx, insertActivity, a.UserID, a.Event, string(meta), a.At); err != nil {
		return fmt.Errorf("insert %s: %w", a.Event, err)
	}
	return nil
}
