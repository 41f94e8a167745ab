package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/collab"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
	block chan struct{}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeDB) recorded() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRecorderWritesActivity(t *testing.T) {
	db := &fakeDB{}
	r := NewRecorder(db, 8, quiet())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(collab.Activity{Event: collab.ActivityJoined, CanvasID: "42", UserID: "A", UserName: "Alice", ConnID: "c1", At: at})
	r.Record(collab.Activity{Event: collab.ActivityLeft, CanvasID: "42", UserID: "A", UserName: "Alice", ConnID: "c1", At: at})
	r.Close()

	calls := db.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, insertActivity, calls[0].sql)
	require.Len(t, calls[0].args, 4)
	assert.Equal(t, "A", calls[0].args[0])
	assert.Equal(t, "collab:joined", calls[0].args[1])
	assert.Equal(t, at, calls[0].args[3])
	assert.Equal(t, "collab:left", calls[1].args[1])

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(calls[0].args[2].(string)), &meta))
	assert.Equal(t, map[string]string{"canvasId": "42", "userName": "Alice", "connId": "c1"}, meta)
}

func TestRecorderSurvivesWriteErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("relation \"analytics\" does not exist")}
	r := NewRecorder(db, 8, quiet())
	r.Record(collab.Activity{Event: collab.ActivityJoined, UserID: "A"})
	r.Record(collab.Activity{Event: collab.ActivityLeft, UserID: "A"})
	r.Close()

	assert.Len(t, db.recorded(), 2)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	db := &fakeDB{block: make(chan struct{})}
	r := NewRecorder(db, 1, quiet())

	// The writer takes the first record and blocks in Exec; the second fills
	// the queue and the rest are dropped.
	r.Record(collab.Activity{Event: "1"})
	assert.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	r.Record(collab.Activity{Event: "2"})
	r.Record(collab.Activity{Event: "3"})
	r.Record(collab.Activity{Event: "4"})
	assert.Equal(t, int64(2), r.Dropped())

	close(db.block)
	r.Close()
	assert.Len(t, db.recorded(), 2)
}

func TestRecorderIgnoresRecordAfterClose(t *testing.T) {
	db := &fakeDB{}
	r := NewRecorder(db, 4, quiet())
	r.Close()
	r.Close()

	r.Record(collab.Activity{Event: collab.ActivityJoined})
	assert.Empty(t, db.recorded())
}
