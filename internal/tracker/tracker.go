// Package tracker holds the in-memory sync state of every watched
// task: last known status and comment watermark. The poller and the
// webhook ingestor share one instance; a per-task mutex is held across
// each notification so the two sources never interleave on a task.
package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/planbot/internal/otel"
	"github.com/basket/planbot/internal/planfix"
)

type entry struct {
	mu           sync.Mutex
	statusID     int64
	hasStatus    bool
	watermark    int64
	hasWatermark bool
}

type Tracker struct {
	logger  *slog.Logger
	metrics *otel.Metrics

	mu      sync.Mutex
	entries map[int64]*entry
}

func New(logger *slog.Logger, metrics *otel.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:  logger,
		metrics: metrics,
		entries: make(map[int64]*entry),
	}
}

// entryFor returns the entry for a task, creating it on first sight.
func (t *Tracker) entryFor(taskID int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[taskID]
	if !ok {
		e = &entry{}
		t.entries[taskID] = e
		if t.metrics != nil {
			t.metrics.TrackedTasks.Add(context.Background(), 1)
		}
	}
	return e
}

// lookup returns the entry for a task without creating one.
func (t *Tracker) lookup(taskID int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[taskID]
}

// Track registers a task for sync without any notification.
func (t *Tracker) Track(taskID int64) {
	t.entryFor(taskID)
}

// IsTracked reports whether a task is currently watched.
func (t *Tracker) IsTracked(taskID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[taskID]
	return ok
}

// Tracked returns the watched task ids in ascending order.
func (t *Tracker) Tracked() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Untrack forgets a task entirely.
func (t *Tracker) Untrack(taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[taskID]; !ok {
		return
	}
	delete(t.entries, taskID)
	if t.metrics != nil {
		t.metrics.TrackedTasks.Add(context.Background(), -1)
	}
}

// ApplyStatus reconciles an observed status against the tracked one.
// The first observation seeds silently. On a change, notify runs first
// and only its success advances the tracked value, so a failed
// notification is retried on the next observation.
func (t *Tracker) ApplyStatus(taskID, statusID int64, notify func(oldID, newID int64) error) (bool, error) {
	e := t.entryFor(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasStatus {
		e.statusID = statusID
		e.hasStatus = true
		return false, nil
	}
	if e.statusID == statusID {
		return false, nil
	}

	old := e.statusID
	if notify != nil {
		if err := notify(old, statusID); err != nil {
			t.logger.Warn("status notification failed, keeping old status",
				"task_id", taskID, "old", old, "new", statusID, "error", err)
			return false, err
		}
	}
	e.statusID = statusID
	return true, nil
}

// SeedStatus records a status without ever notifying.
func (t *Tracker) SeedStatus(taskID, statusID int64) {
	e := t.entryFor(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusID = statusID
	e.hasStatus = true
}

// StatusID returns the tracked status of a task, ok=false before the
// first observation.
func (t *Tracker) StatusID(taskID int64) (int64, bool) {
	e := t.lookup(taskID)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusID, e.hasStatus
}

// ApplyComments reconciles an observed comment list against the
// watermark. The first observation seeds the watermark to the newest
// id and delivers nothing. Afterwards only ids strictly above the
// watermark are delivered, oldest first, and the watermark advances to
// the newest observed id regardless of notify errors: comment delivery
// is best effort, a broken comment never wedges the stream.
func (t *Tracker) ApplyComments(taskID int64, comments []planfix.Comment, notify func(planfix.Comment) error) (int, error) {
	e := t.entryFor(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()

	maxID := e.watermark
	for _, c := range comments {
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	if !e.hasWatermark {
		e.watermark = maxID
		e.hasWatermark = true
		return 0, nil
	}

	fresh := make([]planfix.Comment, 0, len(comments))
	for _, c := range comments {
		if c.ID > e.watermark {
			fresh = append(fresh, c)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	var firstErr error
	delivered := 0
	for _, c := range fresh {
		if notify == nil {
			continue
		}
		if err := notify(c); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.logger.Warn("comment notification failed",
				"task_id", taskID, "comment_id", c.ID, "error", err)
			continue
		}
		delivered++
	}

	e.watermark = maxID
	return delivered, firstErr
}

// SeedWatermark installs a comment watermark without delivering.
func (t *Tracker) SeedWatermark(taskID, commentID int64) {
	e := t.entryFor(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if commentID > e.watermark || !e.hasWatermark {
		e.watermark = commentID
	}
	e.hasWatermark = true
}

// Watermark returns the tracked comment watermark, ok=false before the
// first observation.
func (t *Tracker) Watermark(taskID int64) (int64, bool) {
	e := t.lookup(taskID)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark, e.hasWatermark
}
