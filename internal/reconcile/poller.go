// Package reconcile drives the polling sync loop: it seeds tracked
// tasks from the durable task links, discovers freshly created tasks,
// diffs statuses and comments against the tracker and runs the
// executor registration sub-flow.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/planbot/internal/notify"
	"github.com/basket/planbot/internal/otel"
	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
	"github.com/basket/planbot/internal/status"
	"github.com/basket/planbot/internal/tracker"
)

// Client is the slice of the Planfix client the reconciler consumes:
// reads for the sync loop, writes for the chat-facing entry points.
type Client interface {
	Task(ctx context.Context, id int64) (planfix.Task, error)
	TaskComments(ctx context.Context, taskID int64) ([]planfix.Comment, error)
	TasksByStatus(ctx context.Context, processID, statusID int64) ([]planfix.Task, error)
	CreateTask(ctx context.Context, req planfix.CreateTaskRequest) (int64, error)
	AddComment(ctx context.Context, taskID int64, text string) (int64, error)
	UpdateTaskStatus(ctx context.Context, taskID, statusID int64) error
}

// Store is the slice of the persistence store the reconciler consumes.
type Store interface {
	OpenTaskLinks(ctx context.Context) ([]persistence.TaskLink, error)
	TaskLinkByID(ctx context.Context, taskID int64) (persistence.TaskLink, error)
	LinkTask(ctx context.Context, link persistence.TaskLink) error
	SetTaskState(ctx context.Context, taskID int64, state string) error
	UnlinkTask(ctx context.Context, taskID int64) error
	ReplaceAssignments(ctx context.Context, taskID int64, userIDs []int64) error
	CompleteAssignments(ctx context.Context, taskID int64) error
	UpsertExecutor(ctx context.Context, p persistence.ExecutorProfile) error
	SetExecutorState(ctx context.Context, userID int64, state string) error
	ExecutorByUser(ctx context.Context, userID int64) (persistence.ExecutorProfile, error)
	RecordAudit(ctx context.Context, action string, taskID, chatID int64, details string) error
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, bool, error)
}

// Registry is the slice of the status registry the reconciler consumes.
type Registry interface {
	Resolve(key status.Key, required bool) (int64, error)
	KeyFor(id int64) (status.Key, bool)
	LabelFor(id int64) string
}

type Options struct {
	Client      Client
	Store       Store
	Registry    Registry
	Tracker     *tracker.Tracker
	Dispatcher  notify.Dispatcher
	ProcessID   int64
	AdminChatID int64
	Interval    time.Duration
	Logger      *slog.Logger
	Metrics     *otel.Metrics
}

type Poller struct {
	client      Client
	store       Store
	registry    Registry
	tracker     *tracker.Tracker
	dispatcher  notify.Dispatcher
	processID   int64
	adminChatID int64
	interval    time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics

	lastThrottleNote time.Time
}

func NewPoller(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		client:      opts.Client,
		store:       opts.Store,
		registry:    opts.Registry,
		tracker:     opts.Tracker,
		dispatcher:  opts.Dispatcher,
		processID:   opts.ProcessID,
		adminChatID: opts.AdminChatID,
		interval:    opts.Interval,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Run polls until the context ends. Cycle errors are logged, never
// fatal: the loop outlives every provider hiccup.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("reconciler started", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation pass. A governor quota or
// throttle error aborts the remaining phases of this cycle; everything
// else is isolated per phase and per item.
func (p *Poller) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.PollCycleDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"seed", p.seedTracked},
		{"discover", p.discoverNew},
		{"statuses", p.diffStatuses},
		{"comments", p.diffComments},
		{"registrations", p.CheckRegistrations},
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			return
		}
		if err := phase.run(ctx); err != nil {
			if isRateLimited(err) {
				p.logger.Warn("cycle phase rate limited, deferring rest of cycle",
					"phase", phase.name, "error", err)
				p.notifyThrottled(ctx, err)
				return
			}
			p.logger.Error("cycle phase failed", "phase", phase.name, "error", err)
		}
	}
}

// throttleNoticeInterval bounds how often the admin chat hears about
// provider throttling; sync keeps retrying silently in between.
const throttleNoticeInterval = 30 * time.Minute

// throttleNoticeKey persists the last notice time so a restart inside
// the interval does not re-alarm the admin.
const throttleNoticeKey = "throttle_notice_at"

// notifyThrottled tells the admin chat the provider is limiting us,
// with an approximate wait, at most once per interval.
func (p *Poller) notifyThrottled(ctx context.Context, cause error) {
	if p.adminChatID == 0 {
		return
	}
	if p.lastThrottleNote.IsZero() {
		if v, ok, err := p.store.GetKV(ctx, throttleNoticeKey); err == nil && ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				p.lastThrottleNote = ts
			}
		}
	}
	if time.Since(p.lastThrottleNote) < throttleNoticeInterval {
		return
	}
	var wait time.Duration
	var quota *planfix.QuotaExceededError
	var throttled *planfix.ThrottledError
	switch {
	case errors.As(cause, &quota):
		wait = time.Until(quota.ResetAt)
	case errors.As(cause, &throttled):
		wait = throttled.RetryAfter
	}
	if wait <= 0 {
		return
	}
	if err := p.dispatcher.NotifyText(ctx, p.adminChatID, notify.FormatThrottled(wait)); err != nil {
		p.logger.Warn("throttle notice failed", "error", err)
		return
	}
	p.lastThrottleNote = time.Now()
	if err := p.store.SetKV(ctx, throttleNoticeKey, p.lastThrottleNote.Format(time.RFC3339)); err != nil {
		p.logger.Warn("persisting throttle notice time failed", "error", err)
	}
}

// seedTracked loads the durable task links into the tracker. Newly
// seen tasks join silently: their first status/comment observation
// seeds baselines without notifications.
func (p *Poller) seedTracked(ctx context.Context) error {
	links, err := p.store.OpenTaskLinks(ctx)
	if err != nil {
		return err
	}
	seeded := 0
	for _, link := range links {
		if !p.tracker.IsTracked(link.TaskID) {
			p.tracker.Track(link.TaskID)
			seeded++
		}
	}
	if seeded > 0 {
		p.logger.Info("seeded tracked tasks", "count", seeded, "total", len(links))
	}
	return nil
}

// discoverNew finds process tasks sitting in the "new" status that the
// bot does not know yet, announces each once and starts tracking it
// with the current status as baseline (no transition notification).
func (p *Poller) discoverNew(ctx context.Context) error {
	newID, err := p.registry.Resolve(status.KeyNew, true)
	if err != nil {
		return err
	}
	tasks, err := p.client.TasksByStatus(ctx, p.processID, newID)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if p.tracker.IsTracked(task.ID) {
			continue
		}
		chatID := p.adminChatID
		if link, err := p.store.TaskLinkByID(ctx, task.ID); err == nil {
			chatID = link.ChatID
		} else if !errors.Is(err, persistence.ErrNotFound) {
			p.logger.Error("task link lookup failed", "task_id", task.ID, "error", err)
			continue
		}
		if chatID == 0 {
			// Nobody to tell; still track so diffs start.
			p.trackDiscovered(task)
			continue
		}
		if err := p.dispatcher.NotifyTaskCreated(ctx, chatID, notify.TaskNote{TaskID: task.ID, TaskName: task.Name}); err != nil {
			// Not tracked yet: the next cycle re-discovers and retries.
			p.logger.Warn("discovery notification failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := p.store.LinkTask(ctx, persistence.TaskLink{
			TaskID: task.ID, ChatID: chatID, Kind: persistence.KindSupport, State: persistence.StateActive,
		}); err != nil {
			p.logger.Error("linking discovered task failed", "task_id", task.ID, "error", err)
			continue
		}
		p.trackDiscovered(task)
		p.audit(ctx, persistence.AuditTaskCreated, task.ID, chatID, task.Name)
		p.logger.Info("discovered new task", "task_id", task.ID, "name", task.Name)
	}
	return nil
}

func (p *Poller) trackDiscovered(task planfix.Task) {
	p.tracker.Track(task.ID)
	p.tracker.SeedStatus(task.ID, task.Status.ID)
}

// diffStatuses fetches every tracked support task and pushes observed
// status changes through the tracker's notify-then-advance rule.
// Terminal and vanished tasks are pruned.
func (p *Poller) diffStatuses(ctx context.Context) error {
	links, err := p.store.OpenTaskLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Kind != persistence.KindSupport {
			continue
		}
		task, err := p.client.Task(ctx, link.TaskID)
		if errors.Is(err, planfix.ErrNotFound) {
			p.pruneTask(ctx, link.TaskID, "remote task gone")
			continue
		}
		if isRateLimited(err) {
			return err
		}
		if err != nil {
			p.logger.Warn("task fetch failed", "task_id", link.TaskID, "error", err)
			continue
		}
		p.syncAssignments(ctx, link.TaskID, task)

		chatID := link.ChatID
		changed, err := p.tracker.ApplyStatus(link.TaskID, task.Status.ID, func(oldID, newID int64) error {
			return p.dispatcher.NotifyStatus(ctx, chatID, notify.StatusChange{
				TaskID:   task.ID,
				TaskName: task.Name,
				OldLabel: p.registry.LabelFor(oldID),
				NewLabel: p.registry.LabelFor(newID),
			})
		})
		if isRateLimited(err) {
			return err
		}
		if err != nil {
			// Old status kept; next cycle retries the transition.
			continue
		}
		if changed {
			p.audit(ctx, persistence.AuditStatusChanged, link.TaskID, chatID, p.registry.LabelFor(task.Status.ID))
		}

		if key, ok := p.registry.KeyFor(task.Status.ID); ok && isTerminal(key) {
			if err := p.store.CompleteAssignments(ctx, link.TaskID); err != nil {
				p.logger.Error("completing assignments failed", "task_id", link.TaskID, "error", err)
			}
			if err := p.store.SetTaskState(ctx, link.TaskID, persistence.StateClosed); err != nil {
				p.logger.Error("closing task link failed", "task_id", link.TaskID, "error", err)
			}
			p.tracker.Untrack(link.TaskID)
			p.logger.Info("task reached terminal status", "task_id", link.TaskID, "status", string(key))
		}
	}
	return nil
}

// diffComments fetches comments of every tracked support task and
// delivers fresh ones through the watermark rule. Automated authors
// are skipped; HTML is cleaned before delivery.
func (p *Poller) diffComments(ctx context.Context) error {
	links, err := p.store.OpenTaskLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Kind != persistence.KindSupport {
			continue
		}
		comments, err := p.client.TaskComments(ctx, link.TaskID)
		if errors.Is(err, planfix.ErrNotFound) {
			p.pruneTask(ctx, link.TaskID, "remote task gone")
			continue
		}
		if isRateLimited(err) {
			return err
		}
		if err != nil {
			p.logger.Warn("comment fetch failed", "task_id", link.TaskID, "error", err)
			continue
		}

		chatID := link.ChatID
		taskID := link.TaskID
		delivered, err := p.tracker.ApplyComments(taskID, comments, func(c planfix.Comment) error {
			if IsAutomationAuthor(c.Owner.Name) {
				return nil
			}
			text := notify.CleanHTML(c.Description)
			if text == "" {
				return nil
			}
			err := p.dispatcher.NotifyComment(ctx, chatID, notify.CommentNote{
				TaskID: taskID,
				Author: c.Owner.Name,
				Text:   text,
			})
			if err == nil {
				if p.metrics != nil {
					p.metrics.NotificationsSent.Add(ctx, 1)
				}
				p.audit(ctx, persistence.AuditCommentPosted, taskID, chatID, c.Owner.Name)
			}
			return err
		})
		if err != nil {
			// Watermark already advanced: best effort by contract.
			p.logger.Warn("comment delivery incomplete", "task_id", taskID, "delivered", delivered, "error", err)
		}
	}
	return nil
}

// syncAssignments mirrors the remote assignee set into the local
// assignment table.
func (p *Poller) syncAssignments(ctx context.Context, taskID int64, task planfix.Task) {
	ids := make([]int64, 0, len(task.Assignees.Users))
	for _, u := range task.Assignees.Users {
		if id, ok := u.NumericID(); ok {
			ids = append(ids, id)
		}
	}
	if err := p.store.ReplaceAssignments(ctx, taskID, ids); err != nil {
		p.logger.Warn("assignment sync failed", "task_id", taskID, "error", err)
	}
}

// audit appends to the durable trail, best effort.
func (p *Poller) audit(ctx context.Context, action string, taskID, chatID int64, details string) {
	if err := p.store.RecordAudit(ctx, action, taskID, chatID, details); err != nil {
		p.logger.Warn("audit record failed", "action", action, "task_id", taskID, "error", err)
	}
}

// pruneTask drops a task everywhere after the remote side lost it.
func (p *Poller) pruneTask(ctx context.Context, taskID int64, reason string) {
	p.tracker.Untrack(taskID)
	if err := p.store.UnlinkTask(ctx, taskID); err != nil {
		p.logger.Error("unlinking task failed", "task_id", taskID, "error", err)
		return
	}
	p.logger.Info("pruned task", "task_id", taskID, "reason", reason)
}

// isTerminal reports keys after which a support task needs no sync.
func isTerminal(key status.Key) bool {
	switch key {
	case status.KeyCompleted, status.KeyFinished, status.KeyCancelled, status.KeyRejected:
		return true
	}
	return false
}

// IsAutomationAuthor reports comment authors that are bots rather than
// humans, by the name heuristic the support process uses.
func IsAutomationAuthor(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "робот") || strings.Contains(lower, "bot")
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var quota *planfix.QuotaExceededError
	var throttled *planfix.ThrottledError
	return errors.As(err, &quota) || errors.As(err, &throttled)
}
