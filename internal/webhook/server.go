// Package webhook receives push events from the ticketing system and
// feeds them through the same tracker diff rules the polling loop
// uses, so a task observed from both sources never double-notifies.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/planbot/internal/config"
	"github.com/basket/planbot/internal/notify"
	"github.com/basket/planbot/internal/otel"
	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/status"
	"github.com/basket/planbot/internal/tracker"
)

// eventSchema is the shape every accepted payload must satisfy. The
// provider's webhook editor lets operators template arbitrary JSON, so
// anything that compiles against this is treated as an event and
// anything else is acked and dropped.
const eventSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string"},
    "task_id": {"type": ["integer", "string"]},
    "status_id": {"type": ["integer", "string"]},
    "comment_id": {"type": ["integer", "string"]},
    "comment": {"type": "string"},
    "author": {"type": "string"},
    "task_name": {"type": "string"}
  }
}`

// Store is the slice of the persistence store the ingestor consumes.
type Store interface {
	TaskLinkByID(ctx context.Context, taskID int64) (persistence.TaskLink, error)
	LinkTask(ctx context.Context, link persistence.TaskLink) error
	SetTaskState(ctx context.Context, taskID int64, state string) error
	CompleteAssignments(ctx context.Context, taskID int64) error
	RecordAudit(ctx context.Context, action string, taskID, chatID int64, details string) error
}

// Registry is the slice of the status registry the ingestor consumes.
type Registry interface {
	KeyFor(id int64) (status.Key, bool)
	LabelFor(id int64) string
}

type Options struct {
	Config      config.WebhookConfig
	Store       Store
	Registry    Registry
	Tracker     *tracker.Tracker
	Dispatcher  notify.Dispatcher
	AdminChatID int64
	Logger      *slog.Logger
	Metrics     *otel.Metrics
}

type Server struct {
	cfg         config.WebhookConfig
	store       Store
	registry    Registry
	tracker     *tracker.Tracker
	dispatcher  notify.Dispatcher
	adminChatID int64
	logger      *slog.Logger
	metrics     *otel.Metrics
	schema      *jsonschema.Schema
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Server{
		cfg:         opts.Config,
		store:       opts.Store,
		registry:    opts.Registry,
		tracker:     opts.Tracker,
		dispatcher:  opts.Dispatcher,
		adminChatID: opts.AdminChatID,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		schema:      schema,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleEvent)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves until the context ends, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.cfg.BindAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("webhook server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleEvent is the single ingest endpoint. Authentication failures
// get the usual 4xx; everything past auth is acked with 200 no matter
// what, because the provider retries non-2xx responses and a payload
// that failed once will fail forever.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkBasicAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="webhook"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.logger.Warn("webhook body unreadable", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.checkSignature(r, body) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	eventID := uuid.NewString()
	logger := s.logger.With("event_id", eventID)

	ev, err := s.parseEvent(body)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.metrics != nil {
		s.metrics.WebhookEvents.Add(r.Context(), 1)
	}

	if err := s.ingest(r.Context(), logger, ev); err != nil {
		logger.Error("webhook event processing failed", "event", ev.Event, "task_id", ev.TaskID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) checkBasicAuth(r *http.Request) bool {
	if s.cfg.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

// checkSignature verifies the hex HMAC-SHA256 of the raw body when a
// shared secret is configured.
func (s *Server) checkSignature(r *http.Request, body []byte) bool {
	if s.cfg.Secret == "" {
		return true
	}
	sig := r.Header.Get("X-Planfix-Signature")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(want))
}

// event is the normalized payload after the tolerant parse.
type event struct {
	Event     string
	TaskID    int64
	TaskName  string
	StatusID  int64
	CommentID int64
	Comment   string
	Author    string
}

type rawEvent struct {
	Event     string          `json:"event"`
	TaskID    json.RawMessage `json:"task_id"`
	TaskName  string          `json:"task_name"`
	StatusID  json.RawMessage `json:"status_id"`
	CommentID json.RawMessage `json:"comment_id"`
	Comment   string          `json:"comment"`
	Author    string          `json:"author"`
}

// parseEvent normalizes the quirks operator-templated payloads show in
// practice: markdown code fences around the JSON, a single-element
// array wrapper, and numbers sent as strings. After normalization the
// payload must pass the event schema.
func (s *Server) parseEvent(body []byte) (event, error) {
	text := stripFences(strings.TrimSpace(string(body)))

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return event{}, fmt.Errorf("parse payload: %w", err)
	}
	if arr, ok := doc.([]any); ok {
		if len(arr) != 1 {
			return event{}, fmt.Errorf("array payload with %d elements", len(arr))
		}
		doc = arr[0]
	}
	if err := s.schema.Validate(doc); err != nil {
		return event{}, fmt.Errorf("validate payload: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return event{}, err
	}
	var raw rawEvent
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return event{}, fmt.Errorf("decode payload: %w", err)
	}

	ev := event{
		Event:    raw.Event,
		TaskName: raw.TaskName,
		Comment:  raw.Comment,
		Author:   raw.Author,
	}
	if ev.TaskID, err = flexibleID(raw.TaskID); err != nil {
		return event{}, fmt.Errorf("task_id: %w", err)
	}
	if ev.StatusID, err = flexibleID(raw.StatusID); err != nil {
		return event{}, fmt.Errorf("status_id: %w", err)
	}
	if ev.CommentID, err = flexibleID(raw.CommentID); err != nil {
		return event{}, fmt.Errorf("comment_id: %w", err)
	}
	return ev, nil
}

// stripFences unwraps a ```-fenced block, which the provider's
// template editor is fond of inserting.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.Index(text, "\n"); i >= 0 {
		// Drop a language tag like "json" on the fence line.
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// flexibleID accepts integers arriving as JSON numbers or as quoted
// strings. Absent means zero.
func flexibleID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var str string
		if err2 := json.Unmarshal(raw, &str); err2 != nil {
			return 0, err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return 0, nil
		}
		n = json.Number(str)
	}
	return n.Int64()
}

var errUnknownEvent = errors.New("unknown event type")

func (s *Server) ingest(ctx context.Context, logger *slog.Logger, ev event) error {
	if ev.TaskID == 0 {
		return errors.New("event without task_id")
	}
	switch ev.Event {
	case "task.create":
		return s.ingestTaskCreate(ctx, logger, ev)
	case "task.update":
		return s.ingestTaskUpdate(ctx, logger, ev)
	case "comment.create":
		return s.ingestCommentCreate(ctx, logger, ev)
	default:
		logger.Warn("webhook event ignored", "event", ev.Event)
		return errUnknownEvent
	}
}
