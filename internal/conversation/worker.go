// Package conversation runs a job's model loop: it loads the history
// window, lets the model call tools within a search budget, persists the
// final reply and prunes the session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/llm"
	"github.com/ashureev/sam-relay/internal/sanitize"
	"github.com/ashureev/sam-relay/internal/search"
	"github.com/ashureev/sam-relay/internal/shared"
	"github.com/ashureev/sam-relay/internal/store"
)

// State is a step of the job state machine.
type State int

const (
	StateLoadContext State = iota
	StateAwaitModel
	StateToolCall
	StateFinalize
	StatePersist
	StatePrune
	StateTerminal
	StateErrorTerminal
	// StateSkipped means the handle was not a pending job; nothing changed.
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateLoadContext:
		return "load_context"
	case StateAwaitModel:
		return "await_model"
	case StateToolCall:
		return "tool_call"
	case StateFinalize:
		return "finalize"
	case StatePersist:
		return "persist"
	case StatePrune:
		return "prune"
	case StateTerminal:
		return "terminal"
	case StateErrorTerminal:
		return "error_terminal"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// persistTimeout bounds the final writes, which run even after the server
// context is cancelled.
const persistTimeout = 10 * time.Second

// Config bounds a single job.
type Config struct {
	HistoryLimit int
	MaxSearches  int
	// SafetyCap is the turn count after which a finish reminder is added
	// before every model call. It does not end the loop.
	SafetyCap int
	// HardTurnLimit ends the loop with an error outcome. 0 means unbounded.
	HardTurnLimit int
	ModelTimeout  time.Duration
}

// DefaultConfig returns the standard job bounds.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:  9,
		MaxSearches:   2,
		SafetyCap:     12,
		HardTurnLimit: 32,
		ModelTimeout:  120 * time.Second,
	}
}

// Worker executes jobs. It is safe for concurrent use; jobs of the same
// session run one at a time.
type Worker struct {
	messages store.MessageStore
	provider llm.Provider
	searcher search.Searcher
	cfg      Config
	tools    []llm.Tool
	now      func() time.Time
	log      *slog.Logger
	locks    sessionLocks
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the time source used by get_time.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker creates a worker.
func NewWorker(messages store.MessageStore, provider llm.Provider, searcher search.Searcher, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		messages: messages,
		provider: provider,
		searcher: searcher,
		cfg:      cfg,
		tools:    toolSchema(),
		now:      time.Now,
		log:      logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// job is the mutable state of one run.
type job struct {
	id         int64
	sessionID  string
	log        *slog.Logger
	transcript []llm.Message
	turns      int
	searches   int
	resp       *llm.Response
	final      action
	outcome    domain.Outcome
	failed     bool
	err        error
}

func (j *job) add(role llm.Role, content string) {
	j.transcript = append(j.transcript, llm.Message{Role: role, Content: content})
}

// Run executes the job identified by jobID and returns its terminal state.
// The returned error is non-nil only for storage failures, which leave the
// job pending.
func (w *Worker) Run(ctx context.Context, jobID int64) (State, error) {
	msg, err := w.messages.GetMessage(ctx, jobID)
	if err != nil {
		w.log.Error("Failed to load job", "job_id", jobID, "error", err)
		return StateErrorTerminal, fmt.Errorf("%w: load job %d: %v", domain.ErrPersistence, jobID, err)
	}
	if msg == nil || !msg.IsPendingJob() {
		w.log.Warn("Skipping handle that is not a pending job", "job_id", jobID)
		return StateSkipped, nil
	}

	unlock := w.locks.lock(msg.SessionID)
	defer unlock()

	j := &job{
		id:        jobID,
		sessionID: msg.SessionID,
		log: w.log.With(
			"job_id", jobID,
			"session_id", msg.SessionID,
			"run_id", shared.RunIDFromContext(ctx),
		),
	}

	state := StateLoadContext
	for {
		switch state {
		case StateLoadContext:
			state = w.loadContext(ctx, j)
		case StateAwaitModel:
			state = w.awaitModel(ctx, j)
		case StateToolCall:
			state = w.toolCall(ctx, j)
		case StateFinalize:
			state = w.finalize(j)
		case StatePersist:
			state = w.persist(ctx, j)
		case StatePrune:
			state = w.prune(ctx, j)
		default:
			j.log.Debug("Job finished", "state", state, "turns", j.turns, "searches", j.searches)
			return state, j.err
		}
	}
}

func (w *Worker) loadContext(ctx context.Context, j *job) State {
	// Re-read under the session lock: a queued duplicate may have finished it.
	msg, err := w.messages.GetMessage(ctx, j.id)
	if err != nil {
		j.err = fmt.Errorf("%w: reload job: %v", domain.ErrPersistence, err)
		j.log.Error("Failed to reload job", "error", err)
		return StateErrorTerminal
	}
	if msg == nil || !msg.IsPendingJob() {
		j.log.Info("Job no longer pending")
		return StateSkipped
	}

	history, err := w.messages.RecentHistory(ctx, j.sessionID, j.id, w.cfg.HistoryLimit)
	if err != nil {
		j.err = fmt.Errorf("%w: load history: %v", domain.ErrPersistence, err)
		j.log.Error("Failed to load history", "error", err)
		return StateErrorTerminal
	}

	j.transcript = make([]llm.Message, 0, len(history)+1)
	j.add(llm.RoleSystem, systemPrompt(w.cfg.MaxSearches))
	for _, m := range history {
		content := historyContent(m)
		if content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		j.add(role, content)
	}
	return StateAwaitModel
}

func (w *Worker) awaitModel(ctx context.Context, j *job) State {
	j.turns++
	if w.cfg.HardTurnLimit > 0 && j.turns > w.cfg.HardTurnLimit {
		j.log.Warn("Turn limit reached without a reply", "limit", w.cfg.HardTurnLimit)
		j.outcome = domain.ErrorOutcome(fmt.Sprintf("no reply after %d turns", w.cfg.HardTurnLimit))
		j.failed = true
		return StatePersist
	}
	if j.turns > w.cfg.SafetyCap {
		j.add(llm.RoleSystem, reminderText)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelTimeout)
	resp, err := w.provider.Chat(callCtx, llm.Request{
		Messages: slices.Clone(j.transcript),
		Tools:    w.tools,
	})
	cancel()
	if err == nil && resp == nil {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		if errors.Is(err, domain.ErrTransport) {
			j.log.Warn("Model unreachable", "turn", j.turns, "error_class", "transport", "error", err)
		} else {
			j.log.Error("Model call failed", "turn", j.turns, "error", err)
		}
		j.outcome = domain.ErrorOutcome(errorText(err))
		j.failed = true
		return StatePersist
	}

	j.resp = resp
	return StateToolCall
}

func (w *Worker) toolCall(ctx context.Context, j *job) State {
	handled := false
	for _, tc := range j.resp.ToolCalls {
		a, ok, err := callAction(tc.Name, tc.Arguments)
		if !ok {
			j.log.Warn("Ignoring unknown tool call", "tool", tc.Name)
			continue
		}
		if err != nil {
			j.log.Warn("Malformed tool arguments", "tool", tc.Name, "error", err)
		}
		if a.Name == ToolComposeReply {
			j.final = a
			return StateFinalize
		}
		w.runTool(ctx, j, a)
		handled = true
	}
	if handled {
		return StateAwaitModel
	}

	content := j.resp.Content
	if a, ok := parseTextAction(content); ok {
		if a.Name == ToolComposeReply {
			j.final = a
			return StateFinalize
		}
		w.runTool(ctx, j, a)
		return StateAwaitModel
	}

	if content != "" {
		j.add(llm.RoleAssistant, content)
	}
	j.add(llm.RoleSystem, reminderText)
	return StateAwaitModel
}

func (w *Worker) runTool(ctx context.Context, j *job, a action) {
	switch a.Name {
	case ToolWebSearch:
		j.searches++
		j.add(llm.RoleAssistant, a.Raw)
		if j.searches > w.cfg.MaxSearches {
			j.log.Info("Search budget exhausted", "searches", j.searches)
			j.add(llm.RoleSystem, searchLimitText)
			return
		}
		j.add(llm.RoleSystem, searchResultLabel+w.search(ctx, j, a.Query))
	case ToolGetTime:
		j.add(llm.RoleAssistant, a.Raw)
		j.add(llm.RoleSystem, timeResultLabel+w.now().UTC().Format(timeLayout)+" UTC")
	}
}

func (w *Worker) search(ctx context.Context, j *job, query string) string {
	searchCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelTimeout)
	defer cancel()

	result, err := w.searcher.Search(searchCtx, query)
	if err != nil {
		j.log.Warn("Search failed", "query", query, "error", err)
		return search.NoResults
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return search.NoResults
	}
	j.log.Debug("Search complete", "query", query, "result_len", len(result))
	return result
}

func (w *Worker) finalize(j *job) State {
	display := strings.TrimSpace(sanitize.FoldASCII(j.final.TextDisplay))
	sam := strings.TrimSpace(sanitize.FoldASCII(j.final.TextSAM))

	if display == "" || sam == "" {
		// A reply parsed from plain text has no separate free text.
		fallback := ""
		if j.final.Raw == "" {
			fallback = strings.TrimSpace(sanitize.FoldASCII(j.resp.Content))
		}
		if fallback == "" {
			fallback = emptyReplyText
		}
		fallback = sanitize.Truncate(fallback, domain.MaxDisplayChars)
		display, sam = fallback, fallback
	}

	j.outcome = domain.CompleteOutcome(domain.FinalReply{
		TextDisplay: sanitize.Truncate(display, domain.MaxDisplayChars),
		TextSAM:     sam,
	})
	return StatePersist
}

func (w *Worker) persist(ctx context.Context, j *job) State {
	content, err := j.outcome.Encode()
	if err != nil {
		j.err = err
		j.log.Error("Failed to encode outcome", "error", err)
		return StateErrorTerminal
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err = w.messages.CompleteJob(writeCtx, j.id, content)
	if errors.Is(err, store.ErrJobNotPending) {
		j.log.Warn("Job was completed by another run")
		return StateTerminal
	}
	if err != nil {
		j.err = fmt.Errorf("%w: complete job: %v", domain.ErrPersistence, err)
		j.log.Error("Failed to persist outcome", "error", err)
		return StateErrorTerminal
	}

	j.log.Info("Job complete", "outcome", j.outcome.State, "turns", j.turns, "searches", j.searches)
	return StatePrune
}

func (w *Worker) prune(ctx context.Context, j *job) State {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	deleted, err := w.messages.PruneSession(writeCtx, j.sessionID, w.cfg.HistoryLimit)
	if err != nil {
		j.log.Warn("Failed to prune session", "error", err)
	} else if deleted > 0 {
		j.log.Debug("Pruned session", "deleted", deleted)
	}

	if j.failed {
		return StateErrorTerminal
	}
	return StateTerminal
}

// errorText renders an error for the device: ASCII, one line, and short
// enough that "Error: " plus the text fits the display.
func errorText(err error) string {
	return sanitize.Truncate(strings.TrimSpace(sanitize.ForDevice(err.Error())), domain.MaxDisplayChars-len("Error: "))
}

// sessionLocks serializes runs per session. Entries are dropped when no
// run holds or waits for them.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sessionLock)
	}
	e, ok := l.m[sessionID]
	if !ok {
		e = &sessionLock{}
		l.m[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, sessionID)
		}
		l.mu.Unlock()
	}
}
