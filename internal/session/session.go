// Package session drives user message to assistant reply exchanges for one
// conversation and keeps its local history.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/ideachat/internal/extract"
	"github.com/comigor/ideachat/internal/history"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/reconcile"
)

// FailureNotice is the content of the assistant message that replaces the
// placeholder when an exchange fails.
const FailureNotice = "Something went wrong while generating the answer. Please try again."

var (
	ErrEmptyMessage   = errors.New("session: empty message")
	ErrNotUser        = errors.New("session: only user messages start an exchange")
	ErrAlreadyHandled = errors.New("session: message already handled")
	ErrInFlight       = errors.New("session: an exchange is already in flight")
)

// State of the exchange FSM.
type State string

const (
	StateIdle       State = "Idle"
	StateSending    State = "Sending"
	StateStreaming  State = "Streaming"
	StateFinalizing State = "Finalizing"
	StateFailed     State = "Failed"
)

// Trigger of the exchange FSM.
type Trigger string

const (
	TriggerSend     Trigger = "Send"
	TriggerChunk    Trigger = "Chunk"
	TriggerComplete Trigger = "Complete"
	TriggerFail     Trigger = "Fail"
	TriggerReset    Trigger = "Reset"
)

// Sender requests an assistant reply for text. onChunk is called for every
// received chunk, in order, before Send returns.
type Sender interface {
	Send(ctx context.Context, text string, prior message.History, onChunk message.StreamFunc) (answer, sources string, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists the history in s instead of process memory.
func WithStore(s history.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithNotify registers the callback told about failed exchanges.
func WithNotify(fn func(error)) Option {
	return func(c *Controller) { c.notify = fn }
}

// WithStreamingChange registers the callback told when an exchange starts
// (true) and ends (false).
func WithStreamingChange(fn func(bool)) Option {
	return func(c *Controller) { c.onStreaming = fn }
}

// WithOnChange registers the callback told about every update of the
// assistant message of the current exchange.
func WithOnChange(fn func(message.Message)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
		c.merger.Now = now
	}
}

// Controller owns the local history of one conversation. At most one
// exchange runs at a time.
type Controller struct {
	sessionID   string
	sender      Sender
	store       history.Store
	merger      reconcile.Reconciler
	now         func() time.Time
	notify      func(error)
	onStreaming func(bool)
	onChange    func(message.Message)

	mu       sync.Mutex
	history  message.History
	handled  map[string]struct{}
	aliases  map[string]string // ExternalKey -> local id
	inFlight bool
	fsm      *stateless.StateMachine
	changed  *message.Message
}

// New creates a controller for sessionID and loads its persisted history.
func New(ctx context.Context, sessionID string, sender Sender, opts ...Option) *Controller {
	c := &Controller{
		sessionID: sessionID,
		sender:    sender,
		now:       time.Now,
		handled:   make(map[string]struct{}),
		aliases:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = history.NewMemoryStore()
	}

	stored, err := c.store.Load(ctx, sessionID)
	if err != nil {
		logger.L.Error("failed to load history; starting empty", "session", sessionID, "error", err)
	}
	c.history = c.merger.AssignIDs(stored)
	for i, m := range c.history {
		if m.Role == message.RoleUser {
			c.markHandled(m)
		}
		// a placeholder only survives a process that died mid-stream
		if m.Streaming {
			logger.L.Warn("dropping stale streaming flag", "session", sessionID, "messageID", m.ID)
			c.history[i].Streaming = false
		}
	}

	c.fsm = c.newFSM()
	return c
}

func (c *Controller) newFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerSend, StateSending)

	// State: Sending
	// Action: record the user message and an empty assistant placeholder.
	fsm.Configure(StateSending).
		OnEntry(func(ctx context.Context, args ...any) error {
			user := args[0].(message.Message)
			now := c.now()
			if user.Date.IsZero() {
				user.Date = now
			}
			placeholderDate := now
			if placeholderDate.Before(user.Date) {
				placeholderDate = user.Date
			}
			placeholder := message.Message{
				ID:        message.NewID(),
				Role:      message.RoleAssistant,
				Date:      placeholderDate,
				Streaming: true,
			}
			c.history = append(c.history, user, placeholder)
			c.inFlight = true
			c.changed = &placeholder
			c.persist(ctx)
			return nil
		}).
		Permit(TriggerChunk, StateStreaming).
		Permit(TriggerComplete, StateFinalizing).
		Permit(TriggerFail, StateFailed)

	// State: Streaming
	// Action: overwrite the placeholder content with the latest answer.
	fsm.Configure(StateStreaming).
		PermitReentry(TriggerChunk).
		OnEntry(func(ctx context.Context, args ...any) error {
			answer := args[0].(string)
			i := c.history.Placeholder()
			if i == -1 {
				logger.L.Warn("placeholder missing; appending a new one", "session", c.sessionID)
				c.history = append(c.history, message.Message{
					ID:        message.NewID(),
					Role:      message.RoleAssistant,
					Date:      c.now(),
					Streaming: true,
				})
				i = len(c.history) - 1
			}
			c.history[i].Content = answer
			m := c.history[i]
			c.changed = &m
			c.persist(ctx)
			return nil
		}).
		Permit(TriggerComplete, StateFinalizing).
		Permit(TriggerFail, StateFailed)

	// State: Finalizing
	// Action: replace the placeholder with the parsed reply.
	fsm.Configure(StateFinalizing).
		OnEntry(func(ctx context.Context, args ...any) error {
			res := args[0].(extract.Result)
			c.finalize(ctx, message.Message{
				Role:    message.RoleAssistant,
				Content: res.Answer,
				Sources: res.Sources,
			})
			return nil
		}).
		Permit(TriggerReset, StateIdle)

	// State: Failed
	// Action: replace the placeholder with a warning message.
	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			c.finalize(ctx, message.Message{
				Role:    message.RoleAssistant,
				Content: FailureNotice,
				Warning: true,
			})
			return nil
		}).
		Permit(TriggerReset, StateIdle)

	return fsm
}

// finalize replaces the placeholder in place, or appends m if it vanished.
func (c *Controller) finalize(ctx context.Context, m message.Message) {
	m.Date = c.now()
	if i := c.history.Placeholder(); i != -1 {
		m.ID = c.history[i].ID
		c.history[i] = m
	} else {
		m.ID = message.NewID()
		c.history = append(c.history, m)
	}
	c.changed = &m
	c.persist(ctx)
}

func (c *Controller) persist(ctx context.Context) {
	if err := c.store.Save(context.WithoutCancel(ctx), c.sessionID, c.history); err != nil {
		logger.L.Error("failed to persist history", "session", c.sessionID, "error", err)
	}
}

// fire runs trigger with c.mu held and reports the changed message, if any,
// once the lock is released.
func (c *Controller) fire(ctx context.Context, trigger Trigger, args ...any) {
	c.mu.Lock()
	err := c.fsm.FireCtx(ctx, trigger, args...)
	changed := c.changed
	c.changed = nil
	c.mu.Unlock()

	if err != nil {
		logger.L.Warn("FSM fire error", "trigger", trigger, "error", err)
	}
	if changed != nil && c.onChange != nil {
		c.onChange(*changed)
	}
}

// Submit runs one exchange for the user message msg and blocks until the
// reply is finalized or has failed. Transport failures are not returned: they
// end the exchange with a warning message and are passed to the notify
// callback. The returned errors only report why no exchange was started.
// Cancelling ctx aborts the exchange.
func (c *Controller) Submit(ctx context.Context, msg message.Message) error {
	if msg.Role != message.RoleUser {
		return ErrNotUser
	}
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	key := message.Key(msg)
	if _, ok := c.handled[key]; ok {
		c.mu.Unlock()
		return ErrAlreadyHandled
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrInFlight
	}
	if msg.ID == "" {
		// remember where the local copy came from so the external record
		// is recognized after a reload and merges onto it
		msg.ExternalKey = key
		msg.ID = message.NewID()
	}
	c.markHandled(msg)
	c.inFlight = true
	prior := c.history.Clone()
	c.mu.Unlock()

	defer c.reset(ctx)
	if c.onStreaming != nil {
		c.onStreaming(true)
	}
	c.fire(ctx, TriggerSend, msg)

	logger.L.Debug("sending message", "session", c.sessionID, "messageID", msg.ID)
	answer, sources, err := c.sender.Send(ctx, msg.Content, prior, func(_, answer, _ string) {
		c.fire(ctx, TriggerChunk, answer)
	})
	if err != nil {
		logger.L.Error("exchange failed", "session", c.sessionID, "error", err)
		c.fire(ctx, TriggerFail, err)
		if c.notify != nil {
			c.notify(err)
		}
		return nil
	}
	c.fire(ctx, TriggerComplete, extract.Result{Answer: answer, Sources: sources})
	return nil
}

// reset returns the FSM to Idle and clears the in-flight flag whatever the
// outcome of the exchange was.
func (c *Controller) reset(ctx context.Context) {
	c.mu.Lock()
	if ok, _ := c.fsm.CanFireCtx(ctx, TriggerReset); ok {
		if err := c.fsm.FireCtx(ctx, TriggerReset); err != nil {
			logger.L.Warn("FSM reset error", "error", err)
		}
	}
	if c.history.Placeholder() != -1 {
		// Send panicked before the exchange reached Finalizing or Failed;
		// the placeholder must not outlive the exchange.
		c.mu.Unlock()
		c.fire(ctx, TriggerFail, errors.New("exchange aborted"))
		c.mu.Lock()
		if err := c.fsm.FireCtx(ctx, TriggerReset); err != nil {
			logger.L.Warn("FSM reset error", "error", err)
		}
	}
	c.inFlight = false
	c.mu.Unlock()

	if c.onStreaming != nil {
		c.onStreaming(false)
	}
}

// Observe looks at the externally supplied conversation and starts an
// exchange when its last message is a user message that has not been handled
// yet. It reports whether an exchange ran.
func (c *Controller) Observe(ctx context.Context, external []message.Message) (bool, error) {
	if len(external) == 0 {
		return false, nil
	}
	last := external[len(external)-1]
	if last.Role != message.RoleUser {
		return false, nil
	}
	err := c.Submit(ctx, last)
	switch {
	case errors.Is(err, ErrAlreadyHandled), errors.Is(err, ErrEmptyMessage):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Messages merges external with the local history for rendering. External
// records without an id that started an exchange take the id of their local
// copy, so they show up once.
func (c *Controller) Messages(external []message.Message) message.History {
	c.mu.Lock()
	local := c.history.Clone()
	ext := message.History(external).Clone()
	for i, m := range ext {
		if m.ID != "" {
			continue
		}
		if id, ok := c.aliases[message.Key(m)]; ok {
			ext[i].ID = id
		}
	}
	c.mu.Unlock()
	return c.merger.Merge(ext, local)
}

// markHandled records a user message under its id and, for copies of
// id-less external messages, under the key of the original. c.mu must be
// held, except during New.
func (c *Controller) markHandled(m message.Message) {
	c.handled[message.Key(m)] = struct{}{}
	if m.ExternalKey != "" {
		c.handled[m.ExternalKey] = struct{}{}
		c.aliases[m.ExternalKey] = m.ID
	}
}

// History returns a copy of the local history.
func (c *Controller) History() message.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Clone()
}

// InFlight reports whether an exchange is running.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// State returns the current FSM state.
func (c *Controller) State(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.fsm.State(ctx)
	if err != nil {
		return StateIdle
	}
	return st.(State)
}

// SessionID returns the conversation's session identifier.
func (c *Controller) SessionID() string {
	return c.sessionID
}
