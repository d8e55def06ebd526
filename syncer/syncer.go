// Package syncer drives the mailbox connection and hands every new message
// to the pipeline exactly once, in ascending UID order.
//
// The driver is an explicit state machine:
//
//	Disconnected -> Seeding          first connection
//	Disconnected -> ProcessingRange  after a reconnect (catch-up)
//	Seeding      -> Idle
//	Idle         -> ProcessingRange  mailbox change notification
//	ProcessingRange -> Idle
//	any connected state -> Disconnected on connection loss
//
// A single goroutine runs the machine, so at most one range fetch is in
// flight. Notifications that arrive while a range is being processed
// coalesce into one pending slot and trigger exactly one follow-up cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dhcgn/inbox-payout/metrics"
	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/state"
)

var (
	// ErrReconnectFailed is returned when the connection was lost and the
	// immediate reconnect did not succeed. Run may be called again; the
	// cursor is kept.
	ErrReconnectFailed = errors.New("mailbox reconnect failed")

	// ErrUIDValidityChanged means the server renumbered the mailbox. The
	// cursor is meaningless under the new UIDVALIDITY.
	ErrUIDValidityChanged = errors.New("mailbox UIDVALIDITY changed")
)

type State int

const (
	StateDisconnected State = iota
	StateSeeding
	StateIdle
	StateProcessingRange
)

var stateNames = []string{"disconnected", "seeding", "idle", "processing_range"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MailboxStatus is what the server reports when the mailbox is opened.
type MailboxStatus struct {
	UIDNext     uint32
	UIDValidity uint32
}

// Session is one authenticated connection with the watched mailbox open.
type Session interface {
	Open(ctx context.Context) (MailboxStatus, error)
	UnseenUIDs(ctx context.Context) ([]uint32, error)
	FetchUIDs(ctx context.Context, uids []uint32) ([]model.InboundMessage, error)
	// FetchAfter returns the messages with UID greater than after.
	FetchAfter(ctx context.Context, after uint32) ([]model.InboundMessage, error)
	UIDNext(ctx context.Context) (uint32, error)
	// Wait blocks until the mailbox reports a change in its message count.
	// It returns an error once the connection is closed.
	Wait(ctx context.Context) error
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

type Handler interface {
	Handle(ctx context.Context, msg model.InboundMessage) model.PayoutResult
}

type HandlerFunc func(ctx context.Context, msg model.InboundMessage) model.PayoutResult

func (f HandlerFunc) Handle(ctx context.Context, msg model.InboundMessage) model.PayoutResult {
	return f(ctx, msg)
}

type Options struct {
	// OnOpen is called after every successful (re)open of the mailbox.
	OnOpen func(MailboxStatus)
}

type Syncer struct {
	dial    Dialer
	handler Handler
	cursor  *state.Cursor
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	state State

	session      Session
	status       MailboxStatus
	seeded       bool
	reconnecting bool
}

func New(dial Dialer, handler Handler, cursor *state.Cursor, opts Options, logger *slog.Logger) *Syncer {
	if cursor == nil {
		cursor = state.NewCursor()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Syncer{
		dial:    dial,
		handler: handler,
		cursor:  cursor,
		opts:    opts,
		logger:  logger,
		state:   StateDisconnected,
	}
}

func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the cursor the syncer advances.
func (s *Syncer) Cursor() *state.Cursor {
	return s.cursor
}

// Run drives the state machine until ctx is cancelled or the connection is
// lost for good. It can be called again after ErrReconnectFailed and resumes
// from the cursor without seeding.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.disconnect()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			return err
		}
	}
}

// step performs exactly one state transition.
func (s *Syncer) step(ctx context.Context) error {
	switch s.State() {
	case StateDisconnected:
		return s.connect(ctx)

	case StateSeeding:
		if err := s.seed(ctx); err != nil {
			return s.connectionLost(ctx, err)
		}
		s.setState(StateIdle)
		return nil

	case StateIdle:
		if err := s.session.Wait(ctx); err != nil {
			return s.connectionLost(ctx, err)
		}
		s.setState(StateProcessingRange)
		return nil

	case StateProcessingRange:
		if err := s.processRange(ctx); err != nil {
			return s.connectionLost(ctx, err)
		}
		s.setState(StateIdle)
		return nil
	}

	return fmt.Errorf("unknown sync state %s", s.State())
}

func (s *Syncer) connect(ctx context.Context) error {
	session, status, err := s.open(ctx)
	if err != nil {
		if s.reconnecting {
			metrics.Reconnects.WithLabelValues("failed").Inc()
			s.logger.Error("mailbox reconnect failed", "cursor", s.cursor.Value(), "err", err)
			return fmt.Errorf("%w: %w", ErrReconnectFailed, err)
		}
		return fmt.Errorf("connect mailbox: %w", err)
	}

	if !s.cursor.Bind(status.UIDValidity) {
		_ = session.Close()
		return fmt.Errorf("%w: cursor bound to %d, server reports %d", ErrUIDValidityChanged, s.cursor.UIDValidity(), status.UIDValidity)
	}

	if s.reconnecting {
		metrics.Reconnects.WithLabelValues("ok").Inc()
		s.logger.Info("mailbox reconnected", "cursor", s.cursor.Value(), "uidNext", status.UIDNext)
	}
	s.reconnecting = false
	s.session = session
	s.status = status

	if s.opts.OnOpen != nil {
		s.opts.OnOpen(status)
	}

	if s.seeded {
		// Catch up on anything that arrived while disconnected.
		s.setState(StateProcessingRange)
	} else {
		s.setState(StateSeeding)
	}
	return nil
}

func (s *Syncer) open(ctx context.Context) (Session, MailboxStatus, error) {
	session, err := s.dial(ctx)
	if err != nil {
		return nil, MailboxStatus{}, err
	}
	status, err := session.Open(ctx)
	if err != nil {
		_ = session.Close()
		return nil, MailboxStatus{}, err
	}
	return session, status, nil
}

// seed handles the unread backlog and then moves the cursor to UIDNEXT-1 so
// messages that are already read are never replayed.
func (s *Syncer) seed(ctx context.Context) error {
	uids, err := s.session.UnseenUIDs(ctx)
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}

	after := s.cursor.Value()
	uids = slices.DeleteFunc(slices.Clone(uids), func(uid uint32) bool { return uid <= after })
	slices.Sort(uids)

	s.logger.Info("seeding mailbox", "unseen", len(uids), "uidNext", s.status.UIDNext, "uidValidity", s.status.UIDValidity)

	if len(uids) > 0 {
		msgs, err := s.session.FetchUIDs(ctx, uids)
		if err != nil {
			return fmt.Errorf("fetch unseen: %w", err)
		}
		if err := s.emit(ctx, after, msgs); err != nil {
			return err
		}
	}

	if s.status.UIDNext > 0 {
		s.advance(s.status.UIDNext - 1)
	}
	s.seeded = true
	s.logger.Info("mailbox seeded", "cursor", s.cursor.Value())
	return nil
}

// processRange fetches (cursor, *] and hands each message over in order.
// UIDNEXT is read before the fetch, so an empty result can only mean that
// nothing below UIDNEXT is left to handle.
func (s *Syncer) processRange(ctx context.Context) error {
	uidNext, err := s.session.UIDNext(ctx)
	if err != nil {
		return fmt.Errorf("read uidnext: %w", err)
	}

	after := s.cursor.Value()
	msgs, err := s.session.FetchAfter(ctx, after)
	if err != nil {
		return fmt.Errorf("fetch range (%d, *]: %w", after, err)
	}

	handled := 0
	for _, msg := range msgs {
		if msg.ID > after {
			handled++
		}
	}
	if handled == 0 {
		if uidNext > 0 && s.advance(uidNext-1) {
			s.logger.Debug("cursor advanced without messages", "cursor", s.cursor.Value())
		}
		return nil
	}

	s.logger.Debug("processing range", "after", after, "messages", handled)
	return s.emit(ctx, after, msgs)
}

// emit hands msgs with UID above after to the handler in ascending order and
// advances the cursor after each one. A message that has started is always
// finished, even if ctx is cancelled meanwhile.
func (s *Syncer) emit(ctx context.Context, after uint32, msgs []model.InboundMessage) error {
	msgs = slices.Clone(msgs)
	slices.SortFunc(msgs, func(a, b model.InboundMessage) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	handlerCtx := context.WithoutCancel(ctx)
	for _, msg := range msgs {
		if msg.ID <= after || msg.ID <= s.cursor.Value() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.handler.Handle(handlerCtx, msg)
		s.advance(msg.ID)
	}
	return nil
}

func (s *Syncer) advance(uid uint32) bool {
	moved := s.cursor.Advance(uid)
	if moved {
		metrics.CursorUID.Set(float64(s.cursor.Value()))
	}
	return moved
}

// connectionLost tears the session down so the next step reconnects. Errors
// that are not about the connection are returned unchanged.
func (s *Syncer) connectionLost(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Warn("mailbox connection lost", "state", s.State().String(), "cursor", s.cursor.Value(), "err", err)
	s.disconnect()
	s.reconnecting = true
	return nil
}

func (s *Syncer) disconnect() {
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.logger.Debug("mailbox session close", "err", err)
		}
		s.session = nil
	}
	s.setState(StateDisconnected)
}

func (s *Syncer) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		metrics.SetSyncState(next.String(), stateNames)
		s.logger.Debug("sync state", "from", prev.String(), "to", next.String())
	}
}
