package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/syncer"
)

// IdleRefresh is how long a single IDLE command is kept open. Servers drop
// idle clients after 30 minutes.
const IdleRefresh = 25 * time.Minute

var ErrSessionClosed = errors.New("imap session closed")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	IdleRefresh        time.Duration
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

func (o Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	if o.Username == "" || o.Password == "" {
		return fmt.Errorf("imap credentials are missing")
	}
	return nil
}

// NewDialer returns a syncer.Dialer that opens authenticated sessions.
func NewDialer(opts Options, logger *slog.Logger) (syncer.Dialer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.IdleRefresh <= 0 {
		opts.IdleRefresh = IdleRefresh
	}
	return func(ctx context.Context) (syncer.Session, error) {
		return dial(ctx, opts, logger)
	}, nil
}

// Session is one logged-in connection. Commands are issued by a single
// goroutine; only the unilateral data handler runs concurrently.
type Session struct {
	opts      Options
	client    *imapclient.Client
	notify    chan struct{}
	stopClose func() bool
	logger    *slog.Logger
}

var _ syncer.Session = (*Session)(nil)

func dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	s := &Session{
		opts:   opts,
		notify: make(chan struct{}, 1),
		logger: logger,
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.signal()
				}
			},
		},
	}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.client = client
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", opts.mailbox(), "tls", opts.UseTLS)
	}
	return s, nil
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) Open(context.Context) (syncer.MailboxStatus, error) {
	data, err := s.client.Select(s.opts.mailbox(), nil).Wait()
	if err != nil {
		return syncer.MailboxStatus{}, fmt.Errorf("select %s: %w", s.opts.mailbox(), err)
	}
	if s.logger != nil {
		s.logger.Info("mailbox selected", "mailbox", s.opts.mailbox(), "messages", data.NumMessages, "uidNext", data.UIDNext, "uidValidity", data.UIDValidity)
	}
	return syncer.MailboxStatus{
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

func (s *Session) UnseenUIDs(context.Context) ([]uint32, error) {
	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search unseen: %w", err)
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *Session) FetchUIDs(ctx context.Context, uids []uint32) ([]model.InboundMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}
	return s.fetch(ctx, imapv2.UIDSetNum(set...))
}

// FetchAfter fetches (after, *]. Servers answer n:* with the last message
// when n is past the end, so UIDs at or below after are dropped.
func (s *Session) FetchAfter(ctx context.Context, after uint32) ([]model.InboundMessage, error) {
	set := imapv2.UIDSet{imapv2.UIDRange{Start: imapv2.UID(after + 1), Stop: 0}}
	msgs, err := s.fetch(ctx, set)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(msgs, func(msg model.InboundMessage) bool {
		return msg.ID <= after
	}), nil
}

// fetch streams the full bodies without touching the \Seen flag. A message
// that fails to parse is still returned with its UID so the cursor moves past
// it.
func (s *Session) fetch(ctx context.Context, set imapv2.UIDSet) ([]model.InboundMessage, error) {
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{{Peek: true}},
	}
	cmd := s.client.Fetch(set, options)

	var msgs []model.InboundMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}

		var (
			uid uint32
			raw []byte
		)
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch item := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(item.UID)
			case imapclient.FetchItemDataBodySection:
				data, err := io.ReadAll(item.Literal)
				if err != nil {
					_ = cmd.Close()
					return nil, fmt.Errorf("read message body: %w", err)
				}
				raw = data
			}
		}
		if uid == 0 {
			continue
		}

		parsed, err := ParseMessage(uid, raw)
		if err != nil && s.logger != nil {
			s.logger.Warn("message parse failed", "uid", uid, "err", err)
		}
		parsed.ID = uid
		msgs = append(msgs, parsed)
	}

	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Session) UIDNext(context.Context) (uint32, error) {
	data, err := s.client.Status(s.opts.mailbox(), &imapv2.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("status %s: %w", s.opts.mailbox(), err)
	}
	return uint32(data.UIDNext), nil
}

// Wait idles until the server reports a new message count. IDLE is restarted
// every IdleRefresh to keep the connection alive. The IDLE command only ends
// on its own when the connection is gone, which Wait reports as
// ErrSessionClosed.
func (s *Session) Wait(ctx context.Context) error {
	for {
		select {
		case <-s.notify:
			return nil
		default:
		}

		idle, err := s.client.Idle()
		if err != nil {
			return fmt.Errorf("start idle: %w", err)
		}
		done := make(chan error, 1)
		go func() {
			done <- idle.Wait()
		}()

		timer := time.NewTimer(s.opts.IdleRefresh)
		var result error
		refresh := false
		select {
		case <-ctx.Done():
			result = ctx.Err()
		case err := <-done:
			timer.Stop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSessionClosed, err)
			}
			return ErrSessionClosed
		case <-s.notify:
		case <-timer.C:
			refresh = true
		}
		timer.Stop()

		if result != nil {
			_ = idle.Close()
			return result
		}
		if err := idle.Close(); err != nil {
			return fmt.Errorf("stop idle: %w", err)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("idle: %w", err)
		}
		if !refresh {
			return nil
		}
		if s.logger != nil {
			s.logger.Debug("idle refreshed", "mailbox", s.opts.mailbox())
		}
	}
}

// Close logs out if the connection is still up and releases it.
func (s *Session) Close() error {
	s.stopClose()
	if s.client.State() != imapv2.ConnStateLogout {
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Debug("imap logout failed", "err", err)
		}
	}
	return s.client.Close()
}
