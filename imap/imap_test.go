package imap

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/state"
	"github.com/dhcgn/inbox-payout/syncer"
)

const (
	testUser     = "payouts@example.com"
	testPassword = "secret"
)

// wireLog collects the raw server traffic so tests can wait for a command to
// reach the server.
type wireLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wireLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wireLog) Contains(s string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Contains(w.buf.String(), s)
}

type testServer struct {
	user *imapmemserver.User
	srv  *imapserver.Server
	wire *wireLog
	opts Options
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	wire := &wireLog{}
	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Logger:       log.New(io.Discard, "", 0),
		DebugWriter:  wire,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	addr := ln.Addr().(*net.TCPAddr)
	return &testServer{
		user: user,
		srv:  srv,
		wire: wire,
		opts: Options{
			Host:        addr.IP.String(),
			Port:        addr.Port,
			Username:    testUser,
			Password:    testPassword,
			IdleRefresh: time.Minute,
		},
	}
}

func (ts *testServer) deliver(t *testing.T, subject string, flags ...imapv2.Flag) uint32 {
	t.Helper()
	raw := crlf("From: avisos@banco.example\nTo: " + testUser + "\nSubject: " + subject + "\nContent-Type: text/plain; charset=utf-8\n\nMonto: $20.00\n")
	data, err := ts.user.Append("INBOX", bytes.NewReader(raw), &imapv2.AppendOptions{Flags: flags})
	require.NoError(t, err)
	return uint32(data.UID)
}

func (ts *testServer) open(t *testing.T, ctx context.Context) (*Session, syncer.MailboxStatus) {
	t.Helper()
	session, err := dial(ctx, ts.opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close()
	})
	status, err := session.Open(ctx)
	require.NoError(t, err)
	return session, status
}

func waitAsync(ctx context.Context, session *Session) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait(ctx)
	}()
	return done
}

func receive(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
		return nil
	}
}

func ids(msgs []model.InboundMessage) []uint32 {
	out := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.ID)
	}
	return out
}

func TestSession_OpenReportsStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.deliver(t, "uno")
	ts.deliver(t, "dos")

	_, status := ts.open(t, context.Background())
	assert.Equal(t, uint32(3), status.UIDNext)
	assert.NotZero(t, status.UIDValidity)
}

func TestSession_UnseenUIDsAndFetch(t *testing.T) {
	ts := newTestServer(t)
	ts.deliver(t, "read", imapv2.FlagSeen)
	ts.deliver(t, "Recibiste un pago")
	ts.deliver(t, "read too", imapv2.FlagSeen)
	ts.deliver(t, "Otro pago")

	ctx := context.Background()
	session, _ := ts.open(t, ctx)

	uids, err := session.UnseenUIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{2, 4}, uids)

	msgs, err := session.FetchUIDs(ctx, uids)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []uint32{2, 4}, ids(msgs))
	for _, msg := range msgs {
		assert.Contains(t, msg.BodyText, "Monto: $20.00")
	}

	// Fetching uses BODY.PEEK, so nothing was marked read.
	again, err := session.UnseenUIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{2, 4}, again)
}

func TestSession_FetchAfter(t *testing.T) {
	ts := newTestServer(t)
	ts.deliver(t, "uno")
	ts.deliver(t, "dos")
	ts.deliver(t, "tres")

	ctx := context.Background()
	session, _ := ts.open(t, ctx)

	msgs, err := session.FetchAfter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, ids(msgs))
	assert.Equal(t, "dos", msgs[0].Subject)

	// 4:* matches the last message on the server; it must not come back.
	msgs, err = session.FetchAfter(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	uidNext, err := session.UIDNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), uidNext)
}

func TestSession_WaitReturnsOnNewMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.deliver(t, "uno")

	ctx := context.Background()
	session, _ := ts.open(t, ctx)

	done := waitAsync(ctx, session)
	require.Eventually(t, func() bool { return ts.wire.Contains("+ idling") }, 5*time.Second, 10*time.Millisecond)
	ts.deliver(t, "dos")

	require.NoError(t, receive(t, done))

	// The session is usable again once IDLE has ended.
	msgs, err := session.FetchAfter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, ids(msgs))
}

func TestSession_WaitSurvivesIdleRefresh(t *testing.T) {
	ts := newTestServer(t)
	ts.opts.IdleRefresh = 20 * time.Millisecond

	ctx := context.Background()
	session, _ := ts.open(t, ctx)

	done := waitAsync(ctx, session)
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Wait returned before any change: %v", err)
	default:
	}

	ts.deliver(t, "uno")
	require.NoError(t, receive(t, done))
}

func TestSession_WaitReportsDroppedConnection(t *testing.T) {
	ts := newTestServer(t)

	ctx := context.Background()
	session, _ := ts.open(t, ctx)

	done := waitAsync(ctx, session)
	require.Eventually(t, func() bool { return ts.wire.Contains("+ idling") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ts.srv.Close())

	err := receive(t, done)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, imapv2.ConnStateLogout, session.client.State())
	assert.NoError(t, session.Close())
}

func TestSession_WaitHonoursContext(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	session, _ := ts.open(t, ctx)

	done := waitAsync(ctx, session)
	require.Eventually(t, func() bool { return ts.wire.Contains("+ idling") }, 5*time.Second, 10*time.Millisecond)
	cancel()

	assert.ErrorIs(t, receive(t, done), context.Canceled)
}

func TestDialer_LoginFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.opts.Password = "wrong"

	dialer, err := NewDialer(ts.opts, nil)
	require.NoError(t, err)
	_, err = dialer(context.Background())
	assert.ErrorContains(t, err, "imap login failed")
}

type recorder struct {
	got chan uint32
}

func (r recorder) Handle(_ context.Context, msg model.InboundMessage) model.PayoutResult {
	r.got <- msg.ID
	return model.Skipped("recorded")
}

func next(t *testing.T, got <-chan uint32) uint32 {
	t.Helper()
	select {
	case uid := <-got:
		return uid
	case <-time.After(5 * time.Second):
		t.Fatal("no message handed over")
		return 0
	}
}

func TestSyncer_AgainstServer(t *testing.T) {
	ts := newTestServer(t)
	ts.deliver(t, "Recibiste un pago")
	ts.deliver(t, "old news", imapv2.FlagSeen)

	dialer, err := NewDialer(ts.opts, nil)
	require.NoError(t, err)

	rec := recorder{got: make(chan uint32, 8)}
	cursor := state.NewCursor()
	s := syncer.New(dialer, rec, cursor, syncer.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	assert.Equal(t, uint32(1), next(t, rec.got))
	require.Eventually(t, func() bool { return s.State() == syncer.StateIdle && cursor.Value() == 2 }, 5*time.Second, 10*time.Millisecond)

	uid := ts.deliver(t, "Otro pago")
	assert.Equal(t, uid, next(t, rec.got))
	require.Eventually(t, func() bool { return cursor.Value() == uid }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Empty(t, rec.got)
}
