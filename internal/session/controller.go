package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"exochat/internal/codec"
	"exochat/internal/dispatch"
	ncerr "exochat/internal/errors"
	"exochat/internal/handshake"
	"exochat/internal/metrics"
	"exochat/internal/packet"
	"exochat/internal/transport"
	"exochat/util"
)

// DefaultHandshakeTimeout bounds every read and write until the login
// has been accepted.
const DefaultHandshakeTimeout = 5 * time.Second

var (
	// ErrNetworkLost is the drop reason after HandleNetworkLost.
	ErrNetworkLost = ncerr.New("network lost")

	// ErrEmptyMessage is returned for blank chat and assistant text.
	ErrEmptyMessage = ncerr.New("empty message")
)

// Credentials are the login name and password sent during
// authentication.
type Credentials struct {
	Username string
	Password string
}

// Options configures a [Controller].
type Options struct {
	// Dialer reaches the chat server.  Defaults to a plain TCP dialer.
	Dialer transport.Dialer

	// Presenter receives inbound messages.  May be nil.
	Presenter dispatch.Presenter

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// KeyBits is the local RSA key size; 0 means 2048.
	KeyBits int

	// LenientDecode skips undecryptable chunks instead of dropping the
	// frame.
	LenientDecode bool

	Metrics *metrics.Collector
	Logger  *util.Logger
}

// Controller owns the login lifecycle.  At most one session is live at
// a time.  All methods are safe for concurrent use.
type Controller struct {
	dialer    transport.Dialer
	presenter dispatch.Presenter
	hsTimeout time.Duration
	keyBits   int
	lenient   bool
	metrics   *metrics.Collector
	logger    *util.Logger

	mu            sync.RWMutex
	state         State
	cur           *Session
	cancelAttempt context.CancelFunc

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New returns a disconnected controller.
func New(opts Options) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{Timeout: 10 * time.Second}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Controller{
		dialer:    opts.Dialer,
		presenter: opts.Presenter,
		hsTimeout: opts.HandshakeTimeout,
		keyBits:   opts.KeyBits,
		lenient:   opts.LenientDecode,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("session"),
		listeners: make(map[int]Listener),
	}
}

// ── listeners ────────────────────────────────────────────────────────

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

func (c *Controller) notify(ev Event) {
	c.lmu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if l, ok := c.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	c.lmu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (c *Controller) setState(s State, id string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("%s: %s", id, s)
	c.notify(Event{State: s, SessionID: id})
}

// ── connect ──────────────────────────────────────────────────────────

// Connect dials host:port, swaps keys, logs in and starts the receive
// loop.  It returns once the session is Connected or the attempt has
// failed; failures are returned here and also reported to listeners as
// an Error event followed by Disconnected.  Nothing is retried.
//
// Cancelling ctx aborts a handshake in progress.  It has no effect once
// Connect has returned.
func (c *Controller) Connect(ctx context.Context, creds Credentials, host string, port int) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ncerr.ErrAlreadyConnected
	}
	c.state = Connecting
	c.cancelAttempt = cancel
	c.mu.Unlock()

	id := uuid.NewString()
	addr := util.FormatAddr(host, port)
	c.logger.Info("connecting to %s as %s", addr, creds.Username)
	c.notify(Event{State: Connecting, SessionID: id})

	sess, err := c.establish(attemptCtx, id, creds, addr)
	if err != nil {
		if ctxErr := attemptCtx.Err(); ctxErr != nil && !ncerr.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return c.fail(id, err)
	}

	c.mu.Lock()
	if err := attemptCtx.Err(); err != nil {
		// Disconnect raced with the last handshake step.
		c.mu.Unlock()
		sess.stop()
		return c.fail(id, err)
	}
	c.state = Connected
	c.cur = sess
	c.cancelAttempt = nil
	c.mu.Unlock()

	c.metrics.SessionOpened()
	c.logger.Info("logged in as %s (session %s)", sess.Username, id)
	c.notify(Event{State: Connected, SessionID: id})

	go c.receive(sess)
	return nil
}

func (c *Controller) establish(ctx context.Context, id string, creds Credentials, addr string) (*Session, error) {
	conn, err := transport.Connect(ctx, c.dialer, addr, c.metrics)
	if err != nil {
		return nil, err
	}
	// Closing the conn is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	conn.SetTimeout(c.hsTimeout)

	c.setState(KeyExchange, id)
	keys, err := handshake.ExchangeKeys(conn, c.keyBits)
	if err != nil {
		return nil, err
	}

	c.setState(Authenticating, id)
	if err := handshake.Authenticate(conn, keys.Peer, creds.Username, creds.Password); err != nil {
		return nil, err
	}

	if !stop() {
		return nil, ctx.Err()
	}
	conn.SetTimeout(0)

	sess := &Session{
		ID:       id,
		Username: creds.Username,
		conn:     conn,
		keys:     keys,
		enc:      codec.NewEncoder(conn, keys.Peer),
		dec:      codec.NewDecoder(conn, keys.Local),
		done:     make(chan struct{}),
	}
	sess.dec.Lenient = c.lenient
	sess.dispatcher = dispatch.New(c.presenter, boundSender{c: c, sess: sess}, c.metrics, c.logger)
	ok = true
	return sess, nil
}

func (c *Controller) fail(id string, err error) error {
	c.mu.Lock()
	c.state = Error
	c.cancelAttempt = nil
	c.mu.Unlock()

	c.metrics.LoginFailed()
	c.metrics.RecordError(ncerr.Classify(err), err.Error())
	c.logger.Warn("login failed: %v", err)
	c.notify(Event{State: Error, Err: err, SessionID: id})

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	c.notify(Event{State: Disconnected, Err: err, SessionID: id})
	return err
}

// ── receive loop ─────────────────────────────────────────────────────

func (c *Controller) receive(sess *Session) {
	defer close(sess.done)
	for {
		p, err := sess.dec.ReadPacket()
		if err != nil {
			if codec.IsCorruptFrame(err) {
				c.metrics.CorruptFrame()
				c.metrics.RecordError(ncerr.Classify(err), err.Error())
				c.logger.Warn("dropped frame: %v", err)
				continue
			}
			if c.teardown(sess, err) {
				if util.IsHarmless(err) {
					c.logger.Info("server closed the connection")
				} else {
					c.logger.Warn("connection to server lost: %v", err)
				}
			}
			return
		}
		c.metrics.FrameReceived()
		if err := sess.dispatcher.HandlePacket(p); err != nil {
			c.logger.Debug("packet dropped: %v", err)
		}
	}
}

// teardown ends sess if it is still the live session.  A nil reason
// means the user asked for it.  It reports whether sess was live.
func (c *Controller) teardown(sess *Session, reason error) bool {
	c.mu.Lock()
	if c.cur != sess {
		c.mu.Unlock()
		return false
	}
	c.cur = nil
	c.state = Disconnected
	c.mu.Unlock()

	sess.stop()
	sess.dispatcher.Reset()
	c.metrics.SessionClosed()
	if reason != nil {
		c.metrics.RecordError(ncerr.Classify(reason), reason.Error())
	}
	c.logger.Info("disconnected from server")
	c.notify(Event{State: Disconnected, Err: reason, Terminal: reason != nil, SessionID: sess.ID})
	return true
}

// ── disconnect ───────────────────────────────────────────────────────

// Disconnect ends the current session or aborts a login in progress.
// It is idempotent: with nothing to end it returns nil and emits no
// event.  It does not wait for the receive loop; see [Controller.Wait].
func (c *Controller) Disconnect() error {
	c.end(nil)
	return nil
}

// HandleNetworkLost is the hook for an OS connectivity signal.  It
// forces the session down even while the receive loop is blocked in a
// read, and listeners see a terminal Disconnected event.
func (c *Controller) HandleNetworkLost() {
	c.logger.Warn("network lost")
	c.end(ErrNetworkLost)
}

func (c *Controller) end(reason error) {
	c.mu.Lock()
	if c.cancelAttempt != nil {
		// Cancelled under the lock so Connect cannot publish the
		// session after this point.
		c.cancelAttempt()
		c.mu.Unlock()
		return
	}
	sess := c.cur
	c.mu.Unlock()

	if sess != nil {
		c.teardown(sess, reason)
	}
}

// Wait blocks until the receive loop of the current session has exited.
// It returns immediately when no session is live.
func (c *Controller) Wait() {
	c.mu.RLock()
	sess := c.cur
	c.mu.RUnlock()
	if sess != nil {
		<-sess.done
	}
}

// Flush blocks until every asynchronous send of the current session
// has finished.
func (c *Controller) Flush() {
	c.mu.RLock()
	sess := c.cur
	c.mu.RUnlock()
	if sess != nil {
		sess.flush()
	}
}

// ── send ─────────────────────────────────────────────────────────────

func (c *Controller) current() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil, ncerr.ErrNotConnected
	}
	return c.cur, nil
}

// SendPacket queues p for sending on its own goroutine and returns
// immediately.  Frames from concurrent sends never interleave.  A write
// failure that breaks the stream ends the session; listeners see it.
func (c *Controller) SendPacket(p []byte) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	return c.sendAsync(sess, p)
}

// SendPacketSync sends p and waits for the write to finish.
func (c *Controller) SendPacketSync(p []byte) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	return c.write(sess, p)
}

func (c *Controller) sendAsync(sess *Session, p []byte) error {
	sess.track()
	go func() {
		defer sess.sends.Done()
		c.write(sess, p) //nolint:errcheck
	}()
	return nil
}

func (c *Controller) write(sess *Session, p []byte) error {
	c.logger.Debug("sending %d byte packet", len(p))
	err := sess.enc.WritePacket(p)
	if err == nil {
		c.metrics.FrameSent()
		return nil
	}

	var ie *ncerr.IoError
	if ncerr.As(err, &ie) {
		if c.teardown(sess, err) {
			c.logger.Warn("connection lost while sending: %v", err)
		}
		return err
	}
	c.metrics.RecordError(ncerr.Classify(err), err.Error())
	c.logger.Warn("send failed: %v", err)
	return err
}

// SendChat sends text to a user, or to everyone when to is empty or
// the general channel.
func (c *Controller) SendChat(to, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return c.SendPacket(packet.NewChat(to, text))
}

// SendImage sends raw image bytes to a user or the general channel.
func (c *Controller) SendImage(img []byte, to string) error {
	return c.SendPacket(packet.NewImage(img, to))
}

// SendAI sends a prompt to the assistant.
func (c *Controller) SendAI(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return c.SendPacket(packet.NewAI(text))
}

// ── accessors ────────────────────────────────────────────────────────

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Username returns the logged-in user, or "" when disconnected.
func (c *Controller) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.Username
}

// SessionID returns the id of the live session, or "".
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.ID
}

// OnlineUsers returns the last presence list of the live session.
func (c *Controller) OnlineUsers() []string {
	c.mu.RLock()
	sess := c.cur
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.dispatcher.OnlineUsers()
}
