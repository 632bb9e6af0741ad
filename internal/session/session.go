// Package session drives one login at a time against the chat server:
// dial, key exchange, authentication, the receive loop and teardown.
package session

import (
	"sync"

	"exochat/internal/codec"
	"exochat/internal/dispatch"
	"exochat/internal/handshake"
	"exochat/internal/transport"
)

// Session is the state of one authenticated connection.  It is created
// by [Controller.Connect] and discarded when the connection ends; a new
// login always gets a fresh Session with fresh keys.
type Session struct {
	ID       string
	Username string

	conn       *transport.Conn
	keys       *handshake.Keys
	enc        *codec.Encoder
	dec        *codec.Decoder
	dispatcher *dispatch.Dispatcher

	done     chan struct{} // closed when the receive loop exits
	stopOnce sync.Once

	// sendMu orders sends.Add against sends.Wait: a heartbeat reply
	// queued by the receive loop must not start a new round while
	// flush is waiting on the previous one.
	sendMu sync.Mutex
	sends  sync.WaitGroup
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { s.conn.Close() })
}

// track registers one asynchronous send.  It blocks while a flush is
// in progress.
func (s *Session) track() {
	s.sendMu.Lock()
	s.sends.Add(1)
	s.sendMu.Unlock()
}

// flush waits for every tracked send to finish.
func (s *Session) flush() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.sends.Wait()
}

// boundSender sends on behalf of one session only, so a reply queued
// by an old session never reaches a newer one.
type boundSender struct {
	c    *Controller
	sess *Session
}

func (b boundSender) SendPacket(p []byte) error {
	return b.c.sendAsync(b.sess, p)
}
