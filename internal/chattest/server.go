// Package chattest provides an in-process chat server for tests.  It
// speaks the server side of the handshake and frame protocol over a
// loopback listener.
package chattest

import (
	"crypto/rsa"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"exochat/internal/codec"
	"exochat/internal/crypto"
	ncerr "exochat/internal/errors"
	"exochat/internal/transport"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a server key pair shared by every test in the binary.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { key, keyErr = crypto.GenerateKeyPair(0) })
	if keyErr != nil {
		t.Fatalf("generating server key: %v", keyErr)
	}
	return key
}

// Server accepts client connections and completes the handshake with
// each of them.
type Server struct {
	// Check returns the response code for a login.  The default
	// accepts everyone.
	Check func(user, pass string) ncerr.AuthCode

	// Script, when set, replaces the whole server side of a
	// connection.  The conn is closed when it returns.
	Script func(c *transport.Conn)

	ln    net.Listener
	key   *rsa.PrivateKey
	peers chan *Peer
	t     testing.TB
}

// NewServer starts a server on 127.0.0.1.  It stops when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{ln: ln, key: Key(t), peers: make(chan *Peer, 8), t: t}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

// Addr returns the host and port clients should connect to.
func (s *Server) Addr() (string, int) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// HostPort returns the listener address as host:port.
func (s *Server) HostPort() string {
	h, p := s.Addr()
	return net.JoinHostPort(h, strconv.Itoa(p))
}

// Accept waits for the next client that logged in successfully.
func (s *Server) Accept() *Peer {
	s.t.Helper()
	select {
	case p := <-s.peers:
		return p
	case <-time.After(10 * time.Second):
		s.t.Fatal("no client logged in")
		return nil
	}
}

func (s *Server) serve() {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(transport.NewConn(raw, nil))
	}
}

func (s *Server) handle(c *transport.Conn) {
	if s.Script != nil {
		defer c.Close()
		s.Script(c)
		return
	}

	p, err := s.handshake(c)
	if err != nil || p == nil {
		c.Close()
		return
	}
	s.peers <- p
}

func (s *Server) handshake(c *transport.Conn) (*Peer, error) {
	der, err := crypto.MarshalPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := c.WriteSegment(der); err != nil {
		return nil, err
	}
	seg, err := c.ReadSegment()
	if err != nil {
		return nil, err
	}
	clientKey, err := crypto.ParsePublicKey(seg)
	if err != nil {
		return nil, err
	}

	var creds [2]string
	for i := range creds {
		seg, err := c.ReadSegment()
		if err != nil {
			return nil, err
		}
		pt, err := crypto.Decrypt(s.key, seg)
		if err != nil {
			return nil, err
		}
		creds[i] = string(pt)
	}

	code := ncerr.AuthSuccess
	if s.Check != nil {
		code = s.Check(creds[0], creds[1])
	}
	if err := c.WriteInt32(int32(code)); err != nil {
		return nil, err
	}
	if code != ncerr.AuthSuccess {
		return nil, nil
	}

	return &Peer{
		Conn:      c,
		Username:  creds[0],
		Password:  creds[1],
		ClientKey: clientKey,
		enc:       codec.NewEncoder(c, clientKey),
		dec:       codec.NewDecoder(c, s.key),
	}, nil
}

// Peer is the server's end of one logged-in client.
type Peer struct {
	Conn      *transport.Conn
	Username  string
	Password  string
	ClientKey *rsa.PublicKey

	enc *codec.Encoder
	dec *codec.Decoder
}

// Send writes packet to the client as one frame.
func (p *Peer) Send(packet []byte) error { return p.enc.WritePacket(packet) }

// Recv reads the next packet from the client.
func (p *Peer) Recv() ([]byte, error) { return p.dec.ReadPacket() }

// RecvTimeout reads the next packet, giving up after d.
func (p *Peer) RecvTimeout(d time.Duration) ([]byte, error) {
	p.Conn.SetTimeout(d)
	defer p.Conn.SetTimeout(0)
	return p.dec.ReadPacket()
}

// Close drops the client connection.
func (p *Peer) Close() error { return p.Conn.Close() }
