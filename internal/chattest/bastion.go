package chattest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Bastion is an SSH jump host on 127.0.0.1.  It accepts one password,
// over either password or keyboard-interactive auth, and forwards
// direct-tcpip channels to their target.
type Bastion struct {
	HostKey ssh.PublicKey

	ln       net.Listener
	password string
	config   *ssh.ServerConfig

	mu           sync.Mutex
	conns        []*ssh.ServerConn
	logins       int
	keyboardOnly bool
}

// NewBastion starts a bastion that accepts password.  It stops when the
// test ends.
func NewBastion(t testing.TB, password string) *Bastion {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	b := &Bastion{HostKey: signer.PublicKey(), ln: ln, password: password}
	b.config = &ssh.ServerConfig{
		PasswordCallback:            b.checkPassword,
		KeyboardInteractiveCallback: b.checkChallenge,
	}
	b.config.AddHostKey(signer)

	t.Cleanup(func() {
		ln.Close()
		b.DropAll()
	})
	go b.serve()
	return b
}

// Addr returns the host and port of the bastion.
func (b *Bastion) Addr() (string, int) {
	a := b.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// KnownHostsLine returns a known_hosts entry for this bastion.
func (b *Bastion) KnownHostsLine() string {
	h, p := b.Addr()
	return knownhosts.Line([]string{net.JoinHostPort(h, strconv.Itoa(p))}, b.HostKey)
}

// RequireKeyboardInteractive turns plain password auth off, the way
// many hardened bastions are set up.
func (b *Bastion) RequireKeyboardInteractive() {
	b.mu.Lock()
	b.keyboardOnly = true
	b.mu.Unlock()
}

// Logins returns how many SSH logins succeeded.
func (b *Bastion) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

// DropAll closes every client connection, as a bastion restart would.
func (b *Bastion) DropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (b *Bastion) checkPassword(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	b.mu.Lock()
	keyboardOnly := b.keyboardOnly
	b.mu.Unlock()
	if keyboardOnly || string(pass) != b.password {
		return nil, fmt.Errorf("password rejected for %s", c.User())
	}
	return nil, nil
}

func (b *Bastion) checkChallenge(c ssh.ConnMetadata, ask ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	answers, err := ask("", "", []string{"Password: "}, []bool{false})
	if err != nil {
		return nil, err
	}
	if len(answers) != 1 || answers[0] != b.password {
		return nil, fmt.Errorf("challenge failed for %s", c.User())
	}
	return nil, nil
}

func (b *Bastion) serve() {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.handle(nc)
	}
}

func (b *Bastion) handle(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, b.config)
	if err != nil {
		nc.Close()
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.logins++
	b.mu.Unlock()
	defer conn.Close()

	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "direct-tcpip" {
			nch.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		go forward(nch)
	}
}

// forward connects a direct-tcpip channel to its target.
func forward(nch ssh.NewChannel) {
	var req struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &req); err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	ch, chReqs, err := nch.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(chReqs)
	go func() {
		io.Copy(ch, target) //nolint:errcheck
		ch.Close()
	}()
	go func() {
		io.Copy(target, ch) //nolint:errcheck
		target.Close()
	}()
}
