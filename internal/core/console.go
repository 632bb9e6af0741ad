package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"exochat/internal/codec"
	"exochat/internal/packet"
)

// chatClient is the part of *session.Controller the console drives.
type chatClient interface {
	SendChat(to, text string) error
	SendImage(img []byte, to string) error
	SendAI(text string) error
	OnlineUsers() []string
	Username() string
}

const helpText = `commands:
  /msg <user> <text>          private message
  /img <user|general> <path>  send an image file
  /ai <text>                  ask the assistant
  /users                      who is online, with unread counts
  /focus <channel>            switch channel (general, AI or a user)
  /quit                       log out
anything else is sent to the focused channel`

// console prints inbound traffic and turns typed lines into sends.  It
// implements dispatch.Presenter.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	focus  string
	unread map[string]int

	// readFile loads /img attachments; tests replace it.
	readFile func(string) ([]byte, error)
}

func newConsole(out io.Writer) *console {
	return &console{
		out:      out,
		focus:    packet.GeneralChannel,
		unread:   make(map[string]int),
		readFile: os.ReadFile,
	}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// ── dispatch.Presenter ───────────────────────────────────────────────

func (c *console) OnUserList(users []string) {
	c.printf("[online] %s", strings.Join(users, ", "))
}

func (c *console) OnChat(m packet.Message) {
	c.deliver(m.Channel(), fmt.Sprintf("%s: %s", m.Sender, printable(m.Body)))
}

func (c *console) OnImage(m packet.Message) {
	c.deliver(m.Channel(), fmt.Sprintf("%s sent an image (%d bytes)", m.Sender, len(m.Body)))
}

func (c *console) OnAI(m packet.AIMessage) {
	c.deliver(packet.AIChannel, fmt.Sprintf("assistant: %s", m.Text))
}

// deliver prints line in full when channel has focus.  Otherwise it
// announces the message and counts it as unread.
func (c *console) deliver(channel, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel == c.focus {
		fmt.Fprintf(c.out, "[%s] %s\n", channel, line)
		return
	}
	c.unread[channel]++
	fmt.Fprintf(c.out, "[notify] %s: %s\n", channel, line)
}

// printable renders a chat body as text, replacing invalid UTF-8.
func printable(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// ── commands ─────────────────────────────────────────────────────────

// handle executes one typed line.  It reports true when the user asked
// to quit.  Failures are printed, never returned: a bad command must
// not end the session.
func (c *console) handle(cl chatClient, line string) (quit bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.sendFocused(cl, line))
		return false
	}

	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s", helpText)
	case "/msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || to == "" {
			c.printf("usage: /msg <user> <text>")
			return false
		}
		c.report(cl.SendChat(to, text))
	case "/img":
		to, path, ok := strings.Cut(rest, " ")
		if !ok || to == "" || strings.TrimSpace(path) == "" {
			c.printf("usage: /img <user|general> <path>")
			return false
		}
		c.report(c.sendImage(cl, to, strings.TrimSpace(path)))
	case "/ai":
		c.report(cl.SendAI(rest))
	case "/users":
		c.listUsers(cl)
	case "/focus":
		if rest == "" {
			c.printf("usage: /focus <channel>")
			return false
		}
		c.setFocus(rest)
	default:
		c.printf("unknown command %q; type /help", cmd)
	}
	return false
}

func (c *console) sendFocused(cl chatClient, text string) error {
	c.mu.Lock()
	focus := c.focus
	c.mu.Unlock()
	if focus == packet.AIChannel {
		return cl.SendAI(text)
	}
	return cl.SendChat(focus, text)
}

func (c *console) sendImage(cl chatClient, to, path string) error {
	img, err := c.readFile(path)
	if err != nil {
		return err
	}
	// Leave room for the type, flag and recipient fields.
	if limit := codec.MaxPacketSize - 2 - packet.NameFieldSize; len(img) > limit {
		return fmt.Errorf("%s is %d bytes, the limit is %d", path, len(img), limit)
	}
	if err := cl.SendImage(img, to); err != nil {
		return err
	}
	c.printf("sent %s (%d bytes) to %s", path, len(img), to)
	return nil
}

func (c *console) listUsers(cl chatClient) {
	users := cl.OnlineUsers()
	self := cl.Username()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(users) == 0 {
		fmt.Fprintln(c.out, "nobody is online")
	}
	for _, u := range users {
		mark := ""
		if u == self {
			mark = " (you)"
		}
		if n := c.unread[u]; n > 0 {
			mark += fmt.Sprintf(" [%d unread]", n)
		}
		fmt.Fprintf(c.out, "  %s%s\n", u, mark)
	}
	var others []string
	for ch, n := range c.unread {
		if n > 0 && (ch == packet.GeneralChannel || ch == packet.AIChannel) {
			others = append(others, fmt.Sprintf("%s: %d", ch, n))
		}
	}
	sort.Strings(others)
	if len(others) > 0 {
		fmt.Fprintf(c.out, "unread: %s\n", strings.Join(others, ", "))
	}
}

func (c *console) setFocus(channel string) {
	if strings.EqualFold(channel, packet.GeneralChannel) {
		channel = packet.GeneralChannel
	} else if strings.EqualFold(channel, packet.AIChannel) {
		channel = packet.AIChannel
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.focus = channel
	n := c.unread[channel]
	delete(c.unread, channel)
	fmt.Fprintf(c.out, "now chatting in %s", channel)
	if n > 0 {
		fmt.Fprintf(c.out, " (%d unread)", n)
	}
	fmt.Fprintln(c.out)
}

func (c *console) report(err error) {
	if err == nil {
		return
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		c.printf("error: cannot read %s: %v", pe.Path, pe.Err)
		return
	}
	c.printf("error: %v", err)
}
