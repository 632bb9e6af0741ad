// Package packet defines the decoded application messages carried in a
// frame: a one-byte type followed by a type-specific body.
package packet

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	ncerr "exochat/internal/errors"
)

// Type is the first byte of every packet.
type Type byte

const (
	UserList  Type = 0
	Chat      Type = 1
	Image     Type = 3
	AI        Type = 9
	Heartbeat Type = 10
)

func (t Type) String() string {
	switch t {
	case UserList:
		return "user-list"
	case Chat:
		return "chat"
	case Image:
		return "image"
	case AI:
		return "ai"
	case Heartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type-%d", byte(t))
	}
}

const (
	// NameFieldSize is the width of the null-padded user name that
	// follows the target flag in chat and image packets.
	NameFieldSize = 30

	// GeneralChannel names the broadcast channel.
	GeneralChannel = "general"

	// AIChannel is the pseudo user the assistant speaks as.
	AIChannel = "AI"

	// Target flags.
	TargetGeneral byte = 0
	TargetPrivate byte = 1

	// HeartbeatPing is the only heartbeat body the client answers.
	HeartbeatPing byte = 1

	// AIPrompt marks an outbound assistant request.
	AIPrompt byte = 1
)

// ErrShortPacket is returned when a body ends before its fixed fields.
var ErrShortPacket = ncerr.New("packet too short")

// Split separates the type byte from the body.
func Split(p []byte) (Type, []byte, error) {
	if len(p) == 0 {
		return 0, nil, &ncerr.ProtocolError{Op: "packet", Detail: "empty packet", Err: ErrShortPacket}
	}
	return Type(p[0]), p[1:], nil
}

// ── names ────────────────────────────────────────────────────────────

// PutName writes name into a NameFieldSize-byte field, padding short
// names with zero bytes.  Long names are cut at the last rune boundary
// that fits, so the field never ends in a partial UTF-8 sequence.
func PutName(dst []byte, name string) {
	if len(name) > NameFieldSize {
		n := NameFieldSize
		for n > 0 && !utf8.RuneStart(name[n]) {
			n--
		}
		name = name[:n]
	}
	n := copy(dst[:NameFieldSize], name)
	clear(dst[n:NameFieldSize])
}

// ParseName reads a null-padded name field.  The name ends at the first
// zero byte; surrounding whitespace is dropped.
func ParseName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return strings.TrimSpace(string(field))
}

// ── builders ─────────────────────────────────────────────────────────

// addressed builds [type][flag][recipient:30]?[body] for a destination
// that is either the general channel or a user name.
func addressed(t Type, to string, body []byte) []byte {
	if to == "" || to == GeneralChannel {
		p := make([]byte, 2+len(body))
		p[0], p[1] = byte(t), TargetGeneral
		copy(p[2:], body)
		return p
	}
	p := make([]byte, 2+NameFieldSize+len(body))
	p[0], p[1] = byte(t), TargetPrivate
	PutName(p[2:], to)
	copy(p[2+NameFieldSize:], body)
	return p
}

// NewChat returns a chat packet for the general channel or one user.
func NewChat(to, text string) []byte {
	return addressed(Chat, to, []byte(text))
}

// NewImage returns an image packet for the general channel or one user.
// The image bytes are carried as is.
func NewImage(img []byte, to string) []byte {
	return addressed(Image, to, img)
}

// NewAI returns an assistant prompt.
func NewAI(text string) []byte {
	p := make([]byte, 2+len(text))
	p[0], p[1] = byte(AI), AIPrompt
	copy(p[2:], text)
	return p
}

// NewUserList returns a presence packet.  Only fake servers send these.
func NewUserList(users []string) []byte {
	return append([]byte{byte(UserList)}, strings.Join(users, ",")...)
}

// Ping returns a heartbeat request.
func Ping() []byte { return []byte{byte(Heartbeat), HeartbeatPing} }

// Pong returns the heartbeat reply, which has the same bytes as Ping.
func Pong() []byte { return []byte{byte(Heartbeat), HeartbeatPing} }

// ── parsers ──────────────────────────────────────────────────────────

// ParseUserList splits a comma-separated presence body.  Empty entries
// are dropped and names are trimmed.
func ParseUserList(body []byte) []string {
	users := make([]string, 0, bytes.Count(body, []byte{','})+1)
	for _, u := range strings.Split(string(body), ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return users
}

// Message is an inbound chat or image message.
type Message struct {
	Private bool
	Sender  string
	Body    []byte
}

// Channel returns the conversation the message belongs to: the sender
// for private messages, the general channel otherwise.
func (m Message) Channel() string {
	if m.Private {
		return m.Sender
	}
	return GeneralChannel
}

// parseAddressed reads [flag][sender:30][body].  The server stamps the
// sender on every inbound message, general or private.
func parseAddressed(op string, body []byte) (Message, error) {
	if len(body) < 1+NameFieldSize {
		return Message{}, &ncerr.ProtocolError{
			Op:     op,
			Detail: fmt.Sprintf("%d bytes, need at least %d", len(body), 1+NameFieldSize),
			Err:    ErrShortPacket,
		}
	}
	switch body[0] {
	case TargetGeneral, TargetPrivate:
	default:
		return Message{}, ncerr.Protocol(op, "unknown target flag %d", body[0])
	}
	return Message{
		Private: body[0] == TargetPrivate,
		Sender:  ParseName(body[1 : 1+NameFieldSize]),
		Body:    body[1+NameFieldSize:],
	}, nil
}

// ParseChat decodes an inbound chat body.
func ParseChat(body []byte) (Message, error) { return parseAddressed("chat", body) }

// ParseImage decodes an inbound image body.
func ParseImage(body []byte) (Message, error) { return parseAddressed("image", body) }

// AIMessage is an inbound assistant message.
type AIMessage struct {
	Kind byte
	Text string
}

// ParseAI decodes an inbound assistant body, [kind][text].
func ParseAI(body []byte) (AIMessage, error) {
	if len(body) < 1 {
		return AIMessage{}, &ncerr.ProtocolError{Op: "ai", Detail: "empty body", Err: ErrShortPacket}
	}
	return AIMessage{Kind: body[0], Text: string(body[1:])}, nil
}
