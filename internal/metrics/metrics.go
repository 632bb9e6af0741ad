// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a chat session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for the client.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive     atomic.Int64
	sessionsTotal      atomic.Int64
	loginFailures      atomic.Int64
	bytesIn            atomic.Int64
	bytesOut           atomic.Int64
	framesIn           atomic.Int64
	framesOut          atomic.Int64
	corruptFrames      atomic.Int64
	heartbeatsAnswered atomic.Int64
	tunnelReconnects   atomic.Int64
	errorsTotal        atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastHeartbeat time.Time
	lastError     time.Time
	lastErrorMsg  string
	packets       map[string]int64
	errors        map[string]int64
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{
		startTime: time.Now(),
		packets:   make(map[string]int64),
		errors:    make(map[string]int64),
	}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total session counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// LoginFailed records a connection attempt that never reached the
// connected state.
func (c *Collector) LoginFailed() {
	if c == nil {
		return
	}
	c.loginFailures.Add(1)
}

// ActiveSessions returns the number of connected sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Frame metrics ────────────────────────────────────────────────────

// FrameReceived records one decoded inbound frame.
func (c *Collector) FrameReceived() {
	if c == nil {
		return
	}
	c.framesIn.Add(1)
}

// FrameSent records one outbound frame written in full.
func (c *Collector) FrameSent() {
	if c == nil {
		return
	}
	c.framesOut.Add(1)
}

// CorruptFrame records an inbound frame that was read but discarded.
func (c *Collector) CorruptFrame() {
	if c == nil {
		return
	}
	c.corruptFrames.Add(1)
}

// PacketReceived counts a dispatched packet by kind.
func (c *Collector) PacketReceived(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.packets[kind]++
	c.mu.Unlock()
}

// HeartbeatAnswered records a pong sent in reply to a ping.
func (c *Collector) HeartbeatAnswered() {
	if c == nil {
		return
	}
	c.heartbeatsAnswered.Add(1)
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Heartbeats returns the number of pings answered.
func (c *Collector) Heartbeats() int64 {
	if c == nil {
		return 0
	}
	return c.heartbeatsAnswered.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for class and stores the
// message.  class is usually errors.Classify(err).
func (c *Collector) RecordError(class, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.errors[class]++
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string           `json:"uptime"`
	SessionsActive     int64            `json:"sessions_active"`
	SessionsTotal      int64            `json:"sessions_total"`
	LoginFailures      int64            `json:"login_failures"`
	BytesIn            int64            `json:"bytes_in"`
	BytesOut           int64            `json:"bytes_out"`
	FramesIn           int64            `json:"frames_in"`
	FramesOut          int64            `json:"frames_out"`
	CorruptFrames      int64            `json:"corrupt_frames"`
	HeartbeatsAnswered int64            `json:"heartbeats_answered"`
	TunnelReconnects   int64            `json:"tunnel_reconnects"`
	ErrorsTotal        int64            `json:"errors_total"`
	Packets            map[string]int64 `json:"packets,omitempty"`
	Errors             map[string]int64 `json:"errors,omitempty"`
	LastHeartbeat      string           `json:"last_heartbeat,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	LastErrorMessage   string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:     c.sessionsActive.Load(),
		SessionsTotal:      c.sessionsTotal.Load(),
		LoginFailures:      c.loginFailures.Load(),
		BytesIn:            c.bytesIn.Load(),
		BytesOut:           c.bytesOut.Load(),
		FramesIn:           c.framesIn.Load(),
		FramesOut:          c.framesOut.Load(),
		CorruptFrames:      c.corruptFrames.Load(),
		HeartbeatsAnswered: c.heartbeatsAnswered.Load(),
		TunnelReconnects:   c.tunnelReconnects.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
		Packets:            maps.Clone(c.packets),
		Errors:             maps.Clone(c.errors),
	}
	if !c.lastHeartbeat.IsZero() {
		s.LastHeartbeat = c.lastHeartbeat.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
