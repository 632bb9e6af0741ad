package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_Frames(t *testing.T) {
	c := New()

	c.FrameReceived()
	c.FrameReceived()
	c.FrameSent()
	c.CorruptFrame()
	c.PacketReceived("chat")
	c.PacketReceived("chat")
	c.PacketReceived("heartbeat")
	c.HeartbeatAnswered()

	snap := c.Snapshot()
	if snap.FramesIn != 2 || snap.FramesOut != 1 || snap.CorruptFrames != 1 {
		t.Errorf("frames in/out/corrupt = %d/%d/%d, want 2/1/1", snap.FramesIn, snap.FramesOut, snap.CorruptFrames)
	}
	if snap.Packets["chat"] != 2 || snap.Packets["heartbeat"] != 1 {
		t.Errorf("packets = %v", snap.Packets)
	}
	if c.Heartbeats() != 1 || snap.LastHeartbeat == "" {
		t.Errorf("heartbeats = %d, last = %q", c.Heartbeats(), snap.LastHeartbeat)
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.TunnelReconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("auth", "auth: wrong password")
	c.RecordError("io", "read: connection closed")
	c.RecordError("io", "read: connection closed")

	if c.ErrorCount() != 3 {
		t.Errorf("errors = %d, want 3", c.ErrorCount())
	}
	snap := c.Snapshot()
	if snap.Errors["io"] != 2 || snap.Errors["auth"] != 1 {
		t.Errorf("errors by class = %v", snap.Errors)
	}
	if snap.LastErrorMessage != "read: connection closed" {
		t.Errorf("last error = %q", snap.LastErrorMessage)
	}
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := New()
	c.PacketReceived("chat")

	snap := c.Snapshot()
	snap.Packets["chat"] = 99

	if got := c.Snapshot().Packets["chat"]; got != 1 {
		t.Errorf("collector mutated through snapshot: %d", got)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened()
	c.SessionClosed()
	c.LoginFailed()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.FrameReceived()
	c.FrameSent()
	c.CorruptFrame()
	c.PacketReceived("chat")
	c.HeartbeatAnswered()
	c.TunnelReconnect()
	c.RecordError("io", "test")

	if c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
