package model

import "time"

// ConnectionHealth tracks liveness of the streaming connection. The zero value
// describes a connection that was never established.
type ConnectionHealth struct {
	LastReceived     time.Time
	LastSent         time.Time
	MessagesReceived uint64
	MessagesSent     uint64
	LastPing         time.Time
	LastPong         time.Time
	Latency          time.Duration // round trip of the most recent ping
	AvgLatency       time.Duration // exponentially weighted over recent pings
	EstablishedAt    time.Time
	Uptime           time.Duration
}

func (h *ConnectionHealth) RecordReceived(now time.Time) {
	h.LastReceived = now
	h.MessagesReceived++
}

func (h *ConnectionHealth) RecordSent(now time.Time) {
	h.LastSent = now
	h.MessagesSent++
}

func (h *ConnectionHealth) RecordPing(now time.Time) {
	h.LastPing = now
}

// latencyWeight is the inverse smoothing factor of AvgLatency; each sample
// moves the average a fifth of the way towards it.
const latencyWeight = 5

// RecordPong stores the pong instant and measures latency against the last
// ping, folding the sample into the moving average.
func (h *ConnectionHealth) RecordPong(now time.Time) {
	h.LastPong = now
	if h.LastPing.IsZero() || now.Before(h.LastPing) {
		return
	}
	h.Latency = now.Sub(h.LastPing)
	if h.AvgLatency == 0 {
		h.AvgLatency = h.Latency
	} else {
		h.AvgLatency += (h.Latency - h.AvgLatency) / latencyWeight
	}
}

// MarkConnected resets all counters and stamps the establishment instant.
func (h *ConnectionHealth) MarkConnected(now time.Time) {
	*h = ConnectionHealth{EstablishedAt: now}
}

// Healthy reports whether a frame or a pong arrived within timeout. A freshly
// established connection counts from its establishment instant.
func (h *ConnectionHealth) Healthy(now time.Time, timeout time.Duration) bool {
	last := h.EstablishedAt
	if h.LastReceived.After(last) {
		last = h.LastReceived
	}
	if h.LastPong.After(last) {
		last = h.LastPong
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < timeout
}

// At returns a copy with Uptime derived for the given instant.
func (h ConnectionHealth) At(now time.Time) ConnectionHealth {
	if !h.EstablishedAt.IsZero() {
		h.Uptime = now.Sub(h.EstablishedAt)
	}
	return h
}
