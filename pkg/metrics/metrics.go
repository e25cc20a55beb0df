package metrics

import (
	"fmt"
	"time"
)

// Quality is the coarse connection quality derived from latency
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Classify maps a round-trip latency in milliseconds to a quality class
func Classify(latencyMs float64) Quality {
	switch {
	case latencyMs < 100:
		return QualityExcellent
	case latencyMs < 200:
		return QualityGood
	case latencyMs < 400:
		return QualityFair
	default:
		return QualityPoor
	}
}

// classifyOptional returns unknown when latency is not available
func classifyOptional(latencyMs *float64) Quality {
	if latencyMs == nil {
		return QualityUnknown
	}
	return Classify(*latencyMs)
}

// CallMetrics is one normalized sample. Statistics the backend does not
// report are nil.
type CallMetrics struct {
	LatencyMs     *float64  `json:"latencyMs"`
	PacketLossPct *float64  `json:"packetLossPct"`
	BitrateKbps   float64   `json:"bitrateKbps"`
	Resolution    string    `json:"resolution"`
	FPS           float64   `json:"fps"`
	Quality       Quality   `json:"qualityClass"`
	SampledAt     time.Time `json:"sampledAt"`
}

// Empty returns the metrics of a session that has not been sampled yet
func Empty() CallMetrics {
	return CallMetrics{Quality: QualityUnknown}
}

// Clone returns a copy that shares no pointers with m
func (m CallMetrics) Clone() CallMetrics {
	out := m
	if m.LatencyMs != nil {
		v := *m.LatencyMs
		out.LatencyMs = &v
	}
	if m.PacketLossPct != nil {
		v := *m.PacketLossPct
		out.PacketLossPct = &v
	}
	return out
}

// RawStats is what a backend reports for one sample
type RawStats struct {
	// RTT is valid only when HasRTT is set
	RTT    time.Duration
	HasRTT bool

	// Cumulative inbound packet counters, valid when HasPacketCounts is set
	PacketsReceived uint64
	PacketsLost     uint64
	HasPacketCounts bool

	// LossPct is a ready-made percentage from backends that compute it
	LossPct *float64

	// BytesTransferred is the cumulative bytes sent and received
	BytesTransferred uint64

	Width     int
	Height    int
	FPS       float64
	Timestamp time.Time
}

// Normalize turns a raw sample into CallMetrics. prev is the previous
// sample of the same session, or nil for the first one; rates are derived
// from the deltas between the two.
func Normalize(prev *RawStats, cur RawStats) CallMetrics {
	m := CallMetrics{
		FPS:       cur.FPS,
		SampledAt: cur.Timestamp,
	}
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now()
	}

	if cur.HasRTT {
		ms := float64(cur.RTT) / float64(time.Millisecond)
		m.LatencyMs = &ms
	}
	m.Quality = classifyOptional(m.LatencyMs)

	switch {
	case cur.LossPct != nil:
		v := *cur.LossPct
		m.PacketLossPct = &v
	case cur.HasPacketCounts:
		received, lost := cur.PacketsReceived, cur.PacketsLost
		if prev != nil && prev.HasPacketCounts && received >= prev.PacketsReceived && lost >= prev.PacketsLost {
			received -= prev.PacketsReceived
			lost -= prev.PacketsLost
		}
		if total := received + lost; total > 0 {
			v := float64(lost) / float64(total) * 100
			m.PacketLossPct = &v
		}
	}

	if prev != nil && !prev.Timestamp.IsZero() && cur.BytesTransferred >= prev.BytesTransferred {
		if secs := cur.Timestamp.Sub(prev.Timestamp).Seconds(); secs > 0 {
			m.BitrateKbps = float64(cur.BytesTransferred-prev.BytesTransferred) * 8 / 1000 / secs
		}
	}

	if cur.Width > 0 && cur.Height > 0 {
		m.Resolution = fmt.Sprintf("%dx%d", cur.Width, cur.Height)
	}
	return m
}
