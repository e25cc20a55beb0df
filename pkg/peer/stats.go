package peer

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/metrics"
)

// StatsFromReport extracts transport statistics from a pion stats report
func StatsFromReport(report webrtc.StatsReport) metrics.RawStats {
	raw := metrics.RawStats{Timestamp: time.Now()}
	var lost int64

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			pairRTT(&raw, st)
		case *webrtc.ICECandidatePairStats:
			pairRTT(&raw, *st)
		case webrtc.InboundRTPStreamStats:
			raw.HasPacketCounts = true
			raw.PacketsReceived += uint64(st.PacketsReceived)
			lost += int64(st.PacketsLost)
			raw.BytesTransferred += st.BytesReceived
		case *webrtc.InboundRTPStreamStats:
			raw.HasPacketCounts = true
			raw.PacketsReceived += uint64(st.PacketsReceived)
			lost += int64(st.PacketsLost)
			raw.BytesTransferred += st.BytesReceived
		case webrtc.OutboundRTPStreamStats:
			raw.BytesTransferred += st.BytesSent
		case *webrtc.OutboundRTPStreamStats:
			raw.BytesTransferred += st.BytesSent
		}
	}

	// packetsLost is signed: duplicates can make it negative
	if lost > 0 {
		raw.PacketsLost = uint64(lost)
	}
	return raw
}

// pairRTT takes the round-trip time of the nominated, succeeded pair
func pairRTT(raw *metrics.RawStats, st webrtc.ICECandidatePairStats) {
	if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
		return
	}
	if st.CurrentRoundTripTime <= 0 {
		return
	}
	raw.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
	raw.HasRTT = true
}
