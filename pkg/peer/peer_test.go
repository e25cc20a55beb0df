package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestICEConfigServers(t *testing.T) {
	cfg := ICEConfig{
		STUN: []string{"stun:stun.example.com:3478"},
		TURN: []TURNServer{{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"}},
	}
	servers := cfg.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, "u", servers[1].Username)
}

func TestParseMedia(t *testing.T) {
	sections, err := ParseMedia(sampleOffer)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, MediaSection{Kind: "audio", Direction: "sendrecv"}, sections[0])
	assert.Equal(t, MediaSection{Kind: "video", Direction: "recvonly"}, sections[1])

	assert.True(t, Sends(sections, "audio"))
	assert.False(t, Sends(sections, "video"))

	_, err = ParseMedia("not an sdp")
	assert.Error(t, err)
}

func TestStatsFromReport(t *testing.T) {
	report := webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.120,
		},
		"pair-2": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateFailed,
			CurrentRoundTripTime: 9,
		},
		"in-audio": webrtc.InboundRTPStreamStats{PacketsReceived: 90, PacketsLost: 10, BytesReceived: 1000},
		"in-video": webrtc.InboundRTPStreamStats{PacketsReceived: 100, BytesReceived: 5000},
		"out":      webrtc.OutboundRTPStreamStats{BytesSent: 4000},
	}

	raw := StatsFromReport(report)
	assert.True(t, raw.HasRTT)
	assert.Equal(t, 120*time.Millisecond, raw.RTT)
	assert.True(t, raw.HasPacketCounts)
	assert.Equal(t, uint64(190), raw.PacketsReceived)
	assert.Equal(t, uint64(10), raw.PacketsLost)
	assert.Equal(t, uint64(10000), raw.BytesTransferred)

	empty := StatsFromReport(webrtc.StatsReport{})
	assert.False(t, empty.HasRTT)
	assert.False(t, empty.HasPacketCounts)
}

func TestLoggerFactory(t *testing.T) {
	l := LoggerFactory{}.NewLogger("ice")
	assert.NotPanics(t, func() {
		l.Debugf("pair %d", 1)
		l.Trace("trace")
		l.Warn("warn")
	})
}

// TestConnLoopback negotiates two real peer connections in-process
func TestConnLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback negotiation in short mode")
	}

	type side struct {
		conn      *Conn
		connected chan struct{}
		once      sync.Once
		tracks    chan RemoteTrack
	}
	newSide := func() *side {
		s := &side{connected: make(chan struct{}), tracks: make(chan RemoteTrack, 4)}
		c, err := New(Config{IncludeLoopback: true}, Handlers{
			OnConnectionState: func(st webrtc.PeerConnectionState) {
				if st == webrtc.PeerConnectionStateConnected {
					s.once.Do(func() { close(s.connected) })
				}
			},
			OnTrack: func(rt RemoteTrack) { s.tracks <- rt },
		})
		require.NoError(t, err)
		s.conn = c
		return s
	}

	a, b := newSide(), newSide()
	defer a.conn.Close()
	defer b.conn.Close()

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "a")
	require.NoError(t, err)
	require.NoError(t, a.conn.AddTrack(webrtc.RTPCodecTypeAudio, audio))
	require.NoError(t, a.conn.AddTrack(webrtc.RTPCodecTypeVideo, nil))
	require.Error(t, a.conn.AddTrack(webrtc.RTPCodecTypeAudio, audio))

	// candidates are carried in the descriptions instead of trickled
	offer, err := a.conn.CreateOffer()
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(a.conn.pc)
	require.NoError(t, a.conn.SetLocalDescription(offer))
	<-gathered
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.conn.SignalingState())

	require.NoError(t, b.conn.SetRemoteDescription(*a.conn.LocalDescription()))
	assert.True(t, b.conn.HasRemoteDescription())
	answer, err := b.conn.CreateAnswer()
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(b.conn.pc)
	require.NoError(t, b.conn.SetLocalDescription(answer))
	<-gathered
	require.NoError(t, a.conn.SetRemoteDescription(*b.conn.LocalDescription()))

	for _, s := range []*side{a, b} {
		select {
		case <-s.connected:
		case <-time.After(10 * time.Second):
			t.Fatal("peer did not connect")
		}
	}

	// muting does not renegotiate
	require.NoError(t, a.conn.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil))
	require.NoError(t, a.conn.ReplaceTrack(webrtc.RTPCodecTypeAudio, audio))
	assert.Equal(t, webrtc.SignalingStateStable, a.conn.SignalingState())
	assert.Error(t, b.conn.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil))

	require.NoError(t, a.conn.Close())
	require.NoError(t, a.conn.Close())
}

func TestConnRollback(t *testing.T) {
	c, err := New(Config{}, Handlers{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AddTrack(webrtc.RTPCodecTypeAudio, nil))
	offer, err := c.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, c.SetLocalDescription(offer))
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, c.SignalingState())

	require.NoError(t, c.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, c.SignalingState())
	assert.False(t, c.HasRemoteDescription())
}
