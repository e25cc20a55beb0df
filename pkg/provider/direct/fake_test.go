package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/silviot/callbridge/pkg/media"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/provider"
	"github.com/silviot/callbridge/pkg/signaling"
)

const testRoom = "room-1"

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fakeSDP(name string, version int, kinds []webrtc.RTPCodecType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- 1 %d IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", version, name)
	for i, k := range kinds {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=sendrecv\r\n", k.String(), i)
	}
	return b.String()
}

var bothKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

type fakeRemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.streamID }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

func (t fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

// fakeTransport models the signaling state machine of a peer connection and
// "connects" once an offer/answer exchange completes
type fakeTransport struct {
	name string
	h    peer.Handlers

	mu            sync.Mutex
	state         webrtc.SignalingState
	local, remote *webrtc.SessionDescription
	slots         []webrtc.RTPCodecType
	added         map[webrtc.RTPCodecType]webrtc.TrackLocal
	tracks        map[webrtc.RTPCodecType]webrtc.TrackLocal
	applied       []string
	offers        int
	rollbacks     int
	connected     bool
	closed        bool
	statsCalls    int
	endedAtClose  bool
}

func newFakeTransport(name string, h peer.Handlers) *fakeTransport {
	return &fakeTransport{
		name:   name,
		h:      h,
		state:  webrtc.SignalingStateStable,
		added:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		tracks: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
}

func (f *fakeTransport) AddTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = append(f.slots, kind)
	f.added[kind] = track
	f.tracks[kind] = track
	return nil
}

func (f *fakeTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.tracks[kind] = track
	return nil
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP(f.name, f.offers, f.slots)}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", f.state)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP(f.name, 1, f.slots)}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", desc.Type, f.state)
	}
	f.local = &desc
	go f.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host " + f.name})
	f.maybeConnectLocked()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, f.state)
	}
	f.remote = &desc
	f.maybeConnectLocked()
	return nil
}

func (f *fakeTransport) maybeConnectLocked() {
	if f.connected || f.local == nil || f.remote == nil || f.state != webrtc.SignalingStateStable {
		return
	}
	f.connected = true
	sections, _ := peer.ParseMedia(f.remote.SDP)
	h, remote := f.h, f.remote.SDP
	go func() {
		h.OnConnectionState(webrtc.PeerConnectionStateConnected)
		for _, s := range sections {
			if s.Direction != "sendrecv" && s.Direction != "sendonly" {
				continue
			}
			kind := webrtc.NewRTPCodecType(s.Kind)
			h.OnTrack(fakeRemoteTrack{id: s.Kind + "-" + remoteName(remote), streamID: remoteName(remote), kind: kind})
		}
	}()
}

func remoteName(sdp string) string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if name, ok := strings.CutPrefix(line, "s="); ok {
			return name
		}
	}
	return ""
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeTransport) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in %s", f.state)
	}
	f.state = webrtc.SignalingStateStable
	f.local = nil
	f.rollbacks++
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Stats() metrics.RawStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	return metrics.RawStats{
		RTT:              80 * time.Millisecond,
		HasRTT:           true,
		PacketsReceived:  uint64(100 * f.statsCalls),
		HasPacketCounts:  true,
		BytesTransferred: uint64(10000 * f.statsCalls),
		Timestamp:        time.Now(),
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.endedAtClose = true
	for _, t := range f.added {
		if st, ok := t.(*media.SampleTrack); ok && !st.Ended() {
			f.endedAtClose = false
		}
	}
	return nil
}

// fail reports a transport failure the way pion does
func (f *fakeTransport) fail() {
	go f.h.OnConnectionState(webrtc.PeerConnectionStateFailed)
}

func (f *fakeTransport) track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[kind]
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type transportSnapshot struct {
	state        webrtc.SignalingState
	offers       int
	rollbacks    int
	connected    bool
	closed       bool
	statsCalls   int
	endedAtClose bool
}

func (f *fakeTransport) snapshot() transportSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportSnapshot{
		state:        f.state,
		offers:       f.offers,
		rollbacks:    f.rollbacks,
		connected:    f.connected,
		closed:       f.closed,
		statsCalls:   f.statsCalls,
		endedAtClose: f.endedAtClose,
	}
}

// fakeNet hands out fake transports and remembers them per peer
type fakeNet struct {
	mu         sync.Mutex
	transports map[string][]*fakeTransport
}

func newFakeNet() *fakeNet {
	return &fakeNet{transports: make(map[string][]*fakeTransport)}
}

func (n *fakeNet) factory(name string) TransportFactory {
	return func(_ peer.Config, h peer.Handlers) (Transport, error) {
		f := newFakeTransport(name, h)
		n.mu.Lock()
		n.transports[name] = append(n.transports[name], f)
		n.mu.Unlock()
		return f, nil
	}
}

func (n *fakeNet) all(name string) []*fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeTransport(nil), n.transports[name]...)
}

func (n *fakeNet) last(t *testing.T, name string) *fakeTransport {
	t.Helper()
	all := n.all(name)
	require.NotEmpty(t, all, "no transport for %s", name)
	return all[len(all)-1]
}

// recorder collects every event an adapter emits
type recorder struct {
	mu     sync.Mutex
	events []provider.Event
}

func record(p provider.Provider) *recorder {
	r := &recorder{}
	for _, kind := range provider.EventKinds {
		p.On(kind, func(ev provider.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(kind provider.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) find(kind provider.EventKind) (provider.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return provider.Event{}, false
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testPeer struct {
	adapter *Adapter
	source  *media.SyntheticSource
	events  *recorder
}

func newTestPeer(t *testing.T, dialer signaling.Dialer, net *fakeNet, name string, mutate ...func(*Config)) *testPeer {
	t.Helper()
	src := media.NewSyntheticSource()
	cfg := Config{
		Signaling:       dialer,
		Media:           src,
		NewTransport:    net.factory(name),
		MetricsInterval: time.Hour,
		Logger:          testLogger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Leave(context.Background()) })
	return &testPeer{adapter: a, source: src, events: record(a)}
}

func joinConfig(user string) provider.JoinConfig {
	return provider.JoinConfig{RoomID: testRoom, UserID: user, UserName: strings.ToUpper(user)}
}

func dialRaw(t *testing.T, hub *signaling.Hub, name string) signaling.Conn {
	t.Helper()
	c, err := hub.Dial(context.Background(), testRoom, name)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendRaw(t *testing.T, c signaling.Conn, typ signaling.Type, to string, payload any) {
	t.Helper()
	msg, err := signaling.NewMessage(typ, to, payload)
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))
}

// expectType reads from c until a message of typ arrives
func expectType(t *testing.T, c signaling.Conn, typ signaling.Type) signaling.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "signaling closed")
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

// expectNoType fails if a message of typ arrives within a short window
func expectNoType(t *testing.T, c signaling.Conn, typ signaling.Type) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			require.NotEqual(t, typ, msg.Type, "unexpected %s from %s", typ, msg.SenderID)
		case <-deadline:
			return
		}
	}
}

// heldConn buffers outgoing messages until released
type heldConn struct {
	signaling.Conn

	mu       sync.Mutex
	held     []signaling.Message
	released bool
}

func (c *heldConn) Send(msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.held = append(c.held, msg)
		return nil
	}
	return c.Conn.Send(msg)
}

func (c *heldConn) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	for _, msg := range c.held {
		if err := c.Conn.Send(msg); err != nil {
			return err
		}
	}
	c.held = nil
	return nil
}

type holdingDialer struct {
	hub *signaling.Hub

	mu    sync.Mutex
	conns []*heldConn
}

func (d *holdingDialer) Dial(ctx context.Context, roomID, peerID string) (signaling.Conn, error) {
	c, err := d.hub.Dial(ctx, roomID, peerID)
	if err != nil {
		return nil, err
	}
	hc := &heldConn{Conn: c}
	d.mu.Lock()
	d.conns = append(d.conns, hc)
	d.mu.Unlock()
	return hc, nil
}

func (d *holdingDialer) releaseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if err := c.release(); err != nil {
			return err
		}
	}
	return nil
}

type fakeTap struct {
	mu       sync.Mutex
	speakers []string
	final    func(string)
	speaking func(bool)
	stopped  int
}

func (f *fakeTap) Attach(track peer.RTPReader, speakerID, _ string, onFinal func(string), onSpeaking func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakers = append(f.speakers, speakerID)
	f.final, f.speaking = onFinal, onSpeaking
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped++
	}
}

func (f *fakeTap) attached() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.speakers...)
}
