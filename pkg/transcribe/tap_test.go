package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/callbridge/pkg/stt"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// chanTrack serves queued packets until closed
type chanTrack struct {
	kind    webrtc.RTPCodecType
	mime    string
	packets chan *rtp.Packet
}

func newChanTrack() *chanTrack {
	return &chanTrack{kind: webrtc.RTPCodecTypeAudio, mime: webrtc.MimeTypeOpus, packets: make(chan *rtp.Packet, 100)}
}

func (t *chanTrack) ID() string                { return "audio-remote" }
func (t *chanTrack) StreamID() string          { return "remote" }
func (t *chanTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *chanTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: t.mime, ClockRate: 48000, Channels: 2}}
}

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

// push queues n 20ms packets; the first payload byte is the amplitude in
// hundredths
func (t *chanTrack) push(n int, level byte) {
	for i := 0; i < n; i++ {
		t.packets <- &rtp.Packet{Payload: []byte{level}}
	}
}

// levelDecoder produces 20ms of constant stereo PCM at the payload's level
type levelDecoder struct{ channels int }

func (d levelDecoder) DecodeFloat32(data []byte, pcm []float32) (int, error) {
	if data[0] == 0xff {
		return 0, errors.New("corrupt packet")
	}
	n := 960
	for i := 0; i < n*d.channels; i++ {
		pcm[i] = float32(data[0]) / 100
	}
	return n, nil
}

func levelDecoders(_ int, channels int) (Decoder, error) { return levelDecoder{channels}, nil }

type fakeRecognizer struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	failDial   bool
	closed     bool
	sent       [][]float32
	transcript chan stt.Transcript
	errs       chan error
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{transcript: make(chan stt.Transcript, 10), errs: make(chan error, 10)}
}

func (r *fakeRecognizer) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.failDial {
		return errors.New("dial failed")
	}
	r.connected = true
	return nil
}

func (r *fakeRecognizer) SendAudio(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return stt.ErrNotConnected
	}
	r.sent = append(r.sent, samples)
	return nil
}

func (r *fakeRecognizer) Transcripts() <-chan stt.Transcript { return r.transcript }
func (r *fakeRecognizer) Errors() <-chan error               { return r.errs }

func (r *fakeRecognizer) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed, r.connected = true, false
	return nil
}

// drop simulates the connection going away
func (r *fakeRecognizer) drop(err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.errs <- err
}

func (r *fakeRecognizer) stats() (connects, chunks int, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, len(r.sent), r.closed
}

type results struct {
	mu       sync.Mutex
	finals   []string
	speaking []bool
}

func (r *results) final(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, text)
}

func (r *results) speak(s bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking = append(r.speaking, s)
}

func (r *results) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.finals...), append([]bool(nil), r.speaking...)
}

func newTestTap(t *testing.T, rec *fakeRecognizer) *Tap {
	t.Helper()
	tap, err := New(Config{
		NewRecognizer: func() Recognizer { return rec },
		NewDecoder:    levelDecoders,
		BackoffBase:   10 * time.Millisecond,
		Logger:        testLogger,
	})
	require.NoError(t, err)
	return tap
}

func TestNewRequiresRecognizer(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestAudioIsChunkedAndSent(t *testing.T) {
	rec := newFakeRecognizer()
	track := newChanTrack()
	var res results

	stop := newTestTap(t, rec).Attach(track, "bob", "Bob", res.final, res.speak)
	defer stop()

	require.Eventually(t, rec.IsConnected, 2*time.Second, 5*time.Millisecond)

	// 8 x 20ms at 48kHz is two 80ms chunks at 24kHz; the corrupt packet is skipped
	track.push(4, 30)
	track.push(1, 0xff)
	track.push(4, 30)

	require.Eventually(t, func() bool {
		_, chunks, _ := rec.stats()
		return chunks == 2
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	chunk := rec.sent[0]
	rec.mu.Unlock()
	assert.Len(t, chunk, 1920)
	assert.InDelta(t, 0.3, chunk[100], 0.001)
}

func TestSpeakingChanges(t *testing.T) {
	rec := newFakeRecognizer()
	track := newChanTrack()
	var res results

	stop := newTestTap(t, rec).Attach(track, "bob", "Bob", res.final, res.speak)
	defer stop()

	// default attack is 60ms, release 600ms
	track.push(5, 30)
	track.push(35, 0)

	require.Eventually(t, func() bool {
		_, speaking := res.snapshot()
		return len(speaking) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, speaking := res.snapshot()
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestTokensFoldIntoUtterances(t *testing.T) {
	rec := newFakeRecognizer()
	var res results

	stop := newTestTap(t, rec).Attach(newChanTrack(), "bob", "Bob", res.final, res.speak)
	defer stop()

	rec.transcript <- stt.Transcript{Type: stt.TypeToken, Text: "hello"}
	rec.transcript <- stt.Transcript{Type: stt.TypeToken, Text: " world"}
	rec.transcript <- stt.Transcript{Type: stt.TypeVADEnd, Final: true, VADEnd: true}
	// an empty utterance is not reported
	rec.transcript <- stt.Transcript{Type: stt.TypeVADEnd, Final: true, VADEnd: true}
	rec.transcript <- stt.Transcript{Type: stt.TypeToken, Text: "again"}
	rec.transcript <- stt.Transcript{Type: stt.TypeVADEnd, Final: true, VADEnd: true}

	require.Eventually(t, func() bool {
		finals, _ := res.snapshot()
		return len(finals) == 2
	}, 2*time.Second, 5*time.Millisecond)
	finals, _ := res.snapshot()
	assert.Equal(t, []string{"hello world", "again"}, finals)
}

func TestReconnectAfterAbnormalDrop(t *testing.T) {
	rec := newFakeRecognizer()
	stop := newTestTap(t, rec).Attach(newChanTrack(), "bob", "Bob", nil, nil)
	defer stop()

	require.Eventually(t, rec.IsConnected, 2*time.Second, 5*time.Millisecond)
	rec.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	require.Eventually(t, func() bool {
		connects, _, _ := rec.stats()
		return connects == 2 && rec.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	rec := newFakeRecognizer()
	stop := newTestTap(t, rec).Attach(newChanTrack(), "bob", "Bob", nil, nil)
	defer stop()

	require.Eventually(t, rec.IsConnected, 2*time.Second, 5*time.Millisecond)
	rec.drop(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	time.Sleep(100 * time.Millisecond)
	connects, _, _ := rec.stats()
	assert.Equal(t, 1, connects)
	assert.False(t, rec.IsConnected())
}

func TestDetachClosesRecognizer(t *testing.T) {
	rec := newFakeRecognizer()
	track := newChanTrack()
	stop := newTestTap(t, rec).Attach(track, "bob", "Bob", nil, nil)

	require.Eventually(t, rec.IsConnected, 2*time.Second, 5*time.Millisecond)
	stop()
	stop()

	_, _, closed := rec.stats()
	assert.True(t, closed)
	close(track.packets)
}

func TestIgnoresNonOpusTracks(t *testing.T) {
	created := 0
	tap, err := New(Config{
		NewRecognizer: func() Recognizer { created++; return newFakeRecognizer() },
		NewDecoder:    levelDecoders,
		Logger:        testLogger,
	})
	require.NoError(t, err)

	video := newChanTrack()
	video.kind = webrtc.RTPCodecTypeVideo
	tap.Attach(video, "bob", "Bob", nil, nil)()

	pcmu := newChanTrack()
	pcmu.mime = webrtc.MimeTypePCMU
	tap.Attach(pcmu, "bob", "Bob", nil, nil)()

	assert.Zero(t, created)
}
