// Package transcribe decodes remote call audio and streams it to a speech
// recognizer. Final utterances and speaking changes are reported through the
// callbacks passed to Attach.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/audio"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/stt"
)

const (
	defaultOutputRate    = 24000
	defaultChunkMs       = 80
	defaultMaxReconnects = 5
	maxBackoff           = 60 * time.Second
)

// Recognizer is a streaming speech recognizer. *stt.Client implements it.
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(samples []float32) error
	Transcripts() <-chan stt.Transcript
	Errors() <-chan error
	IsConnected() bool
	Close() error
}

// Config configures a Tap
type Config struct {
	// NewRecognizer returns a fresh recognizer per attached track
	NewRecognizer func() Recognizer
	// NewDecoder defaults to NewOpusDecoder
	NewDecoder DecoderFactory
	Detector   audio.DetectorConfig
	// OutputRate and ChunkMs describe the audio the recognizer expects
	OutputRate    int
	ChunkMs       int
	MaxReconnects int
	// BackoffBase is the first reconnect delay, doubled per attempt
	BackoffBase time.Duration
	Logger      *slog.Logger
}

// Tap attaches recognizers to remote audio tracks
type Tap struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Tap
func New(cfg Config) (*Tap, error) {
	if cfg.NewRecognizer == nil {
		return nil, errors.New("transcribe: recognizer factory is required")
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = NewOpusDecoder
	}
	if cfg.Detector == (audio.DetectorConfig{}) {
		cfg.Detector = audio.DefaultDetectorConfig
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = defaultOutputRate
	}
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = defaultChunkMs
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tap{cfg: cfg, logger: cfg.Logger.With("component", "transcribe")}, nil
}

// Attach starts transcribing track. Non-Opus and non-audio tracks are
// ignored. The returned func stops the stream; it does not wait for the RTP
// reader, which exits when the track ends.
func (t *Tap) Attach(track peer.RTPReader, speakerID, speakerName string, onFinal func(text string), onSpeaking func(speaking bool)) func() {
	logger := t.logger.With("speaker", speakerID, "track", track.ID())

	codec := track.Codec()
	if track.Kind() != webrtc.RTPCodecTypeAudio || !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		logger.Debug("ignoring track", "kind", track.Kind().String(), "codec", codec.MimeType)
		return func() {}
	}

	rate := int(codec.ClockRate)
	if rate <= 0 {
		rate = 48000
	}
	channels := int(codec.Channels)
	if channels < 1 {
		channels = 2
	}

	decoder, err := t.cfg.NewDecoder(rate, channels)
	if err != nil {
		logger.Error("failed to create decoder", "error", err, "channels", channels)
		return func() {}
	}
	pipe, err := audio.NewPipeline(rate, t.cfg.OutputRate, t.cfg.ChunkMs, logger)
	if err != nil {
		logger.Error("failed to create audio pipeline", "error", err)
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		cfg:        t.cfg,
		logger:     logger,
		track:      track,
		decoder:    decoder,
		channels:   channels,
		rate:       rate,
		pipe:       pipe,
		detector:   audio.NewSpeechDetector(t.cfg.Detector),
		recognizer: t.cfg.NewRecognizer(),
		onFinal:    onFinal,
		onSpeaking: onSpeaking,
		chunks:     make(chan []float32, 50),
		ctx:        ctx,
	}
	logger.Info("transcription attached", "name", speakerName, "rate", rate, "channels", channels)

	go s.readLoop()
	s.wg.Add(1)
	go s.recognizeLoop()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.wg.Wait()
			logger.Info("transcription detached")
		})
	}
}

// stream is the per-track state
type stream struct {
	cfg      Config
	logger   *slog.Logger
	track    peer.RTPReader
	decoder  Decoder
	channels int
	rate     int
	pipe     *audio.Pipeline
	detector *audio.SpeechDetector

	recognizer Recognizer
	onFinal    func(string)
	onSpeaking func(bool)

	chunks  chan []float32
	pending strings.Builder

	ctx context.Context
	wg  sync.WaitGroup
}

// readLoop reads RTP, decodes Opus and feeds the detector and pipeline
func (s *stream) readLoop() {
	// 120ms is the longest Opus frame
	pcm := make([]float32, 5760*s.channels)
	frames := 0

	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("remote audio ended", "error", err, "frames", frames)
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := s.decoder.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			s.logger.Debug("opus decode error", "error", err, "payloadLen", len(pkt.Payload))
			continue
		}
		if n == 0 {
			continue
		}
		frames++

		audio.Clamp(pcm[:n*s.channels])
		mono := audio.Downmix(pcm, n, s.channels)

		dur := time.Duration(n) * time.Second / time.Duration(s.rate)
		if speaking, changed := s.detector.Feed(mono, dur); changed && s.onSpeaking != nil {
			s.onSpeaking(speaking)
		}

		for _, chunk := range s.pipe.Process(mono) {
			select {
			case s.chunks <- chunk:
			case <-s.ctx.Done():
				return
			default:
				s.logger.Debug("audio chunk queue full, dropping chunk")
			}
		}
	}
}

// recognizeLoop owns the recognizer: it connects, forwards chunks, folds
// tokens into utterances and reconnects on abnormal drops
func (s *stream) recognizeLoop() {
	defer s.wg.Done()
	defer s.recognizer.Close()

	go func() {
		if err := s.recognizer.Connect(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("failed to connect recognizer", "error", err)
		}
	}()

	attempts := 0
	backoff := s.cfg.BackoffBase
	sent := 0

	for {
		select {
		case <-s.ctx.Done():
			return

		case tr := <-s.recognizer.Transcripts():
			s.handleTranscript(tr)

		case err := <-s.recognizer.Errors():
			s.logger.Warn("recognizer error", "error", err)
			if stt.IsNormalClose(err) {
				s.logger.Info("recognizer closed normally, not reconnecting")
				continue
			}
			if s.recognizer.IsConnected() || attempts >= s.cfg.MaxReconnects {
				continue
			}
			attempts++
			s.logger.Info("reconnecting recognizer", "attempt", attempts, "backoff_ms", backoff.Milliseconds())
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(maxBackoff)))
			if err := s.recognizer.Connect(s.ctx); err != nil {
				s.logger.Error("reconnect failed", "error", err)
				continue
			}
			attempts = 0
			backoff = s.cfg.BackoffBase
			s.logger.Info("recognizer reconnected")

		case chunk := <-s.chunks:
			if !s.recognizer.IsConnected() {
				continue
			}
			if err := s.recognizer.SendAudio(chunk); err != nil {
				s.logger.Debug("failed to send audio", "error", err)
				continue
			}
			sent++
			if sent%100 == 1 {
				s.logger.Debug("audio level to recognizer",
					"rmsDB", audio.DBFS(audio.RMS(chunk)), "samples", len(chunk), "chunkNum", sent)
			}
		}
	}
}

// handleTranscript accumulates tokens and reports the utterance on vad_end
func (s *stream) handleTranscript(tr stt.Transcript) {
	if tr.Final {
		text := strings.TrimSpace(s.pending.String())
		s.pending.Reset()
		if text != "" && s.onFinal != nil {
			s.logger.Info("transcript finalized", "chars", len(text))
			s.onFinal(text)
		}
		return
	}
	if tr.Text == "" {
		return
	}
	s.pending.WriteString(tr.Text)
}
