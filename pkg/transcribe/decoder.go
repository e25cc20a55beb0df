package transcribe

import "gopkg.in/hraban/opus.v2"

// Decoder turns one compressed packet into interleaved float32 PCM and
// returns the samples decoded per channel
type Decoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

// DecoderFactory creates a decoder for a sample rate and channel count
type DecoderFactory func(sampleRate, channels int) (Decoder, error)

// NewOpusDecoder creates a libopus decoder
func NewOpusDecoder(sampleRate, channels int) (Decoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}
