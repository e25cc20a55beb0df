// Package audio prepares decoded call audio for speech recognition
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Pipeline resamples mono float32 frames and cuts them into fixed chunks
type Pipeline struct {
	inputRate  int
	outputRate int
	resampler  *Resampler
	chunks     *ChunkBuffer
	logger     *slog.Logger
}

// NewPipeline creates a pipeline producing chunkMs chunks at outputRate
func NewPipeline(inputRate, outputRate, chunkMs int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	if chunkMs <= 0 {
		return nil, fmt.Errorf("invalid chunk duration: %dms", chunkMs)
	}

	return &Pipeline{
		inputRate:  inputRate,
		outputRate: outputRate,
		resampler:  NewResampler(inputRate, outputRate),
		chunks:     NewChunkBuffer(outputRate, chunkMs),
		logger:     logger,
	}, nil
}

// Process feeds one frame and returns the chunks it completed
func (p *Pipeline) Process(frame []float32) [][]float32 {
	if len(frame) == 0 {
		return nil
	}
	if p.inputRate != p.outputRate {
		frame = p.resampler.Resample(frame)
	}
	return p.chunks.Add(frame)
}

// Flush returns the buffered tail, possibly shorter than a chunk
func (p *Pipeline) Flush() []float32 {
	return p.chunks.Flush()
}

// Resampler converts between sample rates by linear interpolation
type Resampler struct {
	ratio float64
}

// NewResampler creates a resampler from inputRate to outputRate
func NewResampler(inputRate, outputRate int) *Resampler {
	return &Resampler{ratio: float64(outputRate) / float64(inputRate)}
}

// Resample returns input at the output rate
func (r *Resampler) Resample(input []float32) []float32 {
	outputSize := int(float64(len(input)) * r.ratio)
	if outputSize == 0 {
		return []float32{}
	}

	output := make([]float32, outputSize)
	for i := range output {
		pos := float64(i) / r.ratio
		idx := int(pos)
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		output[i] = input[idx]*(1-frac) + input[idx+1]*frac
	}
	return output
}

// ChunkBuffer accumulates samples into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int

	mu     sync.Mutex
	buffer []float32
}

// NewChunkBuffer creates a buffer of chunkMs chunks at sampleRate.
// 80ms at 24kHz is 1920 samples.
func NewChunkBuffer(sampleRate, chunkMs int) *ChunkBuffer {
	size := sampleRate * chunkMs / 1000
	return &ChunkBuffer{
		chunkSize: size,
		buffer:    make([]float32, 0, size),
	}
}

// Size returns the number of samples per chunk
func (cb *ChunkBuffer) Size() int { return cb.chunkSize }

// Add appends samples and returns every completed chunk
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}
	return chunks
}

// Flush returns and clears the partial chunk
func (cb *ChunkBuffer) Flush() []float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []float32{}
	}
	chunk := make([]float32, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]
	return chunk
}

// Reset drops buffered samples
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}
