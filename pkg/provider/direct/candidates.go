package direct

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue buffers remote ICE candidates that arrive before the
// remote description. It is drained once per connection attempt.
type CandidateQueue struct {
	mu      sync.Mutex
	items   []webrtc.ICECandidateInit
	drained bool
}

// NewCandidateQueue creates an empty queue
func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{}
}

// Push appends c. It returns false once the queue has been drained; the
// caller must then apply c directly.
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain applies the buffered candidates in arrival order and discards
// them. Only the first call applies anything; it reports whether it ran.
// Failed candidates are skipped and their errors joined.
func (q *CandidateQueue) Drain(apply func(webrtc.ICECandidateInit) error) (int, bool, error) {
	q.mu.Lock()
	if q.drained {
		q.mu.Unlock()
		return 0, false, nil
	}
	q.drained = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var errs []error
	applied := 0
	for _, c := range items {
		if err := apply(c); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, true, errors.Join(errs...)
}

// Len returns the number of buffered candidates
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether Drain has run
func (q *CandidateQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}
