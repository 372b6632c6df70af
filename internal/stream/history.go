package stream

import (
	"fmt"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MaxHistorySize guards against accidental misconfiguration.
const MaxHistorySize uint32 = 64 * 1024

// History keeps the most recent records, overwriting the oldest when full.
type History[T any] struct {
	mu          sync.Mutex
	buffer      mpmc.RichOverlappedRingBuffer[T]
	size        uint32
	overwritten uint64
}

// NewHistory creates a History keeping at most size records. The ring rounds
// its capacity up to a power of two less one slot, so it is sized past size
// and Record trims the excess.
func NewHistory[T any](size uint32) (*History[T], error) {
	if size == 0 {
		return nil, fmt.Errorf("history size must be > 0")
	}
	if size > MaxHistorySize {
		return nil, fmt.Errorf("history size %d exceeds maximum %d", size, MaxHistorySize)
	}
	return &History[T]{buffer: mpmc.NewOverlappedRingBuffer[T](size + 1), size: size}, nil
}

// Record appends rec.
func (h *History[T]) Record(rec T) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	overwrites, err := h.buffer.EnqueueM(rec)
	if err != nil {
		return fmt.Errorf("history enqueue: %w", err)
	}
	h.overwritten += uint64(overwrites)
	for h.buffer.Size() > h.size {
		if _, err := h.buffer.Dequeue(); err != nil {
			return fmt.Errorf("history trim: %w", err)
		}
		h.overwritten++
	}
	return nil
}

// Drain removes and returns all records, oldest first.
func (h *History[T]) Drain() ([]T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drainLocked()
}

// Snapshot returns all records, oldest first, leaving them in place.
func (h *History[T]) Snapshot() ([]T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs, err := h.drainLocked()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, err := h.buffer.EnqueueM(rec); err != nil {
			return recs, fmt.Errorf("history enqueue: %w", err)
		}
	}
	return recs, nil
}

// Overwritten returns how many records were lost to overflow.
func (h *History[T]) Overwritten() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overwritten
}

func (h *History[T]) drainLocked() ([]T, error) {
	var recs []T
	for !h.buffer.IsEmpty() {
		rec, err := h.buffer.Dequeue()
		if err != nil {
			return recs, fmt.Errorf("history dequeue: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
