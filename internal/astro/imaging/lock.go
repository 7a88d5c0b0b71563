package imaging

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// Token identifies a held region lock.
type Token uint64

type heldRegion struct {
	r     image.Rectangle
	write bool
}

// RegionLocker is a readers-writer lock keyed by rectangle. Requests that
// do not overlap a conflicting holder are granted immediately; others wait
// until a release clears the conflict or ctx is done.
type RegionLocker struct {
	mu      sync.Mutex
	next    Token
	held    map[Token]heldRegion
	changed chan struct{}
}

// NewRegionLocker returns an empty locker.
func NewRegionLocker() *RegionLocker {
	return &RegionLocker{held: make(map[Token]heldRegion), changed: make(chan struct{})}
}

// Acquire blocks until r can be held for reading (write=false) or writing.
func (l *RegionLocker) Acquire(ctx context.Context, r image.Rectangle, write bool) (Token, error) {
	for {
		l.mu.Lock()
		if !l.conflicts(r, write) {
			l.next++
			tok := l.next
			l.held[tok] = heldRegion{r: r, write: write}
			l.mu.Unlock()
			return tok, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("imaging: waiting for region %v: %w", r, ctx.Err())
		case <-wait:
		}
	}
}

func (l *RegionLocker) conflicts(r image.Rectangle, write bool) bool {
	for _, h := range l.held {
		if (write || h.write) && h.r.Overlaps(r) {
			return true
		}
	}
	return false
}

// Release drops the lock identified by tok and wakes waiters.
func (l *RegionLocker) Release(tok Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[tok]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, tok)
	}
	delete(l.held, tok)
	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

// Region returns the region held under tok.
func (l *RegionLocker) Region(tok Token) (image.Rectangle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[tok]
	if !ok {
		return image.Rectangle{}, false, fmt.Errorf("%w: %d", ErrUnknownToken, tok)
	}
	return h.r, h.write, nil
}

// Held returns the number of outstanding locks.
func (l *RegionLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
