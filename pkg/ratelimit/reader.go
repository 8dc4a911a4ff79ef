// Package ratelimit throttles download streams with a shared token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const minBucket = 64 * 1024

// Limiter is a token bucket shared by every download of a batch
type Limiter struct {
	bytesPerSecond int64
	bucketSize     int64

	mu         sync.Mutex
	tokens     int64
	lastUpdate time.Time
	total      int64
}

// NewLimiter returns nil, meaning unlimited, for a non-positive rate
func NewLimiter(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	// one second of data, at least 64KB so small rates still stream smoothly
	bucketSize := max(bytesPerSecond, minBucket)

	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		bucketSize:     bucketSize,
		tokens:         bucketSize,
		lastUpdate:     time.Now(),
	}
}

// ParseBandwidth converts a human readable rate such as "10MB", "512KiB/s" or "0" to bytes per
// second. An empty string means unlimited.
func ParseBandwidth(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return int64(n), nil
}

// String renders the configured rate, "unlimited" for a nil limiter
func (l *Limiter) String() string {
	if l == nil {
		return "unlimited"
	}
	return humanize.Bytes(uint64(l.bytesPerSecond)) + "/s"
}

// Transferred returns the number of bytes read through the limiter so far
func (l *Limiter) Transferred() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// wait blocks until needed tokens are available or ctx is done
func (l *Limiter) wait(ctx context.Context, needed int64) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= needed {
			l.mu.Unlock()
			return nil
		}
		deficit := needed - l.tokens
		l.mu.Unlock()

		delay := max(time.Duration(float64(deficit)/float64(l.bytesPerSecond)*float64(time.Second)), time.Millisecond)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill must be called with the lock held
func (l *Limiter) refill() {
	now := time.Now()
	add := int64(float64(now.Sub(l.lastUpdate)) / float64(time.Second) * float64(l.bytesPerSecond))
	if add > 0 {
		l.tokens = min(l.tokens+add, l.bucketSize)
		l.lastUpdate = now
	}
}

func (l *Limiter) consume(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = max(l.tokens-n, 0)
	l.total += n
}

// ReadCloser throttles reads from a download body
type ReadCloser struct {
	rc      io.ReadCloser
	limiter *Limiter
	ctx     context.Context
}

// NewReadCloser wraps rc; a nil limiter returns rc unchanged
func NewReadCloser(ctx context.Context, rc io.ReadCloser, limiter *Limiter) io.ReadCloser {
	if limiter == nil {
		return rc
	}
	return &ReadCloser{rc: rc, limiter: limiter, ctx: ctx}
}

func (r *ReadCloser) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	toRead := min(int64(len(p)), r.limiter.bucketSize)
	if err := r.limiter.wait(r.ctx, toRead); err != nil {
		return 0, err
	}

	n, err := r.rc.Read(p[:toRead])
	if n > 0 {
		r.limiter.consume(int64(n))
	}
	return n, err
}

func (r *ReadCloser) Close() error {
	return r.rc.Close()
}
