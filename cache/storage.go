package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Storage holds any number of named cache generations.
// It is the persistence layer under the Manager.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the named generation, creating it if it does not exist.
	Open(ctx context.Context, name string) (Generation, error)
	// Keys returns the names of all generations in storage.
	Keys(ctx context.Context) ([]string, error)
	// Has checks if the named generation exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the generation and all its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Generation is a handle to one named set of stored responses.
type Generation interface {
	Name() string
	// Match returns the response stored under the exact key.
	Match(ctx context.Context, key string) (*Response, bool, error)
	// Put stores the response under key, replacing any previous entry.
	Put(ctx context.Context, key string, res *Response) error
	// Keys returns the keys of all entries in the generation.
	Keys(ctx context.Context) ([]string, error)
}

// quota tracks the bytes used per generation entry against a maximum.
// A zero max means unlimited.
type quota struct {
	max int64

	mu    sync.Mutex
	used  int64
	sizes map[string]map[string]int64
}

func newQuota(max int64) *quota {
	return &quota{max: max, sizes: map[string]map[string]int64{}}
}

// reserve accounts for size bytes under gen/key, replacing the previous size.
func (q *quota) reserve(gen, key string, size int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.sizes[gen][key]
	if q.max > 0 && q.used-old+size > q.max {
		return errors.Wrapf(ErrQuotaExceeded, "need %d bytes, %d of %d used", size, q.used, q.max)
	}
	if q.sizes[gen] == nil {
		q.sizes[gen] = map[string]int64{}
	}
	q.sizes[gen][key] = size
	q.used += size - old
	return nil
}

// full reports whether not even an empty generation fits any more.
func (q *quota) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.max > 0 && q.used >= q.max
}

func (q *quota) release(gen, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size, ok := q.sizes[gen][key]; ok {
		q.used -= size
		delete(q.sizes[gen], key)
	}
}

func (q *quota) releaseAll(gen string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, size := range q.sizes[gen] {
		q.used -= size
	}
	delete(q.sizes, gen)
}

// ParseSize parses sizes like "512", "64k", "50m" or "1.5gb".
// An empty string means no limit.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	last := s[len(s)-1]
	if last == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, errors.New("invalid size")
		}
		last = s[len(s)-1]
	}
	switch last {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative size")
	}
	return int64(v * float64(mult)), nil
}
