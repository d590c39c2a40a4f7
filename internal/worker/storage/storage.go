package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	// ErrClosed is returned once the storage has been closed.
	ErrClosed = errors.New("storage: closed")
	// ErrDeleted is returned when writing to a generation that was deleted
	// after it was opened.
	ErrDeleted = errors.New("storage: generation deleted")
)

// Entry is a stored response. Header and Body are owned by the entry; backends
// hand out copies so callers may mutate what they receive.
type Entry struct {
	URL      string              `json:"url"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	Kind     string              `json:"kind"`
	StoredAt time.Time           `json:"storedAt"`
}

// Cache is one named generation: request key -> stored response. Entries are
// only ever added or overwritten.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Keys(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int64, error)
}

// CacheStorage holds every generation by name. Deleting a generation is the
// only way entries disappear.
type CacheStorage interface {
	// Open returns the named generation, creating it when absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists generation names in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the generation and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

// CloneEntry deep-copies header values and body.
func CloneEntry(in Entry) Entry {
	out := in
	if in.Header != nil {
		out.Header = make(map[string][]string, len(in.Header))
		for k, v := range in.Header {
			out.Header[k] = slices.Clone(v)
		}
	}
	if in.Body != nil {
		out.Body = slices.Clone(in.Body)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
