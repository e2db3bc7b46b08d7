package idmap

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultPrefix is prepended to every generated identifier.
const DefaultPrefix = "id_"

// Mapper hands out one stable replacement per original identifier.
type Mapper interface {
	GetOrCreate(original string) string
}

// Store is a process-wide table of original -> generated identifiers.
// It is safe for concurrent use. Entries are never evicted or re-rolled,
// so the table grows with the number of distinct ids seen; Len and the
// warn watermark exist to keep that growth observable.
type Store struct {
	mu        sync.Mutex
	mappings  map[string]string
	issued    map[string]struct{}
	prefix    string
	generate  func() string
	warnEvery int
}

type Option func(*Store)

// WithPrefix sets the generated id prefix. Invalid prefixes are ignored.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if ValidPrefix(prefix) {
			s.prefix = prefix
		}
	}
}

// WithGenerator replaces the random suffix source.
func WithGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.generate = fn
		}
	}
}

// WithWarnEntries logs a warning every time the table grows by n entries.
func WithWarnEntries(n int) Option {
	return func(s *Store) {
		s.warnEvery = n
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		mappings: make(map[string]string),
		issued:   make(map[string]struct{}),
		prefix:   DefaultPrefix,
		generate: randomSuffix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the generated id for original, creating it on first
// sight. The lookup and the insert happen under one lock so concurrent
// first sightings of the same id agree on a single value.
func (s *Store) GetOrCreate(original string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mapped, ok := s.mappings[original]; ok {
		return mapped
	}

	var mapped string
	for {
		mapped = s.prefix + s.generate()
		if _, taken := s.issued[mapped]; !taken {
			break
		}
	}
	s.mappings[original] = mapped
	s.issued[mapped] = struct{}{}

	if n := len(s.mappings); s.warnEvery > 0 && n%s.warnEvery == 0 {
		slog.Warn("Mapping store growing", slog.Int("entries", n))
	}
	return mapped
}

func (s *Store) Lookup(original string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapped, ok := s.mappings[original]
	return mapped, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

func (s *Store) Prefix() string {
	return s.prefix
}

// ValidPrefix reports whether prefix keeps generated ids usable both as an
// HTML id value and as a CSS identifier.
func ValidPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	c := prefix[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return false
	}
	return strings.IndexFunc(prefix, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-')
	}) == -1
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
