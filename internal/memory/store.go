// Package memory is the shared state store: a durable key/value surface
// backed by SQLite plus an in-process fragment log with similarity search.
//
// Handlers reach the store through the bridge layer; nothing in here knows
// which backend is calling. All methods are safe for concurrent use.
package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrValueTooLarge is returned when a value exceeds the configured size cap.
var ErrValueTooLarge = errors.New("value exceeds size limit")

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// Fragment is one appended memory record.
type Fragment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	embedding []float64
}

// Store combines durable KV state with the bounded fragment log.
type Store struct {
	db            *sql.DB
	maxValueBytes int

	mu           sync.RWMutex
	fragments    []Fragment
	maxFragments int
	embed        *Embedder
}

// Options bounds the store.
type Options struct {
	MaxFragments  int
	EmbeddingDim  int
	MaxValueBytes int
}

// New creates a store over an opened database. The schema is expected to
// exist already (storage.OpenSQLite bootstraps it).
func New(db *sql.DB, opts Options) *Store {
	if opts.MaxFragments <= 0 {
		opts.MaxFragments = 10_000
	}
	if opts.EmbeddingDim <= 0 {
		opts.EmbeddingDim = 64
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 1 << 20
	}
	return &Store{
		db:            db,
		maxValueBytes: opts.MaxValueBytes,
		maxFragments:  opts.MaxFragments,
		embed:         NewEmbedder(opts.EmbeddingDim),
	}
}

// Put stores a JSON value under key, replacing any existing value.
func (s *Store) Put(key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("key must not be empty")
	}
	if len(value) > s.maxValueBytes {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	if !json.Valid(value) {
		return errors.New("value is not valid JSON")
	}

	_, err := s.db.Exec(
		`INSERT INTO shared_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put key %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM shared_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM shared_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// ShallowMerge merges patch into the JSON object stored at key. Top-level
// fields in patch overwrite existing fields; the merge runs inside a
// transaction so concurrent merges serialize rather than losing updates.
// If the key is absent, the patch becomes the stored value.
func (s *Store) ShallowMerge(key string, patch json.RawMessage) error {
	if key == "" {
		return errors.New("key must not be empty")
	}

	var patchObj map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchObj); err != nil {
		return fmt.Errorf("merge patch must be a JSON object: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT value FROM shared_state WHERE key = ?`, key).Scan(&existing)

	merged := make(map[string]json.RawMessage, len(patchObj))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fresh key, patch is the whole value
	case err != nil:
		return fmt.Errorf("failed to read key %q for merge: %w", key, err)
	default:
		if uerr := json.Unmarshal([]byte(existing), &merged); uerr != nil {
			return fmt.Errorf("existing value at %q is not a JSON object: %w", key, uerr)
		}
	}
	maps.Copy(merged, patchObj)

	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal merged value: %w", err)
	}
	if len(out) > s.maxValueBytes {
		return fmt.Errorf("%w: merged value is %d bytes", ErrValueTooLarge, len(out))
	}

	_, err = tx.Exec(
		`INSERT INTO shared_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(out), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write merged value: %w", err)
	}
	return tx.Commit()
}

// AppendFragment stores a text fragment and returns its generated id.
// When the fragment cap is reached the oldest fragment is evicted first.
func (s *Store) AppendFragment(content string) (string, error) {
	if content == "" {
		return "", errors.New("fragment content must not be empty")
	}
	if len(content) > s.maxValueBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(content))
	}

	frag := Fragment{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
		embedding: s.embed.Embed(content),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fragments) >= s.maxFragments {
		drop := len(s.fragments) - s.maxFragments + 1
		s.fragments = append(s.fragments[:0], s.fragments[drop:]...)
	}
	s.fragments = append(s.fragments, frag)
	return frag.ID, nil
}

// SearchResult pairs a fragment with its similarity score.
type SearchResult struct {
	Fragment   Fragment `json:"fragment"`
	Similarity float64  `json:"similarity"`
}

// Search returns up to limit fragments most similar to query, ordered by
// descending similarity with newer fragments winning ties. Results below the
// similarity floor are excluded.
func (s *Store) Search(query string, limit int, minSimilarity float64) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	qv := s.embed.Embed(query)

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.fragments))
	for _, f := range s.fragments {
		sim := Cosine(qv, f.embedding)
		if sim < minSimilarity {
			continue
		}
		results = append(results, SearchResult{Fragment: f, Similarity: sim})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Fragment.CreatedAt.After(results[j].Fragment.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// FragmentCount reports how many fragments are currently held.
func (s *Store) FragmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragments)
}
