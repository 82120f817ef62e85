// Package audit implements the never-drop audit pipeline of spec §4.5
// step 6 / §7: every Verification Result is recorded to an append-only,
// hash-chained store, with a bounded queue standing between the hot
// path and the (comparatively slow) durable write.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-control/plane/pkg/gate"
)

// ErrChainBroken is returned by VerifyChain when a stored entry's hash
// no longer matches its recomputed value or the previous-hash link is
// discontinuous.
var ErrChainBroken = errors.New("audit: hash chain is broken")

// Entry is one immutable audit record: a Verification Request/Result
// pair, content-addressed and chained to the entry before it so the
// log as a whole can be proven untampered (§7 "audit trail integrity").
type Entry struct {
	EntryID      string      `json:"entry_id"`
	Sequence     uint64      `json:"sequence"`
	Timestamp    time.Time   `json:"timestamp"`
	RequestID    string      `json:"request_id"`
	AgentID      string      `json:"agent_id"`
	Action       string      `json:"action"`
	Region       string      `json:"region"`
	Result       gate.Result `json:"result"`
	PayloadHash  string      `json:"payload_hash"`
	PreviousHash string      `json:"previous_hash"`
	EntryHash    string      `json:"entry_hash"`
}

// Store is an append-only, hash-chained audit log. Safe for concurrent
// use; writers serialize on an internal mutex, readers take a snapshot.
type Store struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      []string // parallel index, same order as entries
	index     map[string]*Entry
	chainHead string
	sequence  uint64
}

// NewStore returns an empty store with the chain rooted at "genesis".
func NewStore() *Store {
	return &Store{
		index:     make(map[string]*Entry),
		chainHead: "genesis",
	}
}

// Append records one verification outcome and returns the stored entry.
func (s *Store) Append(req gate.Request, res gate.Result) (*Entry, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence,
		Timestamp:    time.Now().UTC(),
		RequestID:    req.RequestID,
		AgentID:      req.AgentID,
		Action:       req.Action,
		Region:       req.Region,
		Result:       res,
		PayloadHash:  hashBytes(payload),
		PreviousHash: s.chainHead,
	}
	entry.EntryHash = s.computeEntryHash(entry)
	s.chainHead = entry.EntryHash

	s.entries = append(s.entries, entry)
	s.byID = append(s.byID, entry.EntryID)
	s.index[entry.EntryID] = entry

	return entry, nil
}

func (s *Store) computeEntryHash(e *Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		RequestID    string    `json:"request_id"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.RequestID, e.PayloadHash, e.PreviousHash}
	data, _ := json.Marshal(hashable)
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Get retrieves an entry by ID.
func (s *Store) Get(entryID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[entryID]
	return e, ok
}

// ChainHead returns the current head hash, "genesis" for an empty store.
func (s *Store) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Len reports the number of recorded entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Since returns every entry with Sequence > afterSeq, in order.
func (s *Store) Since(afterSeq uint64) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// VerifyChain recomputes every entry's hash and previous-hash link,
// proving (or disproving) that the log has not been tampered with.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := "genesis"
	for i, e := range s.entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d previous_hash %s, expected %s", ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		if got := s.computeEntryHash(e); got != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}
