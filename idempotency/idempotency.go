// Package idempotency provides an idempotency key store for preventing duplicate
// transaction submissions. A submission carrying a key that was already used
// returns the outcome of the first submission instead of broadcasting again.
package idempotency

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
)

// Errors
var (
	// ErrDuplicateKey is returned when a submission with the same key already exists
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key: transaction already submitted")

	// ErrKeyNotFound is returned when looking up a non-existent key
	ErrKeyNotFound = fmt.Errorf("idempotency key not found")
)

// Status represents the status of an idempotent submission
type Status int

const (
	StatusPending   Status = iota // Submission is being processed
	StatusSubmitted               // Broadcast accepted, record stored
	StatusFailed                  // Broadcast rejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record stores the outcome of an idempotent submission
type Record struct {
	Key    string
	Status Status
	TxHash common.Hash

	// RecordKey is the compound key of the stored transaction record.
	RecordKey string

	Error     error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides storage for idempotency keys
type Store interface {
	// Get retrieves an existing record by key
	Get(key string) (*Record, error)

	// Create creates a new record, returning the existing one and
	// ErrDuplicateKey if the key is taken
	Create(key string) (*Record, error)

	// Update updates an existing record
	Update(record *Record) error

	// Delete removes a record by key
	Delete(key string) error
}

// InMemoryStore is a simple in-memory implementation of Store. Records are
// copied in and out, so callers never share them.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   clock.Clock

	// TTL for records (0 means no expiration)
	ttl time.Duration

	stopChan chan struct{}
	stopped  bool
}

// NewInMemoryStore creates a new in-memory idempotency store. A nil clk uses
// the wall clock.
func NewInMemoryStore(ttl time.Duration, clk clock.Clock) *InMemoryStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	store := &InMemoryStore{
		records:  make(map[string]*Record),
		clock:    clk,
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go store.cleanupLoop()
	}

	return store
}

// Stop stops the cleanup goroutine. Should be called when the store is no longer needed
// to prevent goroutine leaks.
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

func (s *InMemoryStore) expired(r *Record) bool {
	return s.ttl > 0 && s.clock.Now().Sub(r.CreatedAt) > s.ttl
}

// Get retrieves an existing record by key
func (s *InMemoryStore) Get(key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists || s.expired(record) {
		return nil, ErrKeyNotFound
	}

	cp := *record
	return &cp, nil
}

// Create creates a new record, returning the existing one and ErrDuplicateKey
// if the key is taken
func (s *InMemoryStore) Create(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.records[key]; exists && !s.expired(existing) {
		cp := *existing
		return &cp, ErrDuplicateKey
	}

	now := s.clock.Now()
	record := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = record

	cp := *record
	return &cp, nil
}

// Update updates an existing record
func (s *InMemoryStore) Update(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Key]; !exists {
		return ErrKeyNotFound
	}

	record.UpdatedAt = s.clock.Now()
	cp := *record
	s.records[record.Key] = &cp
	return nil
}

// Delete removes a record by key
func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// cleanupLoop periodically removes expired records
func (s *InMemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.clock.TickAfter(s.ttl):
			s.cleanup()
		}
	}
}

// cleanup removes expired records
func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, record := range s.records {
		if s.expired(record) {
			delete(s.records, key)
		}
	}
}

// Size returns the number of records in the store
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
