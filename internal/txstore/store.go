// Package txstore is the durable store of transaction records, keyed by
// compound key, with bounded retention of settled records.
package txstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/tranvictor/walletcore/txrecord"
)

const (
	keyPrefix = "tx/"

	// DefaultLimit is the number of settled records kept after eviction.
	DefaultLimit = 500
)

// Store persists transaction records over a Backend. After Invalidate or
// Close, reads return empty results and writes are logged no-ops.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	limit   int
	invalid bool
}

// Option configures a Store
type Option func(*Store)

// WithLimit sets the retention limit for settled records. Values below one
// disable eviction.
func WithLimit(limit int) Option {
	return func(s *Store) {
		s.limit = limit
	}
}

// New creates a store over backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		limit:   DefaultLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + strings.ToLower(key))
}

// Upsert inserts or replaces records by compound key in one atomic write.
// Settled records beyond the retention limit are evicted in the same write,
// oldest first.
func (s *Store) Upsert(records ...*txrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		logger.WithFields(logger.Fields{"records": len(records)}).Warn("upsert on invalidated transaction store ignored")
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	staged := make(map[string]*txrecord.Record, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		staged[r.CompoundKey()] = r
	}

	all, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	for k, r := range staged {
		all[k] = r
	}
	evict := s.evictionSet(all)

	err = s.backend.Update(func(w Writer) error {
		for k, r := range staged {
			if _, gone := evict[k]; gone {
				continue
			}
			data, err := txrecord.Encode(r)
			if err != nil {
				return err
			}
			if err := w.Put(storageKey(k), data); err != nil {
				return err
			}
		}
		for k := range evict {
			if err := w.Delete(storageKey(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("couldn't upsert transaction records: %w", err)
	}

	if len(evict) > 0 {
		logger.WithFields(logger.Fields{
			"evicted": len(evict),
			"limit":   s.limit,
		}).Debug("evicted settled transaction records")
	}
	return nil
}

// evictable reports whether r counts against the retention limit: a settled
// plain transfer. Replacements, swaps and in-flight records are kept.
func evictable(r *txrecord.Record) bool {
	return !r.State.IsInFlight() &&
		r.Type == txrecord.TypeNormal &&
		r.Kind() == txrecord.OperationTransfer
}

// evictionSet returns the keys of evictable records past the retention limit.
func (s *Store) evictionSet(all map[string]*txrecord.Record) map[string]struct{} {
	if s.limit <= 0 {
		return nil
	}

	settled := make(map[string]*txrecord.Record)
	for k, r := range all {
		if evictable(r) {
			settled[k] = r
		}
	}
	if len(settled) <= s.limit {
		return nil
	}

	evict := make(map[string]struct{}, len(settled)-s.limit)
	for i, k := range sortedKeys(settled) {
		if i >= s.limit {
			evict[k] = struct{}{}
		}
	}
	return evict
}

// Get returns the record for key, or nil if it is absent or the store was
// invalidated.
func (s *Store) Get(key string) (*txrecord.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.invalid {
		return nil, nil
	}
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (*txrecord.Record, error) {
	data, err := s.backend.Get(storageKey(key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't read transaction record %s: %w", key, err)
	}
	return txrecord.Decode(data)
}

// UpdateState changes only the state of the record at key and returns the
// updated record. A missing record is not an error; nil is returned.
func (s *Store) UpdateState(key string, state txrecord.State) (*txrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		logger.WithFields(logger.Fields{
			"key":   key,
			"state": state.String(),
		}).Warn("state update on invalidated transaction store ignored")
		return nil, nil
	}

	r, err := s.getLocked(key)
	if err != nil || r == nil {
		return nil, err
	}
	r.State = state

	data, err := txrecord.Encode(r)
	if err != nil {
		return nil, err
	}
	err = s.backend.Update(func(w Writer) error {
		return w.Put(storageKey(key), data)
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't update state of %s: %w", key, err)
	}
	return r, nil
}

// Delete removes records in one atomic write.
func (s *Store) Delete(records ...*txrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		logger.WithFields(logger.Fields{"records": len(records)}).Warn("delete on invalidated transaction store ignored")
		return nil
	}

	err := s.backend.Update(func(w Writer) error {
		for _, r := range records {
			if r == nil {
				continue
			}
			if err := w.Delete(storageKey(r.CompoundKey())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("couldn't delete transaction records: %w", err)
	}
	return nil
}

// AllSortedByDateDescending returns every record with a non-empty id, newest
// first. Records with equal dates are ordered by compound key.
func (s *Store) AllSortedByDateDescending() ([]*txrecord.Record, error) {
	return s.Filter(func(*txrecord.Record) bool { return true })
}

// Filter returns the records matching pred, newest first.
func (s *Store) Filter(pred func(*txrecord.Record) bool) ([]*txrecord.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.invalid {
		return nil, nil
	}

	all, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}

	matched := make(map[string]*txrecord.Record, len(all))
	for k, r := range all {
		if r.ID == "" || !pred(r) {
			continue
		}
		matched[k] = r
	}
	return sortedRecords(matched), nil
}

// PendingFor returns the in-flight records sent by account, newest first.
func (s *Store) PendingFor(account common.Address) ([]*txrecord.Record, error) {
	return s.Filter(func(r *txrecord.Record) bool {
		return r.IsFrom(account) && r.State.IsInFlight()
	})
}

// LatestReplacing returns the most recent record of account that is being
// cancelled or sped up, if any.
func (s *Store) LatestReplacing(account common.Address) (*txrecord.Record, error) {
	records, err := s.Filter(func(r *txrecord.Record) bool {
		return r.IsFrom(account) && r.State.IsReplacing()
	})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// LocalPendingNonce returns the highest nonce among the account's in-flight
// records.
func (s *Store) LocalPendingNonce(account common.Address) (fn.Option[uint64], error) {
	records, err := s.PendingFor(account)
	if err != nil {
		return fn.None[uint64](), err
	}

	highest := fn.None[uint64]()
	for _, r := range records {
		n, err := r.NonceValue()
		if err != nil {
			logger.WithFields(logger.Fields{
				"key":   r.CompoundKey(),
				"nonce": r.Nonce,
			}).Warn("skipping pending record with unparsable nonce")
			continue
		}
		if n >= highest.UnwrapOr(0) {
			highest = fn.Some(n)
		}
	}
	return highest, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.invalid {
		return 0, nil
	}
	all, err := s.loadAllLocked()
	return len(all), err
}

// Invalidate detaches the store from its backend without closing it.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
}

// Close invalidates the store and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	s.invalid = true
	backend := s.backend
	s.backend = nil
	return backend.Close()
}

// loadAllLocked reads every record. Undecodable entries are logged and skipped.
func (s *Store) loadAllLocked() (map[string]*txrecord.Record, error) {
	all := make(map[string]*txrecord.Record)
	err := s.backend.ForEach([]byte(keyPrefix), func(key, value []byte) error {
		r, err := txrecord.Decode(value)
		if err != nil {
			logger.WithFields(logger.Fields{
				"key":   string(key),
				"error": err,
			}).Warn("skipping undecodable transaction record")
			return nil
		}
		all[strings.TrimPrefix(string(key), keyPrefix)] = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't read transaction records: %w", err)
	}
	return all, nil
}

type orderKey struct {
	date time.Time
	key  string
}

// byDateDesc orders newest first, then by key for a stable total order.
func byDateDesc(a, b interface{}) int {
	x, y := a.(orderKey), b.(orderKey)
	switch {
	case x.date.After(y.date):
		return -1
	case x.date.Before(y.date):
		return 1
	default:
		return strings.Compare(x.key, y.key)
	}
}

func newDateIndex(records map[string]*txrecord.Record) *treemap.Map {
	index := treemap.NewWith(byDateDesc)
	for k, r := range records {
		index.Put(orderKey{date: r.Date, key: k}, r)
	}
	return index
}

func sortedRecords(records map[string]*txrecord.Record) []*txrecord.Record {
	values := newDateIndex(records).Values()
	out := make([]*txrecord.Record, 0, len(values))
	for _, v := range values {
		out = append(out, v.(*txrecord.Record))
	}
	return out
}

func sortedKeys(records map[string]*txrecord.Record) []string {
	keys := newDateIndex(records).Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(orderKey).key)
	}
	return out
}
