package idempotency

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusPending, "pending"},
		{StatusSubmitted, "submitted"},
		{StatusFailed, "failed"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("Status(%d).String() = %q, expected %q", tt.status, got, tt.expected)
		}
	}
}

func TestInMemoryStore_Create(t *testing.T) {
	t.Run("creates new record", func(t *testing.T) {
		store := NewInMemoryStore(0, clock.NewTestClock(testStart))
		defer store.Stop()

		record, err := store.Create("key1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if record.Key != "key1" {
			t.Errorf("expected key 'key1', got %q", record.Key)
		}
		if record.Status != StatusPending {
			t.Errorf("expected status Pending, got %v", record.Status)
		}
		if !record.CreatedAt.Equal(testStart) {
			t.Errorf("expected CreatedAt %v, got %v", testStart, record.CreatedAt)
		}
	})

	t.Run("returns existing record on duplicate key", func(t *testing.T) {
		store := NewInMemoryStore(0, clock.NewTestClock(testStart))
		defer store.Stop()

		record, _ := store.Create("key1")
		record.Status = StatusSubmitted
		record.RecordKey = "0xabc"
		if err := store.Update(record); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		existing, err := store.Create("key1")
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}
		if existing.Status != StatusSubmitted || existing.RecordKey != "0xabc" {
			t.Errorf("expected the stored outcome, got %+v", existing)
		}
	})

	t.Run("allows recreate after TTL expiry", func(t *testing.T) {
		clk := clock.NewTestClock(testStart)
		store := NewInMemoryStore(time.Minute, clk)
		defer store.Stop()

		if _, err := store.Create("key1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		clk.SetTime(testStart.Add(2 * time.Minute))

		if _, err := store.Create("key1"); err != nil {
			t.Errorf("expected no error after TTL expiry, got %v", err)
		}
	})
}

func TestInMemoryStore_Get(t *testing.T) {
	t.Run("gets a copy of an existing record", func(t *testing.T) {
		store := NewInMemoryStore(0, clock.NewTestClock(testStart))
		defer store.Stop()

		_, _ = store.Create("key1")

		got, err := store.Get("key1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got.Status = StatusFailed

		again, _ := store.Get("key1")
		if again.Status != StatusPending {
			t.Errorf("mutating a returned record changed the store: %v", again.Status)
		}
	})

	t.Run("returns error for non-existent key", func(t *testing.T) {
		store := NewInMemoryStore(0, nil)
		defer store.Stop()

		_, err := store.Get("nonexistent")
		if err != ErrKeyNotFound {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("returns error for expired record", func(t *testing.T) {
		clk := clock.NewTestClock(testStart)
		store := NewInMemoryStore(time.Minute, clk)
		defer store.Stop()

		_, _ = store.Create("key1")
		clk.SetTime(testStart.Add(61 * time.Second))

		_, err := store.Get("key1")
		if err != ErrKeyNotFound {
			t.Errorf("expected ErrKeyNotFound for expired record, got %v", err)
		}
	})
}

func TestInMemoryStore_Update(t *testing.T) {
	t.Run("updates existing record", func(t *testing.T) {
		clk := clock.NewTestClock(testStart)
		store := NewInMemoryStore(0, clk)
		defer store.Stop()

		record, _ := store.Create("key1")
		record.Status = StatusSubmitted
		record.TxHash = common.HexToHash("0x01")

		clk.SetTime(testStart.Add(time.Second))
		if err := store.Update(record); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, _ := store.Get("key1")
		if got.Status != StatusSubmitted {
			t.Errorf("expected status Submitted, got %v", got.Status)
		}
		if got.TxHash != common.HexToHash("0x01") {
			t.Errorf("unexpected hash %s", got.TxHash.Hex())
		}
		if !got.UpdatedAt.Equal(testStart.Add(time.Second)) {
			t.Errorf("expected UpdatedAt to move, got %v", got.UpdatedAt)
		}
	})

	t.Run("returns error for non-existent key", func(t *testing.T) {
		store := NewInMemoryStore(0, nil)
		defer store.Stop()

		err := store.Update(&Record{Key: "nonexistent"})
		if err != ErrKeyNotFound {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestInMemoryStore_Delete(t *testing.T) {
	store := NewInMemoryStore(0, nil)
	defer store.Stop()

	_, _ = store.Create("key1")

	if err := store.Delete("key1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Size() != 0 {
		t.Errorf("expected store to be empty, got size %d", store.Size())
	}
	if err := store.Delete("nonexistent"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestInMemoryStore_Cleanup(t *testing.T) {
	ticks := make(chan time.Duration, 8)
	clk := clock.NewTestClockWithTickSignal(testStart, ticks)
	store := NewInMemoryStore(time.Minute, clk)
	defer store.Stop()

	_, _ = store.Create("key1")
	_, _ = store.Create("key2")

	if store.Size() != 2 {
		t.Fatalf("expected size 2, got %d", store.Size())
	}

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("cleanup timer not registered")
	}
	clk.SetTime(testStart.Add(2 * time.Minute))

	// The next registered timer means the previous cleanup pass finished.
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run")
	}

	if store.Size() != 0 {
		t.Errorf("expected empty store after cleanup, got size %d", store.Size())
	}
}

func TestInMemoryStore_Concurrent(t *testing.T) {
	store := NewInMemoryStore(0, nil)
	defer store.Stop()

	var wg sync.WaitGroup
	numGoroutines := 50
	numOperations := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(3)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				_, _ = store.Create(fmt.Sprintf("key%d_%d", id, j))
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				_, _ = store.Get(fmt.Sprintf("key%d_%d", id, j))
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				_ = store.Delete(fmt.Sprintf("key%d_%d", id, j))
			}
		}(i)
	}

	wg.Wait()
}

func TestInMemoryStore_Stop(t *testing.T) {
	store := NewInMemoryStore(100*time.Millisecond, nil)

	// Should be able to call Stop multiple times
	store.Stop()
	store.Stop()

	// Store should still be usable after stop (just cleanup won't run)
	if _, err := store.Create("key1"); err != nil {
		t.Errorf("expected store to still work after stop, got error: %v", err)
	}
}
