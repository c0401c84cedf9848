package aid

import (
	"sync"
	"testing"
)

func TestNextProducesUniqueValues(t *testing.T) {
	alloc := NewSerialAllocator(3)

	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		sn := alloc.Next()
		if sn > MaxSerialNumber {
			t.Fatalf("Serial number exceeds 54-bit budget: %d", sn)
		}
		if seen[sn] {
			t.Fatalf("Duplicate serial number: %d", sn)
		}
		seen[sn] = true
	}
}

func TestNextIsMonotonic(t *testing.T) {
	alloc := NewSerialAllocator(1)

	prev := alloc.Next()
	for i := 0; i < 1000; i++ {
		cur := alloc.Next()
		if cur < prev {
			t.Fatalf("Serial numbers went backwards: %d then %d", prev, cur)
		}
		prev = cur
	}
}

func TestNextConcurrentUniqueness(t *testing.T) {
	alloc := NewSerialAllocator(7)

	const workers = 10
	const perWorker = 500

	var wg sync.WaitGroup
	results := make(chan uint64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				results <- alloc.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for sn := range results {
		if seen[sn] {
			t.Fatalf("Duplicate serial number under concurrency: %d", sn)
		}
		seen[sn] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("Expected %d unique values, got %d", workers*perWorker, len(seen))
	}
}

func TestSequenceOverflowAdvancesTimestamp(t *testing.T) {
	alloc := NewSerialAllocator(0)

	// Pin the state to a far-future millisecond so every Next lands in
	// the "same millisecond" branch until the sequence overflows.
	const pinnedTS = uint64(1) << 40
	alloc.state.Store(encodeState(pinnedTS, 0))

	var last uint64
	for i := 0; i < maxSequence; i++ {
		last = alloc.Next()
	}
	ts, _, seq := DecomposeSerial(last)
	if ts != pinnedTS {
		t.Fatalf("Expected pinned timestamp %d, got %d", pinnedTS, ts)
	}
	if seq != maxSequence {
		t.Fatalf("Expected sequence %d, got %d", maxSequence, seq)
	}

	// The next allocation exhausts the sequence and must force-advance.
	overflowed := alloc.Next()
	ts, _, seq = DecomposeSerial(overflowed)
	if ts != pinnedTS+1 {
		t.Fatalf("Expected timestamp %d after overflow, got %d", pinnedTS+1, ts)
	}
	if seq != 0 {
		t.Fatalf("Expected sequence reset to 0, got %d", seq)
	}
}

func TestWorkerIDEmbedded(t *testing.T) {
	alloc := NewSerialAllocator(13)
	_, worker, _ := DecomposeSerial(alloc.Next())
	if worker != 13 {
		t.Fatalf("Expected worker id 13, got %d", worker)
	}
}

func TestWorkerIDMasked(t *testing.T) {
	alloc := NewSerialAllocator(maxWorkerID + 5)
	if alloc.WorkerID() > maxWorkerID {
		t.Fatalf("Worker id not masked: %d", alloc.WorkerID())
	}
}

func TestNewSerialAllocatorFromHost(t *testing.T) {
	alloc := NewSerialAllocatorFromHost()
	if alloc.WorkerID() > maxWorkerID {
		t.Fatalf("Derived worker id out of range: %d", alloc.WorkerID())
	}
	if alloc.Next() == alloc.Next() {
		t.Fatal("Consecutive allocations must differ")
	}
}
