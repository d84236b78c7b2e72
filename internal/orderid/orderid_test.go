package orderid

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNextOrderValuesAreStrictlyIncreasing(t *testing.T) {
	g := New()
	now := time.Now()

	var prev int64
	for i := 0; i < 10000; i++ {
		id, _, _ := g.NextOrder(now)
		value, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			t.Fatalf("id %q is not numeric: %v", id, err)
		}
		if value <= prev {
			t.Fatalf("id %d not greater than previous %d at iteration %d", value, prev, i)
		}
		prev = value
	}
}

func TestNextOrderSurvivesClockStepBack(t *testing.T) {
	g := New()
	now := time.Now()

	first, _, _ := g.NextOrder(now)
	second, _, _ := g.NextOrder(now.Add(-time.Minute))

	a, _ := strconv.ParseInt(first, 10, 64)
	b, _ := strconv.ParseInt(second, 10, 64)
	if b <= a {
		t.Fatalf("expected %d > %d after clock step back", b, a)
	}
}

func TestNextOrderUniqueUnderConcurrency(t *testing.T) {
	g := New()
	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, _, _ := g.NextOrder(time.Now())
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestNextOrderNumberFormats(t *testing.T) {
	g := New()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	id, orderNumber, refNumber := g.NextOrder(now)
	if orderNumber != "ORD-"+id {
		t.Fatalf("order number %q does not match id %q", orderNumber, id)
	}
	if !strings.HasPrefix(refNumber, "INV-20260314-") {
		t.Fatalf("unexpected ref number %q", refNumber)
	}
}
