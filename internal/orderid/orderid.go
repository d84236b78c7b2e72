package orderid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// seqBits is the number of low bits reserved for the same-millisecond
// sequence counter, giving 4096 ids per millisecond before the generator
// borrows from the next one.
const seqBits = 12

// Generator issues time-ordered order identifiers. Values are strictly
// increasing across concurrent callers: a sequence counter breaks ties
// within one millisecond, and an issued value is always greater than the
// previous one even if the wall clock steps backwards.
type Generator struct {
	mu   sync.Mutex
	last int64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) next(now time.Time) int64 {
	candidate := now.UnixMilli() << seqBits

	g.mu.Lock()
	defer g.mu.Unlock()
	if candidate <= g.last {
		candidate = g.last + 1
	}
	g.last = candidate
	return candidate
}

// NextOrder returns the identifier, order number and reference number for a
// newly created order. The id and order number share one monotonic value;
// the reference number adds a random suffix so it is safe to print on
// receipts without leaking the order sequence.
func (g *Generator) NextOrder(now time.Time) (id string, orderNumber string, refNumber string) {
	value := g.next(now)
	id = strconv.FormatInt(value, 10)
	orderNumber = fmt.Sprintf("ORD-%d", value)

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		refNumber = fmt.Sprintf("INV-%s-%d", now.UTC().Format("20060102"), value&(1<<seqBits-1))
		return id, orderNumber, refNumber
	}
	refNumber = fmt.Sprintf("INV-%s-%s", now.UTC().Format("20060102"), hex.EncodeToString(suffix))
	return id, orderNumber, refNumber
}
