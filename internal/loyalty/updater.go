package loyalty

import (
	"context"
	"errors"
	"log"
	"time"

	"farmapos/backend/internal/store"
)

// Updater applies deferred customer-analytics tasks. It runs after the sale
// has committed, so its failures must never surface to the order caller;
// the worker retries them instead.
type Updater struct {
	repo store.Repository
	now  func() time.Time
}

func NewUpdater(repo store.Repository) *Updater {
	return &Updater{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Apply processes one task. Walk-in orders, unknown customers and duplicate
// deliveries are all no-ops, not errors.
func (u *Updater) Apply(ctx context.Context, task Task) error {
	if task.CustomerID == "" {
		return nil
	}

	spendDelta := task.TotalCents
	orderDelta := 1
	pointsDelta := PointsFor(task.TotalCents)
	var lastOrderAt *time.Time

	switch task.Kind {
	case TaskCompleted:
		at := task.OccurredAt.UTC()
		lastOrderAt = &at
	case TaskRefunded:
		spendDelta = -spendDelta
		orderDelta = -orderDelta
		pointsDelta = -pointsDelta
	default:
		log.Printf("[loyalty] WARN: dropping task with unknown kind %q order=%s", task.Kind, task.OrderID)
		return nil
	}

	customer, applied, err := u.repo.ApplyLoyaltyDelta(ctx, task.OrderID, task.Kind, task.CustomerID, spendDelta, orderDelta, pointsDelta, lastOrderAt)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[loyalty] WARN: customer %s not found for order %s, skipping", task.CustomerID, task.OrderID)
		return nil
	}
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[loyalty] duplicate delivery for order=%s kind=%s, aggregates untouched", task.OrderID, task.Kind)
	}

	// Classification is pure, so it runs on every delivery, including
	// duplicates. A redelivery after a failed segment write is exactly how
	// the segment catches up with already-applied aggregates.
	segment := Classify(customer.TotalSpentCents, customer.TotalOrders, customer.LoyaltyPoints, daysSince(customer.LastOrderAt, u.now()))
	if segment == customer.Segment {
		return nil
	}
	return u.repo.UpdateCustomerSegment(ctx, customer.ID, segment)
}

func daysSince(last *time.Time, now time.Time) int {
	if last == nil {
		return 0
	}
	elapsed := now.Sub(*last)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Hours() / 24)
}
