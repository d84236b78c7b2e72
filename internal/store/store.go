package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderState        = errors.New("order not in expected state")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// UnitOfWork is the write surface available inside one atomic unit. Writes
// made through it become visible only when the unit commits; if the unit
// fails, all of them are discarded together.
type UnitOfWork interface {
	InsertOrder(ctx context.Context, order domain.Order) error
	// GetOrderForUpdate loads the order header and lines and locks the row
	// for the remainder of the unit.
	GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error)
	// UpdateOrderStatus transitions the order from one status to another and
	// applies the payment patch. Fails with ErrOrderState when the order is
	// not currently in the expected status.
	UpdateOrderStatus(ctx context.Context, orderID string, from string, to string, patch domain.OrderPaymentPatch) error
	// ApplyStockDelta adjusts product quantity by delta in a single guarded
	// statement. A negative delta that would take quantity below zero fails
	// with ErrInsufficientStock; an unknown product fails with ErrNotFound.
	// sale additionally bumps the product's sales counter.
	ApplyStockDelta(ctx context.Context, productID string, delta int, sale bool) error
	AppendAccountingEntry(ctx context.Context, entry domain.AccountingEntry) error
	InsertRestockHistory(ctx context.Context, entry domain.RestockHistory) error
	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Repository interface {
	// Atomic runs fn as one atomic unit of work. When fn returns an error
	// every write made through the unit is rolled back and the error is
	// returned unchanged.
	Atomic(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error

	GetOrderByID(ctx context.Context, orderID string) (*domain.Order, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error)

	// ApplyLoyaltyDelta adjusts a customer's spend/order/point aggregates by
	// the given deltas in one atomic statement, recomputes the average order
	// value and bumps last_order_at when lastOrderAt is non-nil. The
	// (orderID, kind) pair is recorded for dedup: a repeat delivery returns
	// applied=false and changes nothing, which makes at-least-once queue
	// delivery safe.
	ApplyLoyaltyDelta(ctx context.Context, orderID string, kind string, customerID string, spendDelta int64, orderDelta int, pointsDelta int64, lastOrderAt *time.Time) (customer *domain.Customer, applied bool, err error)
	UpdateCustomerSegment(ctx context.Context, customerID string, segment string) error

	// AppendAuditLog writes an audit entry outside any atomic unit
	// (best-effort trail for operations that already committed).
	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error

	ListRestockHistory(ctx context.Context, productID string, limit int) ([]domain.RestockHistory, error)
	ListAccountingEntries(ctx context.Context, from time.Time, to time.Time) ([]domain.AccountingEntry, error)
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
