package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type unit struct {
	tx *sql.Tx
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, unit{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (u unit) InsertOrder(ctx context.Context, order domain.Order) error {
	linesJSON, err := json.Marshal(order.Lines)
	if err != nil {
		return err
	}
	_, err = u.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, ref_number, customer_id, status,
			subtotal_cents, discount_cents, tax_cents, total_cents,
			paid_cents, change_cents, payment_method, lines_json,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
	`, order.ID, order.OrderNumber, order.RefNumber, order.CustomerID, order.Status,
		order.SubtotalCents, order.DiscountCents, order.TaxCents, order.TotalCents,
		order.PaidCents, order.ChangeCents, order.PaymentMethod, linesJSON, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidOrder
		}
		return err
	}
	return nil
}

func (u unit) GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, order_number, ref_number, COALESCE(customer_id, ''), status,
		       subtotal_cents, discount_cents, tax_cents, total_cents,
		       paid_cents, change_cents, payment_method, lines_json, created_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	return scanOrder(row)
}

func (u unit) UpdateOrderStatus(ctx context.Context, orderID string, from string, to string, patch domain.OrderPaymentPatch) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    paid_cents = COALESCE($4, paid_cents),
		    change_cents = COALESCE($5, change_cents),
		    payment_method = COALESCE($6, payment_method),
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`, orderID, from, to, patch.PaidCents, patch.ChangeCents, patch.PaymentMethod)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing order from one in the wrong status.
		var status string
		err := u.tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrOrderState
	}
	return nil
}

func (u unit) ApplyStockDelta(ctx context.Context, productID string, delta int, sale bool) error {
	salesBump := 0
	if sale && delta < 0 {
		salesBump = -delta
	}
	// The guard lives in the statement itself so the quantity can never race
	// below zero regardless of what was read earlier in the unit.
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2,
		    sales_count = sales_count + $3,
		    updated_at = now()
		WHERE id = $1 AND quantity + $2 >= 0
	`, productID, delta, salesBump)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		err := u.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func (u unit) AppendAccountingEntry(ctx context.Context, entry domain.AccountingEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("acct")
	}
	if entry.EntryDate.IsZero() {
		entry.EntryDate = time.Now().UTC()
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO accounting_entries (id, entry_date, description, amount_cents, category, payment_method, reference)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.EntryDate, entry.Description, entry.AmountCents, entry.Category, entry.PaymentMethod, entry.Reference)
	return err
}

func (u unit) InsertRestockHistory(ctx context.Context, entry domain.RestockHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("restock")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO restock_history (id, product_id, qty, supplier_id, note, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)
	`, entry.ID, entry.ProductID, entry.Qty, entry.SupplierID, entry.Note, entry.CreatedAt)
	return err
}

func (u unit) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, u.tx, entry)
}

func (s *Store) GetOrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, ref_number, COALESCE(customer_id, ''), status,
		       subtotal_cents, discount_cents, tax_cents, total_cents,
		       paid_cents, change_cents, payment_method, lines_json, created_at
		FROM orders
		WHERE id = $1
	`, orderID)
	return scanOrder(row)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, quantity, reorder_point, cost_cents, price_cents, COALESCE(supplier_id, ''), sales_count
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Quantity, &p.ReorderPoint, &p.CostCents, &p.PriceCents, &p.SupplierID, &p.SalesCount); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, quantity, reorder_point, cost_cents, price_cents, COALESCE(supplier_id, ''), sales_count
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.Category, &p.Quantity, &p.ReorderPoint, &p.CostCents, &p.PriceCents, &p.SupplierID, &p.SalesCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, quantity, reorder_point, cost_cents, price_cents, COALESCE(supplier_id, ''), sales_count
		FROM products
		WHERE id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Quantity, &p.ReorderPoint, &p.CostCents, &p.PriceCents, &p.SupplierID, &p.SalesCount); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	var lastOrderAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), total_spent_cents, total_orders, avg_order_cents, loyalty_points, last_order_at, segment
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.Phone, &c.TotalSpentCents, &c.TotalOrders, &c.AvgOrderCents, &c.LoyaltyPoints, &lastOrderAt, &c.Segment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if lastOrderAt.Valid {
		at := lastOrderAt.Time.UTC()
		c.LastOrderAt = &at
	}
	return &c, nil
}

func (s *Store) ApplyLoyaltyDelta(ctx context.Context, orderID string, kind string, customerID string, spendDelta int64, orderDelta int, pointsDelta int64, lastOrderAt *time.Time) (*domain.Customer, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// The (order_id, kind) row is the dedup record: a repeat delivery hits
	// the conflict and applies nothing.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO loyalty_applied (order_id, kind, customer_id, applied_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (order_id, kind) DO NOTHING
	`, orderID, kind, customerID)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted == 0 {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		customer, err := s.GetCustomerByID(ctx, customerID)
		if err != nil {
			return nil, false, err
		}
		return customer, false, nil
	}

	var c domain.Customer
	var last sql.NullTime
	err = tx.QueryRowContext(ctx, `
		UPDATE customers
		SET total_spent_cents = total_spent_cents + $2,
		    total_orders = total_orders + $3,
		    loyalty_points = loyalty_points + $4,
		    avg_order_cents = CASE
		        WHEN total_orders + $3 > 0 THEN (total_spent_cents + $2) / (total_orders + $3)
		        ELSE 0
		    END,
		    last_order_at = COALESCE($5, last_order_at),
		    updated_at = now()
		WHERE id = $1
		RETURNING id, name, COALESCE(phone, ''), total_spent_cents, total_orders, avg_order_cents, loyalty_points, last_order_at, segment
	`, customerID, spendDelta, orderDelta, pointsDelta, lastOrderAt).Scan(
		&c.ID, &c.Name, &c.Phone, &c.TotalSpentCents, &c.TotalOrders, &c.AvgOrderCents, &c.LoyaltyPoints, &last, &c.Segment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, store.ErrNotFound
		}
		return nil, false, err
	}
	if last.Valid {
		at := last.Time.UTC()
		c.LastOrderAt = &at
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *Store) UpdateCustomerSegment(ctx context.Context, customerID string, segment string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET segment = $2, updated_at = now()
		WHERE id = $1
	`, customerID, segment)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, s.db, entry)
}

func (s *Store) ListRestockHistory(ctx context.Context, productID string, limit int) ([]domain.RestockHistory, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, qty, COALESCE(supplier_id, ''), note, created_at
		FROM restock_history
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.RestockHistory, 0, limit)
	for rows.Next() {
		var entry domain.RestockHistory
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.Qty, &entry.SupplierID, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListAccountingEntries(ctx context.Context, from time.Time, to time.Time) ([]domain.AccountingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_date, description, amount_cents, category, payment_method, reference
		FROM accounting_entries
		WHERE entry_date >= $1 AND entry_date < $2
		ORDER BY entry_date ASC, id ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AccountingEntry, 0, 64)
	for rows.Next() {
		var entry domain.AccountingEntry
		if err := rows.Scan(&entry.ID, &entry.EntryDate, &entry.Description, &entry.AmountCents, &entry.Category, &entry.PaymentMethod, &entry.Reference); err != nil {
			return nil, err
		}
		entry.EntryDate = entry.EntryDate.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, actor, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.PharmacyID, &entry.Actor, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if user.Role == "" {
		user.Role = "pharmacist"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,true,now())
	`, username, user.Password, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidOrder
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditLog(ctx context.Context, db execer, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, pharmacy_id, actor, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.PharmacyID, entry.Actor, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	var order domain.Order
	var linesRaw []byte
	err := row.Scan(&order.ID, &order.OrderNumber, &order.RefNumber, &order.CustomerID, &order.Status,
		&order.SubtotalCents, &order.DiscountCents, &order.TaxCents, &order.TotalCents,
		&order.PaidCents, &order.ChangeCents, &order.PaymentMethod, &linesRaw, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &order.Lines); err != nil {
			return nil, err
		}
	}
	return &order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
