package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

// Store is the in-memory repository used for dev/demo mode and tests. One
// mutex guards all state; Atomic holds it for the whole unit and restores a
// snapshot on failure, so units observe the same all-or-nothing behavior as
// the PostgreSQL store.
type Store struct {
	mu                sync.RWMutex
	products          map[string]domain.Product
	ordersByID        map[string]*domain.Order
	customersByID     map[string]domain.Customer
	accountingEntries []domain.AccountingEntry
	restockHistory    []domain.RestockHistory
	auditLogs         []domain.AuditLog
	loyaltyApplied    map[string]struct{}
	usersByUsername   map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD;
// hardcoded dev defaults are used with a warning when unset. These accounts
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "apotek123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_PHARMACIST_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"pharmacist", pharmacistPwd, "pharmacist"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod-paracetamol", Name: "Paracetamol 500mg Strip", Category: "analgesic", Quantity: 120, ReorderPoint: 20, CostCents: 450, PriceCents: 800},
		{ID: "prod-amoxicillin", Name: "Amoxicillin 500mg Strip", Category: "antibiotic", Quantity: 80, ReorderPoint: 15, CostCents: 1400, PriceCents: 2200},
		{ID: "prod-cetirizine", Name: "Cetirizine 10mg Strip", Category: "antihistamine", Quantity: 95, ReorderPoint: 15, CostCents: 600, PriceCents: 1100},
		{ID: "prod-omeprazole", Name: "Omeprazole 20mg Strip", Category: "antacid", Quantity: 60, ReorderPoint: 10, CostCents: 1900, PriceCents: 3100},
		{ID: "prod-vitamin-c", Name: "Vitamin C 500mg Bottle", Category: "supplement", Quantity: 150, ReorderPoint: 25, CostCents: 2500, PriceCents: 4200},
		{ID: "prod-ors", Name: "Oral Rehydration Salts", Category: "rehydration", Quantity: 200, ReorderPoint: 30, CostCents: 300, PriceCents: 600},
		{ID: "prod-ibuprofen", Name: "Ibuprofen 400mg Strip", Category: "analgesic", Quantity: 70, ReorderPoint: 15, CostCents: 700, PriceCents: 1300},
		{ID: "prod-bandage", Name: "Elastic Bandage Roll", Category: "first-aid", Quantity: 45, ReorderPoint: 10, CostCents: 1100, PriceCents: 1900},
		{ID: "prod-antiseptic", Name: "Antiseptic Solution 100ml", Category: "first-aid", Quantity: 55, ReorderPoint: 10, CostCents: 1600, PriceCents: 2700},
		{ID: "prod-cough-syrup", Name: "Cough Syrup 60ml", Category: "cold-flu", Quantity: 40, ReorderPoint: 8, CostCents: 2100, PriceCents: 3500},
	}

	lastMonth := time.Now().UTC().AddDate(0, -1, 0)
	lastWeek := time.Now().UTC().AddDate(0, 0, -7)
	customers := []domain.Customer{
		{ID: "cust-ani", Name: "Ani Wijaya", Phone: "0811-2000-001", TotalSpentCents: 4_500_000, TotalOrders: 12, AvgOrderCents: 375_000, LoyaltyPoints: 45, LastOrderAt: &lastWeek, Segment: domain.SegmentRegular},
		{ID: "cust-budi", Name: "Budi Santoso", Phone: "0811-2000-002", TotalSpentCents: 28_000_000, TotalOrders: 34, AvgOrderCents: 823_529, LoyaltyPoints: 280, LastOrderAt: &lastWeek, Segment: domain.SegmentLoyal},
		{ID: "cust-citra", Name: "Citra Lestari", Phone: "0811-2000-003", TotalSpentCents: 0, TotalOrders: 0, AvgOrderCents: 0, LoyaltyPoints: 0, Segment: domain.SegmentNew},
		{ID: "cust-dewi", Name: "Dewi Anggraini", Phone: "0811-2000-004", TotalSpentCents: 9_200_000, TotalOrders: 7, AvgOrderCents: 1_314_285, LoyaltyPoints: 92, LastOrderAt: &lastMonth, Segment: domain.SegmentRegular},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	customerMap := make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		customerMap[c.ID] = c
	}

	return &Store{
		products:          productMap,
		ordersByID:        make(map[string]*domain.Order),
		customersByID:     customerMap,
		accountingEntries: make([]domain.AccountingEntry, 0, 128),
		restockHistory:    make([]domain.RestockHistory, 0, 64),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		loyaltyApplied:    make(map[string]struct{}),
		usersByUsername:   seedUsers(),
	}
}

// snapshot captures the state a unit of work may touch; restore puts it
// back verbatim. Slices are append-only inside units, so keeping the
// original headers is enough.
type snapshot struct {
	products          map[string]domain.Product
	ordersByID        map[string]*domain.Order
	accountingEntries []domain.AccountingEntry
	restockHistory    []domain.RestockHistory
	auditLogs         []domain.AuditLog
}

func (s *Store) takeSnapshot() snapshot {
	products := make(map[string]domain.Product, len(s.products))
	for id, p := range s.products {
		products[id] = p
	}
	orders := make(map[string]*domain.Order, len(s.ordersByID))
	for id, order := range s.ordersByID {
		orders[id] = cloneOrder(order)
	}
	return snapshot{
		products:          products,
		ordersByID:        orders,
		accountingEntries: s.accountingEntries,
		restockHistory:    s.restockHistory,
		auditLogs:         s.auditLogs,
	}
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.ordersByID = snap.ordersByID
	s.accountingEntries = snap.accountingEntries
	s.restockHistory = snap.restockHistory
	s.auditLogs = snap.auditLogs
}

type unit struct {
	s *Store
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.takeSnapshot()
	if err := fn(ctx, unit{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (u unit) InsertOrder(_ context.Context, order domain.Order) error {
	if order.ID == "" {
		return store.ErrInvalidOrder
	}
	if _, exists := u.s.ordersByID[order.ID]; exists {
		return store.ErrInvalidOrder
	}
	u.s.ordersByID[order.ID] = cloneOrder(&order)
	return nil
}

func (u unit) GetOrderForUpdate(_ context.Context, orderID string) (*domain.Order, error) {
	order, exists := u.s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (u unit) UpdateOrderStatus(_ context.Context, orderID string, from string, to string, patch domain.OrderPaymentPatch) error {
	order, exists := u.s.ordersByID[orderID]
	if !exists {
		return store.ErrNotFound
	}
	if order.Status != from {
		return store.ErrOrderState
	}
	order.Status = to
	if patch.PaidCents != nil {
		order.PaidCents = *patch.PaidCents
	}
	if patch.ChangeCents != nil {
		order.ChangeCents = *patch.ChangeCents
	}
	if patch.PaymentMethod != nil {
		order.PaymentMethod = *patch.PaymentMethod
	}
	return nil
}

func (u unit) ApplyStockDelta(_ context.Context, productID string, delta int, sale bool) error {
	product, exists := u.s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	if product.Quantity+delta < 0 {
		return store.ErrInsufficientStock
	}
	product.Quantity += delta
	if sale && delta < 0 {
		product.SalesCount += int64(-delta)
	}
	u.s.products[productID] = product
	return nil
}

func (u unit) AppendAccountingEntry(_ context.Context, entry domain.AccountingEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("acct")
	}
	if entry.EntryDate.IsZero() {
		entry.EntryDate = time.Now().UTC()
	}
	u.s.accountingEntries = append(u.s.accountingEntries, entry)
	return nil
}

func (u unit) InsertRestockHistory(_ context.Context, entry domain.RestockHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("restock")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.s.restockHistory = append(u.s.restockHistory, entry)
	return nil
}

func (u unit) AppendAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.s.auditLogs = append(u.s.auditLogs, entry)
	return nil
}

func (s *Store) GetOrderByID(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetCustomerByID(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := cloneCustomer(customer)
	return &copyCustomer, nil
}

func (s *Store) ApplyLoyaltyDelta(_ context.Context, orderID string, kind string, customerID string, spendDelta int64, orderDelta int, pointsDelta int64, lastOrderAt *time.Time) (*domain.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, false, store.ErrNotFound
	}

	dedupKey := orderID + "::" + kind
	if _, applied := s.loyaltyApplied[dedupKey]; applied {
		copyCustomer := cloneCustomer(customer)
		return &copyCustomer, false, nil
	}

	customer.TotalSpentCents += spendDelta
	customer.TotalOrders += orderDelta
	customer.LoyaltyPoints += pointsDelta
	if customer.TotalOrders > 0 {
		customer.AvgOrderCents = customer.TotalSpentCents / int64(customer.TotalOrders)
	} else {
		customer.AvgOrderCents = 0
	}
	if lastOrderAt != nil {
		at := lastOrderAt.UTC()
		customer.LastOrderAt = &at
	}

	s.loyaltyApplied[dedupKey] = struct{}{}
	s.customersByID[customerID] = customer
	copyCustomer := cloneCustomer(customer)
	return &copyCustomer, true, nil
}

func (s *Store) UpdateCustomerSegment(_ context.Context, customerID string, segment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return store.ErrNotFound
	}
	customer.Segment = segment
	s.customersByID[customerID] = customer
	return nil
}

func (s *Store) AppendAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListRestockHistory(_ context.Context, productID string, limit int) ([]domain.RestockHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RestockHistory, 0, 64)
	for _, entry := range s.restockHistory {
		if productID != "" && entry.ProductID != productID {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.RestockHistory) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListAccountingEntries(_ context.Context, from time.Time, to time.Time) ([]domain.AccountingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AccountingEntry, 0, 64)
	for _, entry := range s.accountingEntries {
		if entry.EntryDate.Before(from) || !entry.EntryDate.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AccountingEntry) int {
		if a.EntryDate.Equal(b.EntryDate) {
			return cmpString(a.ID, b.ID)
		}
		if a.EntryDate.Before(b.EntryDate) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidOrder
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "pharmacist"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return &dup
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dup := src
	if src.LastOrderAt != nil {
		at := src.LastOrderAt.UTC()
		dup.LastOrderAt = &at
	}
	return dup
}
