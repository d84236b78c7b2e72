package domain

import "time"

type Product struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Quantity     int    `json:"quantity"`
	ReorderPoint int    `json:"reorder_point"`
	CostCents    int64  `json:"cost_cents"`
	PriceCents   int64  `json:"price_cents"`
	SupplierID   string `json:"supplier_id,omitempty"`
	SalesCount   int64  `json:"sales_count"`
}

type Customer struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone,omitempty"`
	TotalSpentCents int64      `json:"total_spent_cents"`
	TotalOrders     int        `json:"total_orders"`
	AvgOrderCents   int64      `json:"avg_order_cents"`
	LoyaltyPoints   int64      `json:"loyalty_points"`
	LastOrderAt     *time.Time `json:"last_order_at,omitempty"`
	Segment         string     `json:"segment"`
}

// CartItem is a sale line as captured at the terminal. Name, category and
// unit price are snapshots taken when the cart was built; the engine falls
// back to the product row for any of them left empty.
type CartItem struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name,omitempty"`
	Category       string `json:"category,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

type CreateSaleRequest struct {
	CustomerID    string     `json:"customer_id,omitempty"`
	Items         []CartItem `json:"items"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TaxCents      int64      `json:"tax_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaidCents     int64      `json:"paid_cents"`
	PaymentMethod string     `json:"payment_method"`
}

type HoldOrderRequest struct {
	CustomerID    string     `json:"customer_id"`
	Items         []CartItem `json:"items"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TaxCents      int64      `json:"tax_cents"`
	TotalCents    int64      `json:"total_cents"`
}

type PaymentInfo struct {
	PaidCents     int64  `json:"paid_cents"`
	PaymentMethod string `json:"payment_method"`
	Reference     string `json:"reference,omitempty"`
}

type RefundItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type RefundOrderRequest struct {
	OrderID string       `json:"order_id"`
	Items   []RefundItem `json:"items,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

type OrderLine struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	Category       string `json:"category,omitempty"`
}

type Order struct {
	ID            string      `json:"id"`
	OrderNumber   string      `json:"order_number"`
	RefNumber     string      `json:"ref_number"`
	CustomerID    string      `json:"customer_id,omitempty"`
	Status        string      `json:"status"`
	SubtotalCents int64       `json:"subtotal_cents"`
	DiscountCents int64       `json:"discount_cents"`
	TaxCents      int64       `json:"tax_cents"`
	TotalCents    int64       `json:"total_cents"`
	PaidCents     int64       `json:"paid_cents"`
	ChangeCents   int64       `json:"change_cents"`
	PaymentMethod string      `json:"payment_method"`
	CreatedAt     time.Time   `json:"created_at"`
	Lines         []OrderLine `json:"lines"`
}

// OrderPaymentPatch carries the payment fields written when a held order is
// processed. Nil fields are left untouched.
type OrderPaymentPatch struct {
	PaidCents     *int64
	ChangeCents   *int64
	PaymentMethod *string
}

type ReorderHint struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	ReorderPoint int    `json:"reorder_point"`
}

type OrderResult struct {
	ID           string        `json:"id"`
	OrderNumber  string        `json:"order_number"`
	RefNumber    string        `json:"ref_number"`
	Status       string        `json:"status"`
	TotalCents   int64         `json:"total_cents"`
	ChangeCents  int64         `json:"change_cents"`
	ReorderHints []ReorderHint `json:"reorder_hints,omitempty"`
	CreatedAt    string        `json:"created_at"`
}

type AccountingEntry struct {
	ID            string    `json:"id"`
	EntryDate     time.Time `json:"entry_date"`
	Description   string    `json:"description"`
	AmountCents   int64     `json:"amount_cents"`
	Category      string    `json:"category"`
	PaymentMethod string    `json:"payment_method"`
	Reference     string    `json:"reference"`
}

type RestockRequest struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	SupplierID string `json:"supplier_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

type RestockHistory struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	Qty        int       `json:"qty"`
	SupplierID string    `json:"supplier_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	PharmacyID string    `json:"pharmacy_id"`
	Actor      string    `json:"actor"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	OrderStatusHeld      = "held"
	OrderStatusCompleted = "completed"
	OrderStatusRefunded  = "refunded"
	OrderStatusCancelled = "cancelled"
)

const (
	EntryCategorySales   = "sales"
	EntryCategoryRefunds = "refunds"
)

const (
	SegmentNew      = "new"
	SegmentRegular  = "regular"
	SegmentLoyal    = "loyal"
	SegmentVIP      = "vip"
	SegmentInactive = "inactive"
)
