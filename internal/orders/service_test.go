package orders

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/loyalty"
	"farmapos/backend/internal/orderid"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store, *loyalty.MemoryQueue) {
	repo := memory.NewSeeded()
	queue := loyalty.NewMemoryQueue(32)
	svc := New(repo, queue, orderid.New(), "main-pharmacy")
	return svc, repo, queue
}

func saleRequest(productID string, qty int, unitPrice int64) domain.CreateSaleRequest {
	total := unitPrice * int64(qty)
	return domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: productID, UnitPriceCents: unitPrice, Qty: qty},
		},
		SubtotalCents: total,
		TotalCents:    total,
		PaidCents:     total + 500,
		PaymentMethod: "cash",
	}
}

func productQty(t *testing.T, repo *memory.Store, productID string) int {
	t.Helper()
	product, err := repo.GetProductByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product %s: %v", productID, err)
	}
	return product.Quantity
}

func accountingToday(t *testing.T, repo *memory.Store) []domain.AccountingEntry {
	t.Helper()
	now := time.Now().UTC()
	from := now.Add(-time.Hour)
	to := now.Add(time.Hour)
	entries, err := repo.ListAccountingEntries(context.Background(), from, to)
	if err != nil {
		t.Fatalf("list accounting entries: %v", err)
	}
	return entries
}

func TestCreateSaleDecrementsStockOnceAndRecordsRevenue(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	before := productQty(t, repo, "prod-ors")
	result, err := svc.CreateSale(ctx, saleRequest("prod-ors", 3, 600))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if result.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}
	if result.ChangeCents != 500 {
		t.Fatalf("expected change 500, got %d", result.ChangeCents)
	}

	if got := productQty(t, repo, "prod-ors"); got != before-3 {
		t.Fatalf("expected stock %d, got %d", before-3, got)
	}

	entries := accountingToday(t, repo)
	if len(entries) != 1 {
		t.Fatalf("expected one accounting entry, got %d", len(entries))
	}
	if entries[0].Category != domain.EntryCategorySales || entries[0].AmountCents != 1800 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	order, err := svc.GetOrder(ctx, result.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(order.Lines) != 1 || order.Lines[0].Qty != 3 {
		t.Fatalf("unexpected order lines: %+v", order.Lines)
	}
	if order.Lines[0].ProductName == "" {
		t.Fatalf("expected line name filled from catalog")
	}
}

func TestCreateSaleRejectsTotalMismatch(t *testing.T) {
	svc, _, _ := newTestService()

	req := saleRequest("prod-ors", 2, 600)
	req.DiscountCents = 100
	_, err := svc.CreateSale(context.Background(), req)
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestCreateSaleInsufficientStockRollsBackEverything(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	before := productQty(t, repo, "prod-cough-syrup")
	_, err := svc.CreateSale(ctx, saleRequest("prod-cough-syrup", before+1, 3500))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if got := productQty(t, repo, "prod-cough-syrup"); got != before {
		t.Fatalf("expected stock unchanged at %d, got %d", before, got)
	}
	if entries := accountingToday(t, repo); len(entries) != 0 {
		t.Fatalf("expected no accounting entries after rollback, got %d", len(entries))
	}
}

func TestHoldOrderTouchesNoInventoryOrAccounting(t *testing.T) {
	svc, repo, queue := newTestService()
	ctx := context.Background()

	before := productQty(t, repo, "prod-paracetamol")
	result, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{
		CustomerID: "cust-ani",
		Items: []domain.CartItem{
			{ProductID: "prod-paracetamol", UnitPriceCents: 800, Qty: 2},
		},
		SubtotalCents: 1600,
		TotalCents:    1600,
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if result.Status != domain.OrderStatusHeld {
		t.Fatalf("expected held status, got %s", result.Status)
	}

	if got := productQty(t, repo, "prod-paracetamol"); got != before {
		t.Fatalf("expected stock unchanged at %d, got %d", before, got)
	}
	if entries := accountingToday(t, repo); len(entries) != 0 {
		t.Fatalf("expected no accounting entries for a hold, got %d", len(entries))
	}
	if _, ok, _ := queue.Dequeue(ctx, 0); ok {
		t.Fatalf("expected no loyalty task for a hold")
	}
}

func TestHoldOrderRequiresRegisteredCustomer(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.HoldOrder(context.Background(), domain.HoldOrderRequest{
		Items: []domain.CartItem{
			{ProductID: "prod-paracetamol", UnitPriceCents: 800, Qty: 1},
		},
		SubtotalCents: 800,
		TotalCents:    800,
	})
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder for walk-in hold, got %v", err)
	}

	_, err = svc.HoldOrder(context.Background(), domain.HoldOrderRequest{
		CustomerID: "cust-missing",
		Items: []domain.CartItem{
			{ProductID: "prod-paracetamol", UnitPriceCents: 800, Qty: 1},
		},
		SubtotalCents: 800,
		TotalCents:    800,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown customer, got %v", err)
	}
}

func TestProcessHeldOrderCompletesOnce(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	held, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{
		CustomerID: "cust-budi",
		Items: []domain.CartItem{
			{ProductID: "prod-amoxicillin", UnitPriceCents: 2200, Qty: 2},
		},
		SubtotalCents: 4400,
		TotalCents:    4400,
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	before := productQty(t, repo, "prod-amoxicillin")
	processed, err := svc.ProcessHeldOrder(ctx, held.ID, domain.PaymentInfo{
		PaidCents:     5000,
		PaymentMethod: "qris",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if processed.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed status, got %s", processed.Status)
	}
	if processed.ChangeCents != 600 {
		t.Fatalf("expected change 600, got %d", processed.ChangeCents)
	}
	if got := productQty(t, repo, "prod-amoxicillin"); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}

	order, err := svc.GetOrder(ctx, held.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.PaymentMethod != "qris" || order.PaidCents != 5000 {
		t.Fatalf("payment patch not applied: %+v", order)
	}

	// Processing the same order again must hit the state guard, not the
	// inventory.
	_, err = svc.ProcessHeldOrder(ctx, held.ID, domain.PaymentInfo{PaidCents: 5000})
	if !errors.Is(err, store.ErrOrderState) {
		t.Fatalf("expected ErrOrderState on double process, got %v", err)
	}
	if got := productQty(t, repo, "prod-amoxicillin"); got != before-2 {
		t.Fatalf("double process changed stock: expected %d, got %d", before-2, got)
	}
}

func TestProcessHeldOrderRejectsUnderpayment(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	held, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{
		CustomerID: "cust-budi",
		Items: []domain.CartItem{
			{ProductID: "prod-amoxicillin", UnitPriceCents: 2200, Qty: 1},
		},
		SubtotalCents: 2200,
		TotalCents:    2200,
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	_, err = svc.ProcessHeldOrder(ctx, held.ID, domain.PaymentInfo{PaidCents: 2000})
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}

	order, err := svc.GetOrder(ctx, held.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusHeld {
		t.Fatalf("expected order still held, got %s", order.Status)
	}
}

func TestRefundRestoresStockAndReversesRevenue(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	before := productQty(t, repo, "prod-vitamin-c")
	sale, err := svc.CreateSale(ctx, saleRequest("prod-vitamin-c", 2, 4200))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if err := svc.RefundOrder(ctx, domain.RefundOrderRequest{
		OrderID: sale.ID,
		Reason:  "customer returned unopened bottle",
	}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if got := productQty(t, repo, "prod-vitamin-c"); got != before {
		t.Fatalf("expected stock back at %d, got %d", before, got)
	}

	order, err := svc.GetOrder(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded status, got %s", order.Status)
	}

	entries := accountingToday(t, repo)
	if len(entries) != 2 {
		t.Fatalf("expected sale + refund entries, got %d", len(entries))
	}
	var net int64
	for _, entry := range entries {
		net += entry.AmountCents
	}
	if net != 0 {
		t.Fatalf("expected full refund to net revenue to zero, got %d", net)
	}
}

func TestRefundRequiresActor(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sale, err := svc.CreateSale(ctx, saleRequest("prod-ors", 1, 600))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	err = svc.RefundOrder(ctx, domain.RefundOrderRequest{OrderID: sale.ID})
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder without actor, got %v", err)
	}
}

func TestPartialRefundReversesOnlyRequestedLines(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	before := productQty(t, repo, "prod-ibuprofen")
	req := domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prod-ibuprofen", UnitPriceCents: 1300, Qty: 3},
		},
		SubtotalCents: 3900,
		TotalCents:    3900,
		PaidCents:     3900,
	}
	sale, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if err := svc.RefundOrder(ctx, domain.RefundOrderRequest{
		OrderID: sale.ID,
		Items:   []domain.RefundItem{{ProductID: "prod-ibuprofen", Qty: 1}},
		Reason:  "one strip damaged",
	}); err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}

	// Three sold, one returned.
	if got := productQty(t, repo, "prod-ibuprofen"); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}

	entries := accountingToday(t, repo)
	var refundAmount int64
	for _, entry := range entries {
		if entry.Category == domain.EntryCategoryRefunds {
			refundAmount = entry.AmountCents
		}
	}
	if refundAmount != -1300 {
		t.Fatalf("expected refund entry of -1300, got %d", refundAmount)
	}
}

func TestRefundRejectsQuantityBeyondSold(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	sale, err := svc.CreateSale(ctx, saleRequest("prod-ors", 2, 600))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	err = svc.RefundOrder(ctx, domain.RefundOrderRequest{
		OrderID: sale.ID,
		Items:   []domain.RefundItem{{ProductID: "prod-ors", Qty: 3}},
	})
	if !errors.Is(err, store.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}

	order, err := svc.GetOrder(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected order still completed, got %s", order.Status)
	}
}

func TestRefundRejectsHeldOrder(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	held, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{
		CustomerID: "cust-ani",
		Items: []domain.CartItem{
			{ProductID: "prod-ors", UnitPriceCents: 600, Qty: 1},
		},
		SubtotalCents: 600,
		TotalCents:    600,
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	err = svc.RefundOrder(ctx, domain.RefundOrderRequest{OrderID: held.ID})
	if !errors.Is(err, store.ErrOrderState) {
		t.Fatalf("expected ErrOrderState, got %v", err)
	}
}

func TestCancelHeldOrderLifecycle(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	held, err := svc.HoldOrder(ctx, domain.HoldOrderRequest{
		CustomerID: "cust-ani",
		Items: []domain.CartItem{
			{ProductID: "prod-ors", UnitPriceCents: 600, Qty: 1},
		},
		SubtotalCents: 600,
		TotalCents:    600,
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	if err := svc.CancelHeldOrder(ctx, held.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	order, err := svc.GetOrder(ctx, held.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", order.Status)
	}

	// Cancelled orders cannot be processed or cancelled again.
	if _, err := svc.ProcessHeldOrder(ctx, held.ID, domain.PaymentInfo{PaidCents: 600}); !errors.Is(err, store.ErrOrderState) {
		t.Fatalf("expected ErrOrderState processing cancelled order, got %v", err)
	}
	if err := svc.CancelHeldOrder(ctx, held.ID); !errors.Is(err, store.ErrOrderState) {
		t.Fatalf("expected ErrOrderState on double cancel, got %v", err)
	}
}

func TestWalkInSaleSkipsLoyaltyQueue(t *testing.T) {
	svc, _, queue := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSale(ctx, saleRequest("prod-ors", 1, 600)); err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, ok, _ := queue.Dequeue(ctx, 0); ok {
		t.Fatalf("expected no loyalty task for a walk-in sale")
	}
}

func TestRegisteredCustomerSaleEnqueuesLoyaltyTask(t *testing.T) {
	svc, _, queue := newTestService()
	ctx := context.Background()

	req := saleRequest("prod-ors", 1, 600)
	req.CustomerID = "cust-ani"
	sale, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	task, ok, err := queue.Dequeue(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("expected a loyalty task, ok=%t err=%v", ok, err)
	}
	if task.OrderID != sale.ID || task.CustomerID != "cust-ani" || task.Kind != loyalty.TaskCompleted {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.TotalCents != 600 {
		t.Fatalf("expected task total 600, got %d", task.TotalCents)
	}
}

func TestRefundEnqueuesReversalTask(t *testing.T) {
	svc, _, queue := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	req := saleRequest("prod-ors", 2, 600)
	req.CustomerID = "cust-budi"
	sale, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, ok, _ := queue.Dequeue(ctx, 0); !ok {
		t.Fatalf("expected completed task first")
	}

	if err := svc.RefundOrder(ctx, domain.RefundOrderRequest{OrderID: sale.ID}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	task, ok, _ := queue.Dequeue(ctx, 0)
	if !ok {
		t.Fatalf("expected refund reversal task")
	}
	if task.Kind != loyalty.TaskRefunded || task.TotalCents != 1200 {
		t.Fatalf("unexpected reversal task: %+v", task)
	}
}

func TestRestockProductRecordsHistory(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	before := productQty(t, repo, "prod-bandage")
	entry, err := svc.RestockProduct(ctx, domain.RestockRequest{
		ProductID:  "prod-bandage",
		Qty:        30,
		SupplierID: "sup-medika",
		Note:       "weekly delivery",
	})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if got := productQty(t, repo, "prod-bandage"); got != before+30 {
		t.Fatalf("expected stock %d, got %d", before+30, got)
	}

	history, err := svc.ListRestockHistory(ctx, "prod-bandage", 10)
	if err != nil {
		t.Fatalf("list restock history: %v", err)
	}
	if len(history) != 1 || history[0].ID != entry.ID || history[0].Qty != 30 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRestockRejectsUnknownProduct(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.RestockProduct(context.Background(), domain.RestockRequest{
		ProductID: "prod-missing",
		Qty:       10,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaleSkipsVanishedProductLineWithAuditEntry(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	before := productQty(t, repo, "prod-ors")
	req := domain.CreateSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prod-ors", UnitPriceCents: 600, Qty: 2},
			{ProductID: "prod-ghost", Name: "Delisted Item", UnitPriceCents: 400, Qty: 1},
		},
		SubtotalCents: 1600,
		TotalCents:    1600,
		PaidCents:     1600,
		PaymentMethod: "cash",
	}

	// A line whose product has vanished from the catalog must not abort the
	// sale: the remaining deltas apply and the gap is recorded as an audit
	// exception.
	result, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if result.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}

	if got := productQty(t, repo, "prod-ors"); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}

	entries := accountingToday(t, repo)
	if len(entries) != 1 || entries[0].AmountCents != 1600 {
		t.Fatalf("unexpected accounting entries: %+v", entries)
	}

	now := time.Now().UTC()
	logs, err := repo.ListAuditLogs(ctx, now.Add(-time.Hour), now.Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	var skip *domain.AuditLog
	for i := range logs {
		if logs[i].Action == "inventory_skip" {
			skip = &logs[i]
			break
		}
	}
	if skip == nil {
		t.Fatalf("expected an inventory_skip audit entry, got %+v", logs)
	}
	if skip.EntityID != result.ID {
		t.Fatalf("expected audit entry for order %s, got %s", result.ID, skip.EntityID)
	}
	if !strings.Contains(skip.Detail, "prod-ghost") {
		t.Fatalf("expected detail to name the missing product, got %q", skip.Detail)
	}
}

func TestSaleSurfacesReorderHints(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	// prod-cough-syrup seeds at 40 with reorder point 8: selling 33 leaves
	// 7, below the threshold.
	result, err := svc.CreateSale(ctx, saleRequest("prod-cough-syrup", 33, 3500))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if len(result.ReorderHints) != 1 {
		t.Fatalf("expected one reorder hint, got %d", len(result.ReorderHints))
	}
	hint := result.ReorderHints[0]
	if hint.ProductID != "prod-cough-syrup" || hint.Quantity != 7 {
		t.Fatalf("unexpected hint: %+v", hint)
	}
}
