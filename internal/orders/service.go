package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/loyalty"
	"farmapos/backend/internal/orderid"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service owns the order state machine and sequences each order-affecting
// request as one atomic unit of work against the repository. Customer
// analytics updates are handed to the loyalty queue after the unit commits
// and are the only best-effort side effect.
type Service struct {
	repo       store.Repository
	queue      loyalty.Queue
	ids        *orderid.Generator
	pharmacyID string
}

func New(repo store.Repository, queue loyalty.Queue, ids *orderid.Generator, pharmacyID string) *Service {
	if pharmacyID == "" {
		pharmacyID = "main-pharmacy"
	}
	if ids == nil {
		ids = orderid.New()
	}

	return &Service{
		repo:       repo,
		queue:      queue,
		ids:        ids,
		pharmacyID: pharmacyID,
	}
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.OrderResult, error) {
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}

	items := normalizeItems(req.Items)
	if len(items) == 0 {
		return domain.OrderResult{}, fmt.Errorf("%w: cart has no items", store.ErrInvalidOrder)
	}
	if req.SubtotalCents < 1 || req.TotalCents < 1 || req.PaidCents < 1 {
		return domain.OrderResult{}, fmt.Errorf("%w: subtotal, total and paid are required", store.ErrInvalidOrder)
	}
	if err := validateTotals(req.SubtotalCents, req.DiscountCents, req.TaxCents, req.TotalCents); err != nil {
		return domain.OrderResult{}, err
	}
	if req.PaidCents < req.TotalCents {
		return domain.OrderResult{}, fmt.Errorf("%w: paid amount below total", store.ErrInvalidOrder)
	}

	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID != "" {
		if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.OrderResult{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
			}
			return domain.OrderResult{}, err
		}
	}

	now := time.Now().UTC()
	id, orderNumber, refNumber := s.ids.NextOrder(now)
	order := domain.Order{
		ID:            id,
		OrderNumber:   orderNumber,
		RefNumber:     refNumber,
		CustomerID:    req.CustomerID,
		Status:        domain.OrderStatusCompleted,
		SubtotalCents: req.SubtotalCents,
		DiscountCents: req.DiscountCents,
		TaxCents:      req.TaxCents,
		TotalCents:    req.TotalCents,
		PaidCents:     req.PaidCents,
		ChangeCents:   req.PaidCents - req.TotalCents,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
		Lines:         s.captureLines(ctx, items),
	}

	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := s.applyInventory(ctx, uow, order, -1); err != nil {
			return err
		}
		return uow.AppendAccountingEntry(ctx, domain.AccountingEntry{
			ID:            xid.New("acct"),
			EntryDate:     now,
			Description:   fmt.Sprintf("sale %s", order.OrderNumber),
			AmountCents:   order.TotalCents,
			Category:      domain.EntryCategorySales,
			PaymentMethod: order.PaymentMethod,
			Reference:     order.RefNumber,
		})
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	s.logAudit(ctx, "sale_create", "order", order.ID, fmt.Sprintf("total=%d,payment=%s,customer=%s", order.TotalCents, order.PaymentMethod, order.CustomerID))
	s.enqueueLoyalty(ctx, order, loyalty.TaskCompleted, order.TotalCents)

	return s.orderResult(ctx, order), nil
}

func (s *Service) HoldOrder(ctx context.Context, req domain.HoldOrderRequest) (domain.OrderResult, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return domain.OrderResult{}, fmt.Errorf("%w: hold requires a registered customer", store.ErrInvalidOrder)
	}

	items := normalizeItems(req.Items)
	if len(items) == 0 {
		return domain.OrderResult{}, fmt.Errorf("%w: cart has no items", store.ErrInvalidOrder)
	}
	if req.SubtotalCents < 1 || req.TotalCents < 1 {
		return domain.OrderResult{}, fmt.Errorf("%w: subtotal and total are required", store.ErrInvalidOrder)
	}
	if err := validateTotals(req.SubtotalCents, req.DiscountCents, req.TaxCents, req.TotalCents); err != nil {
		return domain.OrderResult{}, err
	}

	if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OrderResult{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
		}
		return domain.OrderResult{}, err
	}

	now := time.Now().UTC()
	id, orderNumber, refNumber := s.ids.NextOrder(now)
	order := domain.Order{
		ID:            id,
		OrderNumber:   orderNumber,
		RefNumber:     refNumber,
		CustomerID:    req.CustomerID,
		Status:        domain.OrderStatusHeld,
		SubtotalCents: req.SubtotalCents,
		DiscountCents: req.DiscountCents,
		TaxCents:      req.TaxCents,
		TotalCents:    req.TotalCents,
		CreatedAt:     now,
		Lines:         s.captureLines(ctx, items),
	}

	// A hold touches nothing but the order itself: no inventory, no
	// accounting, no customer aggregates until it is processed.
	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.InsertOrder(ctx, order)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	s.logAudit(ctx, "order_hold", "order", order.ID, fmt.Sprintf("total=%d,customer=%s,items=%d", order.TotalCents, order.CustomerID, len(order.Lines)))

	return s.orderResult(ctx, order), nil
}

func (s *Service) ProcessHeldOrder(ctx context.Context, orderID string, payment domain.PaymentInfo) (domain.OrderResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResult{}, fmt.Errorf("%w: order id required", store.ErrInvalidOrder)
	}
	payment.PaymentMethod = strings.TrimSpace(payment.PaymentMethod)
	if payment.PaymentMethod == "" {
		payment.PaymentMethod = "cash"
	}

	var processed domain.Order
	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		order, err := uow.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusHeld {
			return fmt.Errorf("%w: order %s is %s", store.ErrOrderState, order.ID, order.Status)
		}
		if payment.PaidCents < order.TotalCents {
			return fmt.Errorf("%w: paid amount below total", store.ErrInvalidOrder)
		}

		change := payment.PaidCents - order.TotalCents
		patch := domain.OrderPaymentPatch{
			PaidCents:     &payment.PaidCents,
			ChangeCents:   &change,
			PaymentMethod: &payment.PaymentMethod,
		}
		if err := uow.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusHeld, domain.OrderStatusCompleted, patch); err != nil {
			return err
		}
		if err := s.applyInventory(ctx, uow, *order, -1); err != nil {
			return err
		}
		if err := uow.AppendAccountingEntry(ctx, domain.AccountingEntry{
			ID:            xid.New("acct"),
			EntryDate:     time.Now().UTC(),
			Description:   fmt.Sprintf("sale %s", order.OrderNumber),
			AmountCents:   order.TotalCents,
			Category:      domain.EntryCategorySales,
			PaymentMethod: payment.PaymentMethod,
			Reference:     order.RefNumber,
		}); err != nil {
			return err
		}

		processed = *order
		processed.Status = domain.OrderStatusCompleted
		processed.PaidCents = payment.PaidCents
		processed.ChangeCents = change
		processed.PaymentMethod = payment.PaymentMethod
		return nil
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	s.logAudit(ctx, "order_process", "order", processed.ID, fmt.Sprintf("total=%d,payment=%s", processed.TotalCents, processed.PaymentMethod))
	s.enqueueLoyalty(ctx, processed, loyalty.TaskCompleted, processed.TotalCents)

	return s.orderResult(ctx, processed), nil
}

func (s *Service) RefundOrder(ctx context.Context, req domain.RefundOrderRequest) error {
	if _, ok := ActorFromContext(ctx); !ok {
		return fmt.Errorf("%w: caller identity required", store.ErrInvalidOrder)
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return fmt.Errorf("%w: order id required", store.ErrInvalidOrder)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	var refunded domain.Order
	var amount int64
	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		order, err := uow.GetOrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCompleted {
			return fmt.Errorf("%w: order %s is %s", store.ErrOrderState, order.ID, order.Status)
		}

		lines, lineValue, err := refundLines(*order, req.Items)
		if err != nil {
			return err
		}
		// A full refund reverses the paid total (which includes discount and
		// tax); a partial refund reverses the value of the returned lines.
		amount = lineValue
		if len(req.Items) == 0 {
			amount = order.TotalCents
		}

		reversal := *order
		reversal.Lines = lines
		if err := s.applyInventory(ctx, uow, reversal, +1); err != nil {
			return err
		}
		if err := uow.AppendAccountingEntry(ctx, domain.AccountingEntry{
			ID:            xid.New("acct"),
			EntryDate:     time.Now().UTC(),
			Description:   fmt.Sprintf("refund %s: %s", order.OrderNumber, req.Reason),
			AmountCents:   -amount,
			Category:      domain.EntryCategoryRefunds,
			PaymentMethod: order.PaymentMethod,
			Reference:     order.RefNumber,
		}); err != nil {
			return err
		}
		if err := uow.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusCompleted, domain.OrderStatusRefunded, domain.OrderPaymentPatch{}); err != nil {
			return err
		}

		refunded = *order
		return nil
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, "order_refund", "order", refunded.ID, fmt.Sprintf("amount=%d,reason=%s,partial=%t", amount, req.Reason, len(req.Items) > 0))
	s.enqueueLoyalty(ctx, refunded, loyalty.TaskRefunded, amount)

	return nil
}

func (s *Service) CancelHeldOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id required", store.ErrInvalidOrder)
	}

	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		order, err := uow.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusHeld {
			return fmt.Errorf("%w: order %s is %s", store.ErrOrderState, order.ID, order.Status)
		}
		return uow.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusHeld, domain.OrderStatusCancelled, domain.OrderPaymentPatch{})
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, "order_cancel", "order", orderID, "held order cancelled")
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id required", store.ErrInvalidOrder)
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// RestockProduct is the inventory-restock flow: a stock increase plus its
// history row, written together but outside any order's atomic unit.
func (s *Service) RestockProduct(ctx context.Context, req domain.RestockRequest) (domain.RestockHistory, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.Qty < 1 {
		return domain.RestockHistory{}, fmt.Errorf("%w: product id and positive qty required", store.ErrInvalidOrder)
	}

	entry := domain.RestockHistory{
		ID:         xid.New("restock"),
		ProductID:  req.ProductID,
		Qty:        req.Qty,
		SupplierID: strings.TrimSpace(req.SupplierID),
		Note:       strings.TrimSpace(req.Note),
		CreatedAt:  time.Now().UTC(),
	}

	err := s.repo.Atomic(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.ApplyStockDelta(ctx, req.ProductID, req.Qty, false); err != nil {
			return err
		}
		return uow.InsertRestockHistory(ctx, entry)
	})
	if err != nil {
		return domain.RestockHistory{}, err
	}

	s.logAudit(ctx, "product_restock", "product", req.ProductID, fmt.Sprintf("qty=%d,supplier=%s", req.Qty, entry.SupplierID))
	return entry, nil
}

func (s *Service) ListRestockHistory(ctx context.Context, productID string, limit int) ([]domain.RestockHistory, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListRestockHistory(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, fmt.Errorf("%w: customer id required", store.ErrInvalidOrder)
	}
	customer, err := s.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListAccountingEntries(ctx context.Context, date string) ([]domain.AccountingEntry, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAccountingEntries(ctx, from, to)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// applyInventory applies the order's line deltas: sign -1 decrements stock
// for a sale, sign +1 restores it for a refund. A line whose product has
// vanished from the catalog is skipped, but the gap is recorded inside the
// same unit as an audit exception rather than swallowed.
func (s *Service) applyInventory(ctx context.Context, uow store.UnitOfWork, order domain.Order, sign int) error {
	for _, line := range order.Lines {
		err := uow.ApplyStockDelta(ctx, line.ProductID, sign*line.Qty, sign < 0)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[orders] WARN: product %s missing, skipping inventory delta for order %s", line.ProductID, order.ID)
			auditErr := uow.AppendAuditLog(ctx, domain.AuditLog{
				ID:         xid.New("audit"),
				PharmacyID: s.pharmacyID,
				Action:     "inventory_skip",
				EntityType: "order",
				EntityID:   order.ID,
				Detail:     fmt.Sprintf("product=%s,qty=%d,delta=%d", line.ProductID, line.Qty, sign*line.Qty),
				CreatedAt:  time.Now().UTC(),
			})
			if auditErr != nil {
				return auditErr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// captureLines snapshots the cart into immutable order lines, filling name,
// category and unit price from the product catalog where the cart left them
// empty.
func (s *Service) captureLines(ctx context.Context, items []domain.CartItem) []domain.OrderLine {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		log.Printf("[orders] WARN: product lookup failed, keeping cart snapshots as-is: %v", err)
		products = map[string]domain.Product{}
	}

	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		line := domain.OrderLine{
			ProductID:      item.ProductID,
			ProductName:    item.Name,
			UnitPriceCents: item.UnitPriceCents,
			Qty:            item.Qty,
			Category:       item.Category,
		}
		if product, ok := products[item.ProductID]; ok {
			if line.ProductName == "" {
				line.ProductName = product.Name
			}
			if line.Category == "" {
				line.Category = product.Category
			}
			if line.UnitPriceCents == 0 {
				line.UnitPriceCents = product.PriceCents
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func (s *Service) orderResult(ctx context.Context, order domain.Order) domain.OrderResult {
	result := domain.OrderResult{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		RefNumber:   order.RefNumber,
		Status:      order.Status,
		TotalCents:  order.TotalCents,
		ChangeCents: order.ChangeCents,
		CreatedAt:   order.CreatedAt.Format(time.RFC3339),
	}
	if order.Status != domain.OrderStatusCompleted {
		return result
	}

	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		log.Printf("[orders] WARN: reorder hint lookup failed for order %s: %v", order.ID, err)
		return result
	}
	for _, line := range order.Lines {
		product, ok := products[line.ProductID]
		if !ok || product.Quantity > product.ReorderPoint {
			continue
		}
		result.ReorderHints = append(result.ReorderHints, domain.ReorderHint{
			ProductID:    product.ID,
			Name:         product.Name,
			Quantity:     product.Quantity,
			ReorderPoint: product.ReorderPoint,
		})
	}
	return result
}

func (s *Service) enqueueLoyalty(ctx context.Context, order domain.Order, kind string, amountCents int64) {
	if order.CustomerID == "" || s.queue == nil {
		return
	}
	task := loyalty.Task{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		TotalCents: amountCents,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// The sale is already committed; the analytics update is the one
		// side effect allowed to lag behind.
		log.Printf("[orders] WARN: loyalty update for order %s not enqueued: %v", order.ID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ID:         xid.New("audit"),
		PharmacyID: s.pharmacyID,
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.AppendAuditLog(ctx, entry); err != nil {
		log.Printf("[orders] WARN: failed to append audit log action=%s: %v", action, err)
	}
}

func validateTotals(subtotal, discount, tax, total int64) error {
	if discount < 0 || tax < 0 {
		return fmt.Errorf("%w: discount and tax must not be negative", store.ErrInvalidOrder)
	}
	if total != subtotal-discount+tax {
		return fmt.Errorf("%w: total must equal subtotal - discount + tax", store.ErrInvalidOrder)
	}
	return nil
}

// refundLines resolves which lines to reverse. With no explicit items the
// full original set is reversed; otherwise the requested quantities must be
// a subset of what was sold.
func refundLines(order domain.Order, items []domain.RefundItem) ([]domain.OrderLine, int64, error) {
	if len(items) == 0 {
		total := int64(0)
		for _, line := range order.Lines {
			total += line.UnitPriceCents * int64(line.Qty)
		}
		return order.Lines, total, nil
	}

	soldByProduct := make(map[string]domain.OrderLine, len(order.Lines))
	for _, line := range order.Lines {
		merged := soldByProduct[line.ProductID]
		if merged.ProductID == "" {
			merged = line
		} else {
			merged.Qty += line.Qty
		}
		soldByProduct[line.ProductID] = merged
	}

	wantByProduct := make(map[string]int, len(items))
	orderOfProducts := make([]string, 0, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" || item.Qty < 1 {
			return nil, 0, fmt.Errorf("%w: refund items need a product id and positive qty", store.ErrInvalidOrder)
		}
		if _, seen := wantByProduct[productID]; !seen {
			orderOfProducts = append(orderOfProducts, productID)
		}
		wantByProduct[productID] += item.Qty
	}

	lines := make([]domain.OrderLine, 0, len(wantByProduct))
	amount := int64(0)
	for _, productID := range orderOfProducts {
		sold, ok := soldByProduct[productID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: product %s is not part of the order", store.ErrInvalidOrder, productID)
		}
		qty := wantByProduct[productID]
		if qty > sold.Qty {
			return nil, 0, fmt.Errorf("%w: refund qty %d exceeds sold qty %d for product %s", store.ErrInvalidOrder, qty, sold.Qty, productID)
		}
		line := sold
		line.Qty = qty
		lines = append(lines, line)
		amount += line.UnitPriceCents * int64(qty)
	}

	return lines, amount, nil
}

func normalizeItems(items []domain.CartItem) []domain.CartItem {
	merged := make([]domain.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Qty < 1 || item.UnitPriceCents < 0 {
			continue
		}
		if at, seen := index[item.ProductID]; seen {
			merged[at].Qty += item.Qty
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func dayRange(date string) (time.Time, time.Time, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid date %q", store.ErrInvalidOrder, date)
		}
		day = parsed.UTC()
	}
	return day, day.Add(24 * time.Hour), nil
}
