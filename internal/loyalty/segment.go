package loyalty

import "farmapos/backend/internal/domain"

// Money is stored in cents; the classification thresholds below are the
// business rules expressed in cents (one loyalty point per 1,000 currency
// units of order total).
const (
	pointsPerCents int64 = 100_000

	vipSpendCents int64 = 100_000_000
	vipPoints     int64 = 1000
	vipOrders           = 50

	loyalOrders        = 10
	loyalPoints  int64 = 200
	loyalMaxDays       = 60

	regularOrders  = 3
	regularMaxDays = 90

	inactiveMinDays = 180
)

// PointsFor returns the loyalty points earned by an order total.
func PointsFor(totalCents int64) int64 {
	if totalCents < 0 {
		return -PointsFor(-totalCents)
	}
	return totalCents / pointsPerCents
}

// Classify derives a customer segment from the aggregates. Rules are
// evaluated top to bottom, first match wins; the result depends only on the
// four inputs.
func Classify(spentCents int64, totalOrders int, points int64, daysSinceLastOrder int) string {
	switch {
	case spentCents >= vipSpendCents || points >= vipPoints || totalOrders >= vipOrders:
		return domain.SegmentVIP
	case totalOrders >= loyalOrders && points >= loyalPoints && daysSinceLastOrder <= loyalMaxDays:
		return domain.SegmentLoyal
	case totalOrders >= regularOrders && daysSinceLastOrder <= regularMaxDays:
		return domain.SegmentRegular
	case totalOrders > 0 && daysSinceLastOrder > inactiveMinDays:
		return domain.SegmentInactive
	default:
		return domain.SegmentNew
	}
}
