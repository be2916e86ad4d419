package service

import (
	"fmt"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/shopspring/decimal"
)

// BuildLineItems computes the invoice lines for one account and period. The
// service fee line comes first when the fee is positive; usage items without
// a resolvable product or with a non-positive quantity produce no line.
func BuildLineItems(
	fee decimal.Decimal,
	usage []billingdomain.UsageItem,
	period billingdomain.BillingPeriod,
	serviceDescription string,
) []billingdomain.LineItem {
	lines := make([]billingdomain.LineItem, 0, len(usage)+1)
	if fee.IsPositive() {
		lines = append(lines, billingdomain.LineItem{
			Type:        billingdomain.LineItemTypeService,
			Description: fmt.Sprintf("%s — %s", serviceDescription, period.Label),
			Amount:      fee,
		})
	}

	for _, item := range usage {
		if item.Product == nil || item.Quantity <= 0 {
			continue
		}
		productID := item.Product.ID
		quantity := item.Quantity
		usageItemID := item.ID
		lines = append(lines, billingdomain.LineItem{
			Type:        billingdomain.LineItemTypeProduct,
			Description: fmt.Sprintf("%s × %d", item.Product.Name, quantity),
			Amount:      item.Product.Price.Mul(decimal.NewFromInt(quantity)),
			ProductID:   &productID,
			Quantity:    &quantity,
			UsageItemID: &usageItemID,
		})
	}
	return lines
}

// SumLineItems adds the unrounded line amounts.
func SumLineItems(lines []billingdomain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}
	return total
}

// lineStep names a line for its processor idempotency key. Usage lines are
// keyed by their usage item so the key survives a change in the usage list.
func lineStep(line billingdomain.LineItem) string {
	if line.UsageItemID != nil {
		return "line:usage:" + *line.UsageItemID
	}
	return "line:" + string(line.Type)
}

func usageIDs(usage []billingdomain.UsageItem) []string {
	ids := make([]string, 0, len(usage))
	for _, item := range usage {
		ids = append(ids, item.ID)
	}
	return ids
}
