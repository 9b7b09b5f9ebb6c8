package catalog

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/pricesync/pricesync/internal/rates"
	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

// DefaultReferenceSupplier is the supplier name holding the company's own
// warehouse offer.
const DefaultReferenceSupplier = "Мой склад"

// UnknownName is used for products and suppliers without a name.
const UnknownName = "Unknown"

// NormalizeOptions tunes Normalize.
type NormalizeOptions struct {
	// ReferenceSupplier is matched case-insensitively. Default: DefaultReferenceSupplier.
	ReferenceSupplier string
	// BaseCurrency is assumed for offers without a currency. Default: the
	// rate table's base, else "RUB".
	BaseCurrency string
	// Now stamps UpdatedAt and CreatedAt.
	Now int64
}

func (o *NormalizeOptions) defaults(rt rates.Table) {
	if o.ReferenceSupplier == "" {
		o.ReferenceSupplier = DefaultReferenceSupplier
	}
	if o.BaseCurrency == "" {
		o.BaseCurrency = rt.Base
	}
	if o.BaseCurrency == "" {
		o.BaseCurrency = "RUB"
	}
}

// Normalize converts a feed product into an item priced in the base
// currency. It returns nil for a product without a SKU.
//
// The reference supplier fills RefPrice/RefQty and never competes for
// cheapest. Cheapest is the lowest converted price among the other
// suppliers with price > 0 and qty > 0; on a tie the first one in feed order
// wins.
func Normalize(p RawProduct, rt rates.Table, opts NormalizeOptions) *store.Item {
	if p.Malformed {
		return nil
	}
	sku := strings.TrimSpace(string(p.SKU))
	if sku == "" {
		return nil
	}
	opts.defaults(rt)

	name := string(p.Name)
	if name == "" {
		name = UnknownName
	}

	it := &store.Item{
		SKU:       sku,
		Name:      name,
		OwnPrice:  nonNeg(float64(p.Price)),
		OwnQty:    nonNeg(float64(p.Quantity)),
		UpdatedAt: opts.Now,
		CreatedAt: opts.Now,
	}

	var (
		cheapest    decimal.Decimal
		hasCheapest bool
	)
	for _, s := range p.Suppliers {
		if s.Product == nil || s.Product.Empty {
			continue
		}
		off := s.Product

		supName := strings.TrimSpace(string(s.Name))
		if supName == "" {
			supName = UnknownName
		}
		currency := strings.ToUpper(strings.TrimSpace(string(off.Currency)))
		if currency == "" {
			currency = opts.BaseCurrency
		}
		orig := nonNeg(float64(off.Price))
		qty := nonNeg(float64(off.Quantity))

		converted := decimal.NewFromFloat(orig).Mul(decimal.NewFromFloat(rt.Rate(currency)))
		price := converted.Round(2).InexactFloat64()

		it.Suppliers = append(it.Suppliers, store.Supplier{
			Name:          supName,
			Price:         price,
			OriginalPrice: orig,
			Currency:      currency,
			Qty:           qty,
			SupplierSKU:   string(off.SKU),
			ProductName:   string(off.Name),
		})

		if strings.EqualFold(supName, opts.ReferenceSupplier) {
			it.RefPrice = price
			it.RefQty = qty
			continue
		}
		if !converted.IsPositive() || qty <= 0 {
			continue
		}
		if !hasCheapest || converted.LessThan(cheapest) {
			cheapest = converted
			hasCheapest = true
			it.CheapestPrice = price
			it.CheapestQty = qty
			it.CheapestSupplier = supName
		}
	}
	return it
}

func nonNeg(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
