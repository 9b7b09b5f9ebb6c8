package catalog

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawProduct is one element of catalog[*].products[*] as found in the feed.
type RawProduct struct {
	SKU       Text          `json:"sku"`
	Name      Text          `json:"name"`
	Price     Number        `json:"price"`
	Quantity  Number        `json:"quantity"`
	Suppliers []RawSupplier `json:"suppliers"`

	// Malformed is set when the element is valid JSON but not a product
	// object. Raw then holds the element for logging.
	Malformed bool            `json:"-"`
	Raw       json.RawMessage `json:"-"`

	// DroppedSuppliers counts supplier entries left out of Suppliers because
	// they were not a supplier object, or their product block was not an
	// object. A suppliers value that is not an array counts as one.
	DroppedSuppliers int `json:"-"`
}

// UnmarshalJSON decodes the supplier list entry by entry so one bad entry
// costs only itself.
func (p *RawProduct) UnmarshalJSON(b []byte) error {
	type fields RawProduct
	var aux struct {
		fields
		Suppliers json.RawMessage `json:"suppliers"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = RawProduct(aux.fields)
	p.Suppliers, p.DroppedSuppliers = decodeSuppliers(aux.Suppliers)
	return nil
}

func decodeSuppliers(b json.RawMessage) ([]RawSupplier, int) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, 0
	}
	var entries []json.RawMessage
	if b[0] != '[' || json.Unmarshal(b, &entries) != nil {
		return nil, 1
	}
	var (
		out     []RawSupplier
		dropped int
	)
	for _, e := range entries {
		var s RawSupplier
		if err := json.Unmarshal(e, &s); err != nil || (s.Product != nil && s.Product.invalid) {
			dropped++
			continue
		}
		out = append(out, s)
	}
	return out, dropped
}

// RawSupplier is one supplier entry of a product.
type RawSupplier struct {
	Name    Text      `json:"name"`
	Product *RawOffer `json:"product"`
}

// RawOffer is the supplier's product block. Empty is set for "{}".
type RawOffer struct {
	Price    Number `json:"price"`
	Quantity Number `json:"quantity"`
	Currency Text   `json:"currency"`
	SKU      Text   `json:"sku"`
	Name     Text   `json:"name"`
	Empty    bool   `json:"-"`

	invalid bool
}

// UnmarshalJSON records whether the block has any field at all. A value
// that is not an object decodes to an empty, invalid offer.
func (o *RawOffer) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		*o = RawOffer{Empty: true, invalid: true}
		return nil
	}
	type plain RawOffer
	var p plain
	if len(fields) > 0 {
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
	}
	*o = RawOffer(p)
	o.Empty = len(fields) == 0
	return nil
}

// Number accepts a JSON number, a numeric string, null or anything else.
// Values that are not a finite number decode to 0.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	var s string
	switch b[0] {
	case '"':
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		s = string(b)
	default:
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	*n = Number(f)
	return nil
}

// Text accepts a JSON string or number. Other values decode to "".
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch {
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*t = Text(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*t = Text(b)
	}
	return nil
}
