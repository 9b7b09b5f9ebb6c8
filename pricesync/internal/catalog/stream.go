// Package catalog reads the price feed. Stream walks the document lazily so
// that only one product is decoded at a time; Normalize turns a decoded
// product into the item stored by the diff engine.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// SyntaxError reports a feed whose top-level structure cannot be walked:
// invalid JSON, a truncated document, or an unexpected token type on the
// path to the products.
type SyntaxError struct {
	Offset int64
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("catalog: syntax error at offset %d: %v", e.Offset, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

var errStop = errors.New("catalog: iteration stopped")

// Stream yields every product under catalog[*].products[*] in feed order.
// A structural failure is yielded once as a *SyntaxError and ends the
// sequence. The sequence reads r forward and cannot be restarted.
func Stream(r io.Reader) iter.Seq2[RawProduct, error] {
	return func(yield func(RawProduct, error) bool) {
		w := &walker{dec: json.NewDecoder(r), yield: yield}
		if err := w.root(); err != nil && !errors.Is(err, errStop) {
			yield(RawProduct{}, err)
		}
	}
}

type walker struct {
	dec   *json.Decoder
	yield func(RawProduct, error) bool
}

func (w *walker) syntax(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &SyntaxError{Offset: w.dec.InputOffset(), Err: err}
}

func (w *walker) expect(d json.Delim) error {
	tok, err := w.dec.Token()
	if err != nil {
		return w.syntax(err)
	}
	if tok != d {
		return w.syntax(fmt.Errorf("expected %q, got %v", d, tok))
	}
	return nil
}

func (w *walker) key() (string, error) {
	tok, err := w.dec.Token()
	if err != nil {
		return "", w.syntax(err)
	}
	k, ok := tok.(string)
	if !ok {
		return "", w.syntax(fmt.Errorf("expected object key, got %v", tok))
	}
	return k, nil
}

// skip consumes one value token by token.
func (w *walker) skip() error {
	depth := 0
	for {
		tok, err := w.dec.Token()
		if err != nil {
			return w.syntax(err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}

func (w *walker) root() error {
	if err := w.expect('{'); err != nil {
		return err
	}
	seen := false
	for w.dec.More() {
		k, err := w.key()
		if err != nil {
			return err
		}
		if k != "catalog" {
			if err := w.skip(); err != nil {
				return err
			}
			continue
		}
		seen = true
		if err := w.catalog(); err != nil {
			return err
		}
	}
	if err := w.expect('}'); err != nil {
		return err
	}
	if !seen {
		return w.syntax(errors.New("document has no catalog"))
	}
	return nil
}

func (w *walker) catalog() error {
	if err := w.expect('['); err != nil {
		return err
	}
	for w.dec.More() {
		if err := w.group(); err != nil {
			return err
		}
	}
	return w.expect(']')
}

func (w *walker) group() error {
	if err := w.expect('{'); err != nil {
		return err
	}
	for w.dec.More() {
		k, err := w.key()
		if err != nil {
			return err
		}
		if k != "products" {
			if err := w.skip(); err != nil {
				return err
			}
			continue
		}
		if err := w.products(); err != nil {
			return err
		}
	}
	return w.expect('}')
}

func (w *walker) products() error {
	tok, err := w.dec.Token()
	if err != nil {
		return w.syntax(err)
	}
	if tok == nil {
		return nil
	}
	if tok != json.Delim('[') {
		return w.syntax(fmt.Errorf("products: expected array, got %v", tok))
	}
	for w.dec.More() {
		var raw json.RawMessage
		if err := w.dec.Decode(&raw); err != nil {
			return w.syntax(err)
		}
		if !w.yield(decodeProduct(raw), nil) {
			return errStop
		}
	}
	return w.expect(']')
}

func decodeProduct(raw json.RawMessage) RawProduct {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return RawProduct{Malformed: true, Raw: raw}
	}
	var p RawProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		return RawProduct{Malformed: true, Raw: raw}
	}
	return p
}
