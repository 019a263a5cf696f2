// Package builder serialises command parameters into the DATA area each
// Datecs printer series expects on the wire.
//
// The command codes are identical across the range, but the DATA grammar is
// not: the FP-700MX generation wants tab-separated fields everywhere, while
// the FP-2000 generation uses a compact mixed format with commas, tabs and
// positional suffixes. One Builder implementation per series keeps the
// difference in one place.
package builder

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Builder produces the DATA payload for every command whose grammar differs
// across printer series.
type Builder interface {
	// OpenReceipt builds the 0x30 payload. nsale is the unique sale number
	// required for NRA-registered receipts; invoice switches the receipt to
	// extended (invoice) form.
	OpenReceipt(opNum, password, till, invoice, nsale string) string
	// Sale builds the 0x31 payload for one receipt line.
	Sale(item Item) (string, error)
	// Payment builds the 0x35 payload.
	Payment(p Payment) (string, error)
	// NonfiscalText builds the 0x2A free-text payload.
	NonfiscalText(text string) string
	// FiscalText builds the 0x36 free-text payload.
	FiscalText(text string) string
	// Cash builds the 0x46 deposit or withdrawal payload.
	Cash(req CashRequest) (string, error)
	// Report builds the 0x45 daily-report payload.
	Report(req ReportRequest) (string, error)
	// StatusData is the DATA byte sent with the 0x4A status poll.
	StatusData() string
}

// FlexString accepts either a JSON string or a JSON number, preserving the
// client's textual form. Receipt payloads arrive from several POS vendors
// and the numeric fields come in both shapes.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Item is one sale line of a fiscal receipt.
type Item struct {
	Name       string     `json:"name"`
	Tax        FlexString `json:"tax"`
	TaxCode    FlexString `json:"tax_code"`
	TaxGroup   FlexString `json:"tax_group"`
	Price      FlexString `json:"price"`
	Qty        FlexString `json:"qty"`
	Unit       string     `json:"unit"`
	Department FlexString `json:"department"`
	Discount   FlexString `json:"discount"`
}

// taxValue resolves the first populated tax field.
func (i Item) taxValue() string {
	for _, v := range []FlexString{i.Tax, i.TaxCode, i.TaxGroup} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// Payment is one tender line of a fiscal receipt.
type Payment struct {
	Type   string     `json:"type"`
	Amount FlexString `json:"amount"`
}

// CashRequest is a service deposit or withdrawal.
type CashRequest struct {
	Amount    FlexString `json:"amount"`
	Direction string     `json:"direction"`
	Currency  string     `json:"currency"`
}

// ReportRequest selects a daily report variant. Option, when present, wins
// over Type and is passed closer to the wire form.
type ReportRequest struct {
	Option  *FlexString `json:"option"`
	Type    string      `json:"type"`
	NoReset bool        `json:"no_reset"`
	NoClear bool        `json:"no_clear"`
}

func (r ReportRequest) keepRegisters() bool { return r.NoReset || r.NoClear }

// ValidationError reports a payload the builder cannot serialise.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// formatAmount renders a numeric string with two decimals, passing
// non-numeric input through untouched.
func formatAmount(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// cyrillicTax maps the Cyrillic tax-group letters printed on Bulgarian
// receipts to their Latin equivalents.
var cyrillicTax = map[string]string{
	"А": "A", "Б": "B", "В": "C", "Г": "D",
	"Д": "E", "Е": "F", "Ж": "G", "З": "H",
}

// parseDiscount splits a discount value into a percentage or an absolute
// amount. Returns ("", "") when no discount applies.
func parseDiscount(raw string) (percent, absolute string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if strings.HasSuffix(raw, "%") {
		return strings.TrimRight(raw, "%"), ""
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n == 0 {
		return "", ""
	}
	if n < 0 {
		n = -n
	}
	return "", strconv.FormatFloat(n, 'f', 2, 64)
}
