package builder

import "strings"

// FP700MX serialises payloads for the FP-700MX series (protocol 2.08, hex4
// framing): FMP-350X, FMP-55X, FP-700X, FP-700XE, WP-500X, WP-50X, DP-25X,
// WP-25X, DP-150X, DP-05C.
//
// Every field is tab-separated. Tax codes are digits '1' to '8', payment
// modes are digits '0' to '5'.
type FP700MX struct{}

var letterToDigit = map[string]string{
	"A": "1", "B": "2", "C": "3", "D": "4",
	"E": "5", "F": "6", "G": "7", "H": "8",
}

// taxDigit normalises any tax-group representation to a digit '1' to '8'.
func taxDigit(code string) string {
	v := strings.ToUpper(strings.TrimSpace(code))
	if v == "" {
		return "1"
	}
	if latin, ok := cyrillicTax[v]; ok {
		v = latin
	}
	if digit, ok := letterToDigit[v]; ok {
		return digit
	}
	for _, digit := range letterToDigit {
		if v == digit {
			return v
		}
	}
	return "1"
}

func paymentDigit(value string) string {
	raw := strings.ToUpper(strings.TrimSpace(value))
	if raw == "" {
		raw = "P"
	}
	if isDigits(raw) {
		return raw
	}
	switch raw {
	case "C":
		return "1"
	case "N":
		return "2"
	default:
		return "0"
	}
}

// OpenReceipt uses the extended syntax when a unique sale number is present:
// {OpCode}\t{OpPwd}\t{NSale}\t{TillNmb}\t{Invoice}\t
func (FP700MX) OpenReceipt(opNum, password, till, invoice, nsale string) string {
	if nsale != "" {
		return opNum + "\t" + password + "\t" + nsale + "\t" + till + "\t" + invoice + "\t"
	}
	return opNum + "\t" + password + "\t" + till + "\t" + invoice + "\t"
}

// Sale: {PluName}\t{TaxCd}\t{Price}\t{Qty}\t{DiscType}\t{DiscVal}\t{Dept}\t[{Unit}\t]
func (FP700MX) Sale(item Item) (string, error) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return "", &ValidationError{Detail: "Sale item requires name."}
	}
	price := formatAmount(string(item.Price))
	if price == "" {
		return "", &ValidationError{Detail: "Sale item requires price."}
	}
	qty := string(item.Qty)
	if qty == "" {
		qty = "1.000"
	}
	department := strings.TrimSpace(string(item.Department))
	if department == "" {
		department = "0"
	}

	percent, absolute := parseDiscount(string(item.Discount))
	discountType, discountValue := "", ""
	if percent != "" {
		discountType, discountValue = "2", percent
	} else if absolute != "" {
		discountType, discountValue = "4", absolute
	}

	fields := []string{name, taxDigit(item.taxValue()), price, qty, discountType, discountValue, department}
	if unit := strings.TrimSpace(item.Unit); unit != "" {
		fields = append(fields, unit)
	}
	return strings.Join(fields, "\t") + "\t", nil
}

// Payment: {PaidMode}\t{Amount}\t{Type}\t
func (FP700MX) Payment(p Payment) (string, error) {
	amount := formatAmount(string(p.Amount))
	if amount == "" {
		return "", &ValidationError{Detail: "Payment amount is required."}
	}
	return paymentDigit(p.Type) + "\t" + amount + "\t\t", nil
}

// NonfiscalText: {Text}\t{Bold}\t{Italic}\t{Height}\t{Underline}\t{alignment}\t
func (FP700MX) NonfiscalText(text string) string {
	return text + "\t\t\t\t\t\t"
}

// FiscalText: {Text}\t{Bold}\t{Italic}\t{DoubleH}\t{Underline}\t{alignment}\t
func (FP700MX) FiscalText(text string) string {
	return text + "\t\t\t\t\t\t"
}

// Cash: {Type}\t{Amount}\t where type 0/1 is BGN in/out and 2/3 is EUR.
func (FP700MX) Cash(req CashRequest) (string, error) {
	amount := formatAmount(string(req.Amount))
	if amount == "" {
		return "", &ValidationError{Detail: "Cash operation requires amount."}
	}
	euro := strings.ToUpper(strings.TrimSpace(req.Currency)) == "EUR"
	var cashType string
	switch strings.ToLower(strings.TrimSpace(req.Direction)) {
	case "", "in", "deposit":
		cashType = "0"
		if euro {
			cashType = "2"
		}
	case "out", "withdraw", "withdrawal":
		cashType = "1"
		if euro {
			cashType = "3"
		}
	default:
		return "", &ValidationError{Detail: "Cash direction must be 'in' or 'out'."}
	}
	return cashType + "\t" + amount + "\t", nil
}

// Report emits the option letter followed by a tab.
func (FP700MX) Report(req ReportRequest) (string, error) {
	if req.Option != nil {
		opt := strings.ToUpper(strings.TrimSpace(string(*req.Option)))
		if opt == "" {
			return "", nil
		}
		switch opt {
		case "0", "Z":
			opt = "Z"
		case "2", "X":
			opt = "X"
		}
		return opt + "\t", nil
	}
	rtype := strings.ToLower(strings.TrimSpace(req.Type))
	if rtype == "" {
		rtype = "x"
	}
	codes := map[string]string{"x": "X", "z": "Z", "d": "D", "g": "G"}
	code, ok := codes[rtype]
	if !ok {
		return "", &ValidationError{Detail: "Report type must be 'x', 'z', 'd', or 'g'."}
	}
	return code + "\t", nil
}

func (FP700MX) StatusData() string { return "0" }
