package builder

import "strings"

// FP2000 serialises payloads for the FP-2000 series (protocol 2.00BG, byte
// framing): FP-800, FP-2000, FP-650, SK1-21F, SK1-31F, FMP-10, FP-700.
//
// The wire format is compact rather than uniformly tab-separated: the open
// command takes comma-separated fields, sale lines carry price, quantity and
// discount as positional suffixes, and tax codes are letters 'A' to 'H'.
type FP2000 struct{}

var digitToLetter = map[string]string{
	"1": "A", "2": "B", "3": "C", "4": "D",
	"5": "E", "6": "F", "7": "G", "8": "H",
}

// taxLetter normalises any tax-group representation to a letter 'A' to 'H'.
func taxLetter(code string) string {
	v := strings.ToUpper(strings.TrimSpace(code))
	if v == "" {
		return "A"
	}
	if latin, ok := cyrillicTax[v]; ok {
		v = latin
	}
	if letter, ok := digitToLetter[v]; ok {
		return letter
	}
	for _, letter := range digitToLetter {
		if v == letter {
			return v
		}
	}
	return "A"
}

func paymentLetter(value string) string {
	raw := strings.ToUpper(strings.TrimSpace(value))
	switch raw {
	case "0", "P", "":
		return "P" // cash
	case "1", "D":
		return "D" // card
	case "2", "N":
		return "N" // credit
	case "3", "C":
		return "C" // cheque
	default:
		return "P"
	}
}

// OpenReceipt: <OpNum>,<Password>,<TillNum>[,<Invoice>][,<UNP>]
func (FP2000) OpenReceipt(opNum, password, till, invoice, nsale string) string {
	parts := []string{opNum, password, till}
	if invoice != "" {
		parts = append(parts, invoice)
	}
	if nsale != "" {
		parts = append(parts, nsale)
	}
	return strings.Join(parts, ",")
}

// Sale: <Name>\t<TaxCd><Price>[*<Qty>[#<Unit>]][,<Perc>|;-<Abs>]
// or, with a department: <Name>\t<Dept>\t<Price>[...]
func (FP2000) Sale(item Item) (string, error) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return "", &ValidationError{Detail: "Sale item requires name."}
	}
	price := formatAmount(string(item.Price))
	if price == "" {
		return "", &ValidationError{Detail: "Sale item requires price."}
	}
	qty := string(item.Qty)
	unit := strings.TrimSpace(item.Unit)

	suffix := price
	if qty != "" && qty != "1" && qty != "1.000" {
		suffix += "*" + qty
		if unit != "" {
			suffix += "#" + unit
		}
	} else if unit != "" {
		suffix += "*1.000#" + unit
	}

	percent, absolute := parseDiscount(string(item.Discount))
	if percent != "" {
		suffix += "," + percent
	} else if absolute != "" {
		suffix += ";-" + absolute
	}

	if department := strings.TrimSpace(string(item.Department)); department != "" && department != "0" {
		return name + "\t" + department + "\t" + suffix, nil
	}
	return name + "\t" + taxLetter(item.taxValue()) + suffix, nil
}

// Payment: \t<PaidMode><Amount>
func (FP2000) Payment(p Payment) (string, error) {
	amount := formatAmount(string(p.Amount))
	if amount == "" {
		return "", &ValidationError{Detail: "Payment amount is required."}
	}
	return "\t" + paymentLetter(p.Type) + amount, nil
}

// NonfiscalText passes the line through; font and flags stay at defaults.
func (FP2000) NonfiscalText(text string) string {
	return text
}

// FiscalText: \t<Font><Text> with font 1.
func (FP2000) FiscalText(text string) string {
	return "\t1" + text
}

// Cash: signed amount, positive deposits and negative withdrawals, with a
// '*' prefix selecting the alternative (EUR) currency.
func (FP2000) Cash(req CashRequest) (string, error) {
	amount := strings.TrimSpace(string(req.Amount))
	if amount == "" {
		return "", &ValidationError{Detail: "Cash operation requires amount."}
	}
	value := formatAmount(strings.TrimPrefix(amount, "-"))
	switch strings.ToLower(strings.TrimSpace(req.Direction)) {
	case "", "in", "deposit":
	case "out", "withdraw", "withdrawal":
		value = "-" + value
	default:
		return "", &ValidationError{Detail: "Cash direction must be 'in' or 'out'."}
	}
	if strings.ToUpper(strings.TrimSpace(req.Currency)) == "EUR" {
		value = "*" + value
	}
	return value, nil
}

// Report: '0' runs a Z-report, '2' an X-report; an 'N' suffix keeps the
// daily registers.
func (FP2000) Report(req ReportRequest) (string, error) {
	if req.Option != nil {
		opt := strings.ToUpper(strings.TrimSpace(string(*req.Option)))
		if opt == "" {
			return "", nil
		}
		switch opt {
		case "Z", "0":
			opt = "0"
		case "X", "2":
			opt = "2"
		}
		if opt == "?" || opt == "*" {
			return opt, nil
		}
		if req.keepRegisters() {
			opt += "N"
		}
		return opt, nil
	}
	rtype := strings.ToLower(strings.TrimSpace(req.Type))
	if rtype == "" {
		rtype = "x"
	}
	codes := map[string]string{"x": "2", "z": "0", "d": "D", "g": "G"}
	code, ok := codes[rtype]
	if !ok {
		return "", &ValidationError{Detail: "Report type must be 'x', 'z', 'd', or 'g'."}
	}
	return code, nil
}

func (FP2000) StatusData() string { return "X" }
