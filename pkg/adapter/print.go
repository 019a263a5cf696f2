package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultLineWidth = 42

// PrintItem is one line item of a rendered (non-fiscal) receipt.
type PrintItem struct {
	Name  string  `json:"name"`
	Qty   float64 `json:"qty"`
	Price float64 `json:"price"`
	Total float64 `json:"total"`
}

// TotalLine accepts either a bare string or a {label, value} object.
type TotalLine struct {
	Label string
	Value string
}

func (t *TotalLine) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Label)
	}
	var obj struct {
		Label string          `json:"label"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Label = obj.Label
	if t.Label == "" {
		t.Label = "TOTAL"
	}
	if len(obj.Value) > 0 {
		t.Value = strings.Trim(string(obj.Value), `"`)
	}
	return nil
}

// PrintPayload is the body of a non-fiscal print job. Text jobs fill Lines;
// receipt jobs use the remaining fields.
type PrintPayload struct {
	Lines  []string    `json:"lines"`
	Header []string    `json:"header"`
	Items  []PrintItem `json:"items"`
	Totals []TotalLine `json:"totals"`
	Footer []string    `json:"footer"`
}

// BuildLines renders a print payload into receipt lines for the model.
func (p Profile) BuildLines(payloadType string, payload PrintPayload) ([]string, error) {
	switch payloadType {
	case "text":
		return payload.Lines, nil
	case "receipt":
		return p.formatReceipt(payload), nil
	case "test":
		return []string{
			"=== Datecs Test Print ===",
			"Model: " + p.Model,
			"Status: OK",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported payload type: %s", payloadType)
	}
}

func (p Profile) formatReceipt(payload PrintPayload) []string {
	var lines []string
	rule := strings.Repeat("-", defaultLineWidth)

	lines = append(lines, payload.Header...)
	if len(payload.Header) > 0 {
		lines = append(lines, rule)
	}
	for _, item := range payload.Items {
		qty := item.Qty
		if qty == 0 {
			qty = 1
		}
		total := item.Total
		if total == 0 {
			total = qty * item.Price
		}
		lines = append(lines, fmt.Sprintf("%s x%g @ %g = %g", item.Name, qty, item.Price, total))
	}
	if len(payload.Items) > 0 {
		lines = append(lines, rule)
	}
	for _, tl := range payload.Totals {
		if tl.Value != "" {
			lines = append(lines, tl.Label+": "+tl.Value)
		} else {
			lines = append(lines, tl.Label)
		}
	}
	return append(lines, payload.Footer...)
}

// SplitLine breaks a line into chunks no wider than the printer's column
// count.
func SplitLine(line string, width int) []string {
	if width <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	if len(runes) == 0 {
		return []string{""}
	}
	var chunks []string
	for start := 0; start < len(runes); start += width {
		end := start + width
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
