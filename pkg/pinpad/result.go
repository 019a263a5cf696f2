package pinpad

import (
	"fmt"

	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
)

// resultCodeNames maps the Borica transaction result codes.
var resultCodeNames = map[int]string{
	0: "approved",
	1: "declined",
	2: "device error",
	3: "try another interface",
	4: "try again",
}

// TransactionResult is the decoded outcome of one card transaction, built
// from the TRANSACTION COMPLETE event and enriched from the receipt tags.
type TransactionResult struct {
	Approved       bool   `json:"approved"`
	ResultCode     int    `json:"result_code"`
	ErrorCode      int    `json:"error_code"`
	HostErrorCode  int    `json:"host_error_code"`
	Amount         uint32 `json:"amount"`
	Stan           uint32 `json:"stan"`
	RRN            string `json:"rrn"`
	AuthID         string `json:"auth_id"`
	CardScheme     string `json:"card_scheme"`
	MaskedPAN      string `json:"masked_pan"`
	CardholderName string `json:"cardholder_name"`
	TerminalID     string `json:"terminal_id"`
	MerchantID     string `json:"merchant_id"`
	MerchantName   string `json:"merchant_name"`
	TransType      int    `json:"trans_type"`
	TransDate      string `json:"trans_date"`
	TransTime      string `json:"trans_time"`
	Interface      int    `json:"interface"` // 0 chip, 1 contactless
	BatchNum       uint32 `json:"batch_num"`
	Currency       string `json:"currency"`
}

// ResultText names the result code for log lines and error messages.
func (r *TransactionResult) ResultText() string {
	if name, ok := resultCodeNames[r.ResultCode]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", r.ResultCode)
}

// AmountDisplay renders the minor-unit amount as a decimal string.
func (r *TransactionResult) AmountDisplay() string {
	return fmt.Sprintf("%.2f", float64(r.Amount)/100)
}

// parseTransactionComplete decodes a TRANSACTION COMPLETE event payload.
// Approval is the DF05 result code being zero.
func parseTransactionComplete(data []byte) *TransactionResult {
	values := datecspay.DecodeTLV(data)
	result := &TransactionResult{}
	if code, ok := datecspay.TLVInt(values, datecspay.TagTransactionResult); ok {
		result.ResultCode = int(code)
	}
	if code, ok := datecspay.TLVInt(values, datecspay.TagTransactionError); ok {
		result.ErrorCode = int(code)
	}
	if amount, ok := datecspay.TLVInt(values, datecspay.TagAmount); ok {
		result.Amount = amount
	}
	if stan, ok := datecspay.TLVInt(values, datecspay.TagEMVStan); ok {
		result.Stan = stan
	}
	result.Approved = result.ResultCode == 0
	return result
}

// enrich merges the receipt tag set into the result. Fields already set from
// the completion event are only overwritten when the tags carry a value.
func (r *TransactionResult) enrich(values map[int][]byte) {
	if len(values) == 0 {
		return
	}
	setString := func(dst *string, tag int) {
		if v := datecspay.TLVString(values, tag); v != "" {
			*dst = v
		}
	}
	setString(&r.RRN, datecspay.TagHostRRN)
	setString(&r.AuthID, datecspay.TagHostAuthID)
	setString(&r.CardScheme, datecspay.TagCardScheme)
	setString(&r.MaskedPAN, datecspay.TagMaskedPAN)
	setString(&r.CardholderName, datecspay.TagCardholderName)
	setString(&r.TerminalID, datecspay.TagTerminalID)
	setString(&r.MerchantID, datecspay.TagMerchantID)
	setString(&r.MerchantName, datecspay.TagMerchantNameBG)
	setString(&r.Currency, datecspay.TagCurrencyName)

	if v, ok := datecspay.TLVInt(values, datecspay.TagHostCode); ok {
		r.HostErrorCode = int(v)
	}
	if v, ok := datecspay.TLVInt(values, datecspay.TagPayInterface); ok {
		r.Interface = int(v)
	}
	if v, ok := datecspay.TLVInt(values, datecspay.TagTransType); ok {
		r.TransType = int(v)
	}
	if v, ok := datecspay.TLVInt(values, datecspay.TagBatchNum); ok {
		r.BatchNum = v
	}
	if v, ok := datecspay.TLVInt(values, datecspay.TagAmount); ok && v != 0 {
		r.Amount = v
	}
	if v := datecspay.TLVDate(values, datecspay.TagTransDate); v != "" {
		r.TransDate = v
	}
	if v := datecspay.TLVTime(values, datecspay.TagTransTime); v != "" {
		r.TransTime = v
	}
}

// resultMap flattens the result into the job-result shape clients consume.
func (r *TransactionResult) resultMap(correlationID string) map[string]any {
	return map[string]any{
		"approved":        r.Approved,
		"result_code":     r.ResultCode,
		"error_code":      r.ErrorCode,
		"host_error_code": r.HostErrorCode,
		"amount":          r.Amount,
		"amount_display":  r.AmountDisplay(),
		"stan":            r.Stan,
		"rrn":             r.RRN,
		"auth_id":         r.AuthID,
		"card_scheme":     r.CardScheme,
		"masked_pan":      r.MaskedPAN,
		"cardholder_name": r.CardholderName,
		"terminal_id":     r.TerminalID,
		"merchant_id":     r.MerchantID,
		"merchant_name":   r.MerchantName,
		"trans_type":      r.TransType,
		"trans_date":      r.TransDate,
		"trans_time":      r.TransTime,
		"interface":       r.Interface,
		"batch_num":       r.BatchNum,
		"currency":        r.Currency,
		"correlation_id":  correlationID,
	}
}
