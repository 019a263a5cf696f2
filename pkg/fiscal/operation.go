package fiscal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
)

// Payload types accepted by Execute.
const (
	TypeFiscalReceipt = "fiscal_receipt"
	TypeStorno        = "storno"
	TypeReport        = "report"
	TypeCash          = "cash"
)

// paymentNames maps tender type codes to the Bulgarian labels echoed in job
// results.
var paymentNames = map[string]string{
	"P": "В брой",
	"C": "Кредитна карта",
	"N": "Дебитна карта",
	"D": "Ваучер",
	"I": "Банка",
}

// ReceiptItem is one sale line plus the quantity field some POS systems
// send separately for totals.
type ReceiptItem struct {
	builder.Item
	Quantity builder.FlexString `json:"quantity"`
}

func (i ReceiptItem) lineTotal() float64 {
	price, _ := strconv.ParseFloat(string(i.Price), 64)
	qty := 1.0
	if i.Quantity != "" {
		if v, err := strconv.ParseFloat(string(i.Quantity), 64); err == nil {
			qty = v
		}
	}
	return price * qty
}

// ReceiptPayload is the body of a fiscal_receipt job.
type ReceiptPayload struct {
	Operator         Operator           `json:"operator"`
	OperatorID       builder.FlexString `json:"operator_id"`
	OperatorPassword builder.FlexString `json:"operator_password"`
	OperatorTill     builder.FlexString `json:"operator_till"`
	OperatorName     string             `json:"operator_name"`
	Invoice          bool               `json:"invoice"`
	NSale            builder.FlexString `json:"nsale"`
	NSaleAlt         builder.FlexString `json:"n_sale"`
	SaleID           builder.FlexString `json:"sale_id"`
	UNP              builder.FlexString `json:"unp"`
	Items            []ReceiptItem      `json:"items"`
	Payments         []builder.Payment  `json:"payments"`
}

func (p ReceiptPayload) nsale() string {
	return firstOf(p.NSale, p.NSaleAlt, p.SaleID, p.UNP)
}

// StornoOriginal references the document being reversed.
type StornoOriginal struct {
	DocNo    builder.FlexString `json:"doc_no"`
	Document builder.FlexString `json:"document"`
	Date     builder.FlexString `json:"date"`
	FM       builder.FlexString `json:"fm"`
	UNP      builder.FlexString `json:"unp"`
}

// StornoPayload is the body of a storno job. With Auto set the printer
// reverses the original document by itself after the open command.
type StornoPayload struct {
	Operator         Operator           `json:"operator"`
	OperatorID       builder.FlexString `json:"operator_id"`
	OperatorPassword builder.FlexString `json:"operator_password"`
	OperatorTill     builder.FlexString `json:"operator_till"`
	StornoType       *builder.FlexString `json:"storno_type"`
	Type             *builder.FlexString `json:"type"`
	Original         StornoOriginal     `json:"original"`
	Auto             bool               `json:"auto"`
	Items            []ReceiptItem      `json:"items"`
	Payments         []builder.Payment  `json:"payments"`
}

// ReportPayload is the body of a report job.
type ReportPayload struct {
	builder.ReportRequest
	Command builder.FlexString `json:"command"`
	Cmd     builder.FlexString `json:"cmd"`
}

// CashPayload is the body of a cash job.
type CashPayload struct {
	builder.CashRequest
	Type builder.FlexString `json:"type"`
}

// PaymentMethod is one tender line echoed in a receipt result.
type PaymentMethod struct {
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
}

// Result is what a completed fiscal job reports back to the client.
type Result struct {
	DryRun         bool            `json:"dry_run,omitempty"`
	ReceiptNumber  *string         `json:"receipt_number,omitempty"`
	PayloadType    string          `json:"payload_type,omitempty"`
	TotalAmount    float64         `json:"total_amount,omitempty"`
	PaymentMethods []PaymentMethod `json:"payment_methods,omitempty"`
	ReportType     string          `json:"report_type,omitempty"`
	CashType       string          `json:"cash_type,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
}

// Execute runs one fiscal job against the device. With dryRun set nothing
// touches the wire; the payload is logged and acknowledged.
func Execute(device Device, payloadType string, rawPayload json.RawMessage, dryRun bool) (*Result, error) {
	if dryRun {
		u := uuid.New()
		correlationID := hex.EncodeToString(u[:])
		logger.Info("dry-run fiscal job",
			"printer_id", device.ID,
			"payload_type", payloadType,
			"payload", string(rawPayload),
			"correlation_id", correlationID,
		)
		return &Result{DryRun: true, CorrelationID: correlationID}, nil
	}

	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	s := newSession(device, tr)
	logger.Info("fiscal job start",
		"printer_id", device.ID,
		"payload_type", payloadType,
		"correlation_id", s.correlationID,
	)

	result, err := s.dispatch(payloadType, rawPayload)
	if err != nil {
		logger.Error("fiscal job failed",
			"printer_id", device.ID,
			"payload_type", payloadType,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return nil, err
	}
	return result, nil
}

func (s *session) dispatch(payloadType string, rawPayload json.RawMessage) (*Result, error) {
	switch payloadType {
	case TypeFiscalReceipt:
		var payload ReceiptPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		return s.fiscalReceipt(payload)
	case TypeStorno:
		var payload StornoPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		return s.storno(payload)
	case TypeReport:
		var payload ReportPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		return s.report(payload)
	case TypeCash:
		var payload CashPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		return s.cash(payload)
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("Unsupported fiscal payload type: %s", payloadType)}
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &ValidationError{Detail: "invalid payload: " + err.Error()}
	}
	return nil
}

// resolveOperator merges payload-level operator fields over the nested
// operator object over the printer defaults.
func (s *session) resolveOperator(op Operator, id, password, till builder.FlexString) Operator {
	if op.empty() && op.Name == "" {
		op = s.device.Operator
	}
	if id != "" {
		op.ID = id
	}
	if password != "" {
		op.Password = password
	}
	if till != "" {
		op.Till = builder.FlexString(till)
	}
	return op
}

// normalizeNumeric strips leading zeros from numeric identifiers; a bare
// "0" means unset.
func normalizeNumeric(value string) string {
	value = strings.TrimSpace(value)
	if isNumeric(value) {
		var v int
		fmt.Sscanf(value, "%d", &v)
		value = strconv.Itoa(v)
	}
	if value == "0" {
		return ""
	}
	return value
}

// operatorData serialises operator credentials for commands that embed them
// directly (storno). Format: OpNum<TAB>Password<TAB>Till<TAB>.
func operatorData(op Operator) (string, error) {
	opNum := normalizeNumeric(op.opNum())
	password := strings.TrimSpace(string(op.Password))
	till := normalizeNumeric(op.till())
	if opNum == "" && password == "" && till == "" {
		return "", nil
	}
	if opNum == "" || password == "" || till == "" {
		return "", &ValidationError{Detail: "Operator info requires id, password, till."}
	}
	return opNum + "\t" + password + "\t" + till + "\t", nil
}

func (s *session) fiscalReceipt(payload ReceiptPayload) (*Result, error) {
	if err := s.openReceipt(payload); err != nil {
		return nil, err
	}
	for _, item := range payload.Items {
		data, err := s.bld.Sale(item.Item)
		if err != nil {
			return nil, err
		}
		if err := s.send(cmdSellItem, data, "sell item"); err != nil {
			return nil, err
		}
	}
	lastPayment, err := s.payAll(payload.Payments, "payment")
	if err != nil {
		return nil, err
	}
	if err := ensurePaymentCompleted(lastPayment, "payment", s.correlationID); err != nil {
		return nil, err
	}

	closeResp, err := s.sendWithResponse(cmdCloseFiscal, "", "close receipt")
	if err != nil {
		return nil, err
	}
	logger.Info("close response",
		"printer_id", s.device.ID,
		"fields", closeResp.Fields,
		"status_hex", hex.EncodeToString(closeResp.Status),
		"correlation_id", s.correlationID,
	)
	s.diagnosticStatus()

	return s.receiptResult(TypeFiscalReceipt, closeResp, payload.Items, payload.Payments), nil
}

// openReceipt runs the diagnostics ladder and then the open command.
func (s *session) openReceipt(payload ReceiptPayload) error {
	op := s.resolveOperator(payload.Operator, payload.OperatorID, payload.OperatorPassword, payload.OperatorTill)
	opNum := strings.TrimSpace(op.opNum())

	logger.Info("receipt diagnostics start",
		"printer_id", s.device.ID,
		"op_num", opNum,
		"correlation_id", s.correlationID,
	)
	if err := s.preflight(); err != nil {
		return err
	}

	password := strings.TrimSpace(string(op.Password))
	till := strings.TrimSpace(op.till())

	if opNum != "" {
		s.operatorInfo(opNum)
	}
	name := payload.OperatorName
	if name == "" {
		name = op.Name
	}
	if name != "" && opNum != "" {
		s.setOperatorName(opNum, name, password)
	}

	if opNum == "" || password == "" || till == "" {
		return &ValidationError{Detail: "Operator info requires id, password, till."}
	}

	invoice := ""
	if payload.Invoice {
		invoice = "I"
	}
	data := s.bld.OpenReceipt(opNum, password, till, invoice, payload.nsale())
	logger.Info("open receipt data",
		"printer_id", s.device.ID,
		"data", data,
		"correlation_id", s.correlationID,
	)
	return s.send(cmdOpenFiscal, data, "open receipt")
}

func (s *session) payAll(payments []builder.Payment, context string) (*datecs.Response, error) {
	if len(payments) == 0 {
		return nil, &ValidationError{Detail: "At least one payment is required."}
	}
	var last *datecs.Response
	for _, payment := range payments {
		data, err := s.bld.Payment(payment)
		if err != nil {
			return nil, err
		}
		resp, err := s.sendWithResponse(cmdPayment, data, context)
		if err != nil {
			return nil, err
		}
		last = resp
	}
	return last, nil
}

// ensurePaymentCompleted rejects a receipt whose tenders left a remainder.
// The close command would print a void receipt otherwise. A couple of
// stotinki of rounding slack is tolerated.
func ensurePaymentCompleted(resp *datecs.Response, context, correlationID string) error {
	if resp == nil || len(resp.Fields) < 2 {
		return nil
	}
	if resp.Fields[1] != "D" {
		return nil
	}
	remainder := ""
	if len(resp.Fields) > 2 {
		remainder = resp.Fields[2]
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(remainder, ",", "."), 64)
	if err != nil {
		value = 0
	}
	if value > 0.02 {
		logger.Warn("payment incomplete",
			"context", context,
			"remainder", remainder,
			"correlation_id", correlationID,
		)
		return &DeviceError{
			Context: context,
			Message: fmt.Sprintf("Payment incomplete. Остатък за плащане: %s.", remainder),
		}
	}
	return nil
}

// receiptResult extracts the document number and summarises totals and
// tenders for the job result.
func (s *session) receiptResult(payloadType string, closeResp *datecs.Response, items []ReceiptItem, payments []builder.Payment) *Result {
	receiptNumber := s.extractReceiptNumber(closeResp)

	total := 0.0
	for _, item := range items {
		total += item.lineTotal()
	}

	methods := make([]PaymentMethod, 0, len(payments))
	for _, payment := range payments {
		ptype := payment.Type
		if ptype == "" {
			ptype = "P"
		}
		name, ok := paymentNames[ptype]
		if !ok {
			name = ptype
		}
		amount, _ := strconv.ParseFloat(string(payment.Amount), 64)
		methods = append(methods, PaymentMethod{Type: name, Amount: amount})
	}

	return &Result{
		ReceiptNumber:  receiptNumber,
		PayloadType:    payloadType,
		TotalAmount:    math.Round(total*100) / 100,
		PaymentMethods: methods,
		CorrelationID:  s.correlationID,
	}
}

// extractReceiptNumber pulls the printed document number. The hex dialect
// returns it directly in the close response; the byte dialect closes with
// day counters only, so the NRA data record (type 1) supplies the global
// document counter instead.
func (s *session) extractReceiptNumber(closeResp *datecs.Response) *string {
	var receiptNumber string
	if s.opts.Dialect != datecs.DialectByte {
		if len(closeResp.Fields) >= 2 {
			receiptNumber = strings.TrimSpace(closeResp.Fields[1])
		}
	} else {
		nraResp, err := s.sendSkipRaise(cmdNRAData, "1", "nra data")
		if err == nil {
			logger.Info("nra data response",
				"fields", nraResp.Fields,
				"correlation_id", s.correlationID,
			)
			// Response: [P,]DT,Closure,FiscRec,LastFiscal,LastDoc,Journal.
			// LastDoc is the second part from the end.
			var parts []string
			for _, field := range nraResp.Fields {
				for _, part := range strings.Split(field, ",") {
					parts = append(parts, strings.TrimSpace(part))
				}
			}
			if len(parts) >= 4 {
				receiptNumber = parts[len(parts)-2]
			}
		} else {
			logger.Info("nra data failed",
				"error", err,
				"correlation_id", s.correlationID,
			)
			if len(closeResp.Fields) > 0 && strings.TrimSpace(closeResp.Fields[0]) != "" {
				receiptNumber = strings.TrimSpace(strings.Split(closeResp.Fields[0], ",")[0])
			}
		}
	}
	if receiptNumber == "" || receiptNumber == "0" {
		return nil
	}
	return &receiptNumber
}

func (s *session) storno(payload StornoPayload) (*Result, error) {
	op := s.resolveOperator(payload.Operator, payload.OperatorID, payload.OperatorPassword, payload.OperatorTill)
	opData, err := operatorData(op)
	if err != nil {
		return nil, err
	}

	stType := "0"
	if payload.StornoType != nil {
		stType = string(*payload.StornoType)
	} else if payload.Type != nil {
		stType = string(*payload.Type)
	}
	parts := []string{stType}
	for _, v := range []builder.FlexString{
		firstNonEmpty(payload.Original.DocNo, payload.Original.Document),
		payload.Original.Date,
		payload.Original.FM,
		payload.Original.UNP,
	} {
		if v != "" {
			parts = append(parts, string(v))
		}
	}
	data := strings.Join(parts, ",")
	if opData != "" {
		data = opData + "," + data
	}

	if err := s.send(cmdStorno, data, "storno open"); err != nil {
		return nil, err
	}
	if payload.Auto {
		// The printer reverses the original document on its own; there is
		// nothing left to send.
		return &Result{PayloadType: TypeStorno, CorrelationID: s.correlationID}, nil
	}

	for _, item := range payload.Items {
		itemData, err := s.bld.Sale(item.Item)
		if err != nil {
			return nil, err
		}
		if err := s.send(cmdSellItem, itemData, "storno item"); err != nil {
			return nil, err
		}
	}
	lastPayment, err := s.payAll(payload.Payments, "storno payment")
	if err != nil {
		return nil, err
	}
	if err := ensurePaymentCompleted(lastPayment, "storno payment", s.correlationID); err != nil {
		return nil, err
	}

	closeResp, err := s.sendWithResponse(cmdCloseFiscal, "", "storno close")
	if err != nil {
		return nil, err
	}
	logger.Info("close response",
		"printer_id", s.device.ID,
		"fields", closeResp.Fields,
		"status_hex", hex.EncodeToString(closeResp.Status),
		"correlation_id", s.correlationID,
	)
	s.diagnosticStatus()

	return s.receiptResult(TypeStorno, closeResp, payload.Items, payload.Payments), nil
}

func firstNonEmpty(values ...builder.FlexString) builder.FlexString {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// reportCommand resolves the report command byte from the payload, default
// daily report 0x45. Accepts hex with 0x or H suffix and decimal.
func reportCommand(payload ReportPayload) (int, error) {
	raw := string(firstNonEmpty(payload.Command, payload.Cmd))
	if raw == "" {
		return cmdReport, nil
	}
	text := strings.ToUpper(strings.TrimSpace(raw))
	known := map[string]int{
		"45H": cmdReport, "69": cmdReport, "0X45": cmdReport,
		"6CH": cmdReportPLU, "108": cmdReportPLU, "0X6C": cmdReportPLU,
		"75H": cmdReportDept, "117": cmdReportDept, "0X75": cmdReportDept,
		"76H": cmdReportDeptPLU, "118": cmdReportDeptPLU, "0X76": cmdReportDeptPLU,
	}
	if cmd, ok := known[text]; ok {
		return cmd, nil
	}
	if strings.HasPrefix(text, "0X") {
		v, err := strconv.ParseInt(text[2:], 16, 32)
		return int(v), err
	}
	if strings.HasSuffix(text, "H") {
		v, err := strconv.ParseInt(text[:len(text)-1], 16, 32)
		return int(v), err
	}
	if v, err := strconv.ParseInt(text, 16, 32); err == nil {
		return int(v), nil
	}
	v, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return 0, &ValidationError{Detail: "invalid report command: " + raw}
	}
	return int(v), nil
}

// reportErrorFlags are the status bits that mean the report was refused
// even though the command itself got a clean error code.
var reportErrorFlags = []string{
	"command_not_allowed", "syntax_error", "invalid_command_code",
	"no_paper", "cover_open", "fiscal_receipt_open",
	"service_receipt_open", "storno_receipt_open", "clock_not_set",
}

func (s *session) report(payload ReportPayload) (*Result, error) {
	data, err := s.bld.Report(payload.ReportRequest)
	if err != nil {
		return nil, err
	}
	cmd, err := reportCommand(payload)
	if err != nil {
		return nil, err
	}

	// Z reports take as long as the printer needs to flush the day.
	timeout := s.timeout
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	resp, err := s.exchange(cmd, data, "report", timeout, false)
	if err != nil {
		return nil, err
	}

	flags := datecs.DecodeStatus(resp.Status)
	refused := flags["general_error"]
	for _, flag := range reportErrorFlags {
		if flags[flag] {
			refused = true
			break
		}
	}
	if refused {
		lastError := formatLastError(s.readLastError())
		var parts []string
		for _, part := range []string{translateFlags(flags), lastError} {
			if part != "" {
				parts = append(parts, part)
			}
		}
		hintText := ""
		if len(parts) > 0 {
			hintText = " (" + strings.Join(parts, "; ") + ")"
		}
		return nil, &DeviceError{
			Context: "report",
			Message: "Z отчетът е отказан от принтера." + hintText,
		}
	}
	if len(resp.Fields) == 1 {
		code := strings.ToUpper(strings.TrimSpace(resp.Fields[0]))
		if code == "T" || code == "F" {
			return nil, &DeviceError{
				Context: "report",
				Message: "Грешка при Z отчет (код T): проверете дата/час, регистрация в НАП, SIM карта " +
					"или връзка към NRA.",
			}
		}
	}

	reportType := payload.Type
	if reportType == "" {
		reportType = "Z"
	}
	return &Result{
		PayloadType:   TypeReport,
		ReportType:    reportType,
		CorrelationID: s.correlationID,
	}, nil
}

func (s *session) cash(payload CashPayload) (*Result, error) {
	data, err := s.bld.Cash(payload.CashRequest)
	if err != nil {
		return nil, err
	}
	if err := s.send(cmdCash, data, "cash"); err != nil {
		return nil, err
	}
	return &Result{
		PayloadType:   TypeCash,
		CashType:      string(payload.Type),
		Amount:        string(payload.Amount),
		CorrelationID: s.correlationID,
	}, nil
}
