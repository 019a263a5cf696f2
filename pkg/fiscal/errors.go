package fiscal

import (
	"fmt"
	"strings"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
)

// errorDetails names the device error codes seen in the field. Everything
// else surfaces as an unknown code with the raw number.
var errorDetails = map[int]string{
	-111018: "ERR_R_PAY_STARTED - Registration mode error: Payment is initiated.",
	-112001: "ERR_FP_SYNTAX_PARAM_1 - Invalid syntax of parameter 1.",
	-112101: "ERR_FP_SYNTAX_PARAM_1 - Invalid syntax of parameter 1.",
	-112107: "ERR_FP_SYNTAX_PARAM_7 - Invalid syntax of parameter 7.",
}

// translationsBG maps status flags to the operator-facing Bulgarian text.
var translationsBG = map[string]string{
	"no_paper":                    "Няма хартия в принтера",
	"low_paper":                   "Хартията в принтера свършва",
	"cover_open":                  "Капакът на принтера е отворен",
	"printing_unit_fault":         "Повреда в печатащото устройство",
	"general_error":               "Обща грешка на принтера",
	"fiscal_memory_full":          "Фискалната памет е пълна",
	"fiscal_memory_low":           "Фискалната памет е почти пълна",
	"fiscal_memory_store_error":   "Грешка при запис във фискална памет",
	"fiscal_memory_read_error":    "Грешка при четене от фискална памет",
	"clock_not_set":               "Часовникът не е настроен",
	"invalid_command_code":        "Невалиден код на команда",
	"syntax_error":                "Синтактична грешка",
	"command_not_allowed":         "Командата не е разрешена в текущия режим",
	"amount_overflow":             "Препълване на сума",
	"ram_reset":                   "RAM паметта е била изчистена",
	"low_battery":                 "Слаба батерия",
	"fiscal_receipt_open":         "Вече има отворен фискален бон",
	"service_receipt_open":        "Вече има отворен служебен бон",
	"storno_receipt_open":         "Вече има отворена сторно бележка",
	"tax_terminal_not_responding": "Данъчният терминал не отговаря",
	"ej_near_end":                 "КЛЕН приключва",
	"ej_end":                      "КЛЕН е пълен",
	"head_overheated":             "Печатащата глава е прегряла",
	"uic_missing":                 "ЕИК не е въведен",
	"unique_id_missing":           "Уникален номер не е въведен",
}

// DeviceError is a command the printer rejected, carrying the negative
// device code and the operation during which it happened. The message is
// operator-facing Bulgarian; Code and Context stay machine-readable.
type DeviceError struct {
	Code    int
	Context string
	Message string
}

func (e *DeviceError) Error() string { return e.Message }

// ValidationError reports a fiscal payload the gateway refused before
// touching the device.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// translateFlags renders the set status flags as Bulgarian text, in the
// fixed status-vector order.
func translateFlags(flags map[string]bool) string {
	var messages []string
	for _, flag := range datecs.FlagOrder {
		if flags[flag] {
			if text, ok := translationsBG[flag]; ok {
				messages = append(messages, text)
			}
		}
	}
	return strings.Join(messages, "; ")
}

// raiseOnError inspects a response for a device error code and, when found,
// builds the composite Bulgarian message with flag translations, a hint for
// the known codes and a suspected cause derived from the payload.
func raiseOnError(resp *datecs.Response, context, data, correlationID string) error {
	code, ok := resp.ErrorCode()
	if !ok {
		return nil
	}
	flags := datecs.DecodeStatus(resp.Status)
	description, known := errorDetails[code]
	if !known {
		description = "Unknown Datecs error."
	}

	var hint, suspect string
	switch {
	case code == -111018:
		hint = "Плащането е започнато, но не е приключено. Добави плащане за остатъка."
		if data != "" {
			suspect = "Плащането е по-малко от тотала и има остатък за плащане."
		}
	case code == -112001 || code == -112101:
		switch context {
		case "open receipt":
			hint = "Провери оператор (ID/парола/каса), HEADER>=2 реда, UIC/часовник," +
				" и дали вече няма отворен фискален бон."
			suspect = openReceiptSuspect(flags, data)
		case "report":
			hint = "Параметър 1 (option) трябва да е 0/2, по желание N, или ?/* според модела."
		default:
			hint = "Провери параметрите на командата и режима на принтера."
		}
	}

	logger.Error("printer rejected command",
		"context", context,
		"code", code,
		"description", description,
		"hint", hint,
		"suspect", suspect,
		"status_hex", fmt.Sprintf("%x", resp.Status),
		"fields", resp.Fields,
		"data", data,
		"correlation_id", correlationID,
	)

	var parts []string
	for _, part := range []string{translateFlags(flags), hint, suspect} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	hintText := ""
	if len(parts) > 0 {
		hintText = " (" + strings.Join(parts, "; ") + ")"
	}
	return &DeviceError{
		Code:    code,
		Context: context,
		Message: fmt.Sprintf("Грешка от принтера %d: %s%s", code, description, hintText),
	}
}

// openReceiptSuspect narrows a parameter-1 syntax error on open down to the
// usual culprits: state flags first, then the operator fields themselves.
func openReceiptSuspect(flags map[string]bool, data string) string {
	if flags["fiscal_receipt_open"] || flags["service_receipt_open"] {
		return "Има вече отворен фискален/сервизен бон."
	}
	if flags["clock_not_set"] {
		return "Часовникът не е настроен."
	}
	if flags["uic_missing"] {
		return "UIC не е зададен."
	}
	if flags["command_not_allowed"] {
		return "Командата не е позволена в текущия режим."
	}
	if flags["fiscal_memory_full"] || flags["ej_end"] {
		return "Фискалната памет/ЕЖ е пълна или блокирана."
	}

	normalized := strings.TrimSpace(data)
	if normalized == "" {
		return "Параметрите изглеждат валидни; вероятно операторът/паролата не са активни" +
			" или устройството очаква празни параметри."
	}
	if strings.HasPrefix(normalized, "48\t") {
		return "DATA започва с '48\\t' (cmd е в DATA вместо само параметрите)."
	}
	if !strings.Contains(normalized, "\t") {
		return "DATA няма TAB разделители (очаквано е OpNum<TAB>Password<TAB>Till)."
	}
	var parts []string
	for _, part := range strings.Split(normalized, "\t") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		opNum := parts[0]
		password, till := "", ""
		if len(parts) > 1 {
			password = parts[1]
		}
		if len(parts) > 2 {
			till = parts[2]
		}
		switch {
		case !isNumeric(opNum):
			return "OpNum не е число или има скрит символ."
		case !numericInRange(opNum, 1, 30):
			return "OpNum трябва да е между 1 и 30 (провери оператори)."
		case password != "" && (!isNumeric(password) || len(password) > 8):
			return "Паролата трябва да е 1-8 цифри според конфигурацията."
		case till != "" && (!isNumeric(till) || !numericInRange(till, 1, 1<<30)):
			return "Till (каса) трябва да е число >= 1."
		}
	}
	return "Параметрите изглеждат валидни; вероятно операторът/паролата не са активни" +
		" или устройството очаква празни параметри."
}

func isNumeric(s string) bool {
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

func numericInRange(s string, lo, hi int) bool {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return false
	}
	return v >= lo && v <= hi
}
