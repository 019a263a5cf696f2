package datecs

// statusBit addresses one flag in the response status vector.
type statusBit struct {
	Byte int
	Bit  uint
	Flag string
}

// statusTable is the fixed bit-to-flag mapping shared by both dialects. The
// byte dialect returns 6 bytes, so bits addressed beyond the vector length
// are simply absent from the decoded map.
var statusTable = []statusBit{
	{0, 6, "cover_open"},
	{0, 5, "general_error"},
	{0, 4, "printing_unit_fault"},
	{0, 3, "no_customer_display"},
	{0, 2, "clock_not_set"},
	{0, 1, "invalid_command_code"},
	{0, 0, "syntax_error"},

	{1, 6, "tax_terminal_not_responding"},
	{1, 5, "service_receipt_rotated_open"},
	{1, 4, "storno_receipt_open"},
	{1, 3, "low_battery"},
	{1, 2, "ram_reset"},
	{1, 1, "command_not_allowed"},
	{1, 0, "amount_overflow"},

	{2, 6, "ej_near_end"},
	{2, 5, "service_receipt_open"},
	{2, 4, "ej_near"},
	{2, 3, "fiscal_receipt_open"},
	{2, 2, "ej_end"},
	{2, 1, "low_paper"},
	{2, 0, "no_paper"},

	{4, 6, "head_overheated"},
	{4, 5, "fiscal_error_or"},
	{4, 4, "fiscal_memory_full"},
	{4, 3, "fiscal_memory_low"},
	{4, 0, "fiscal_memory_store_error"},

	{5, 5, "fiscal_memory_read_error"},
	{5, 4, "tax_rates_set"},
	{5, 3, "fiscal_mode"},
	{5, 2, "last_store_failed"},
	{5, 1, "fiscal_memory_formatted"},
	{5, 0, "fiscal_memory_readonly"},
}

// FlagOrder lists every flag name DecodeStatus can emit, in status-vector
// order. Callers that render flag lists use it to keep output stable.
var FlagOrder = flagOrder()

func flagOrder() []string {
	names := make([]string, 0, len(statusTable)+3)
	for _, sb := range statusTable {
		names = append(names, sb.Flag)
	}
	return append(names, "uic_missing", "uic_set", "unique_id_missing")
}

// DecodeStatus turns the raw status vector into a flag map. Only set flags
// appear in the result, except the byte-4 registration bits whose cleared
// state is itself meaningful (missing UIC, missing unique device number).
func DecodeStatus(status []byte) map[string]bool {
	flags := make(map[string]bool)
	if len(status) == 0 {
		return flags
	}

	for _, sb := range statusTable {
		if sb.Byte < len(status) && status[sb.Byte]&(1<<sb.Bit) != 0 {
			flags[sb.Flag] = true
		}
	}

	if len(status) > 4 {
		if status[4]&(1<<1) == 0 {
			flags["uic_missing"] = true
		} else {
			flags["uic_set"] = true
		}
		if status[4]&(1<<2) == 0 {
			flags["unique_id_missing"] = true
		}
	}

	return flags
}
