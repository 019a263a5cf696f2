package datecspay

import (
	"fmt"
	"strings"
)

// BER-TLV tags used by the Borica application. Amounts travel as big-endian
// 32-bit values in minor units (stotinki).
const (
	TagAmount            = 0x81
	TagCashback          = 0x9F04
	TagTransDate         = 0x9A   // BCD YYMMDD
	TagTransTime         = 0x9F21 // BCD HHMMSS
	TagEMVStan           = 0x9F41
	TagTerminalID        = 0x9F1C
	TagMerchantID        = 0x9F16
	TagCardholderName    = 0x5F20
	TagCardScheme        = 0xDF00
	TagRRN               = 0xDF01
	TagAuthID            = 0xDF02
	TagReference         = 0xDF03
	TagTransactionResult = 0xDF05
	TagTransactionError  = 0xDF06
	TagHostRRN           = 0xDF07
	TagHostAuthID        = 0xDF08
	TagHostCode          = 0xDF09
	TagMaskedPAN         = 0xDF0A
	TagTransType         = 0xDF10
	TagPayInterface      = 0xDF25
	TagCurrencyName      = 0xDF27
	TagMerchantNameBG    = 0xDF31
	TagBatchNum          = 0xDF61
	TagTip               = 0xDF63
	TagMaxCashback       = 0xDF8004
	TagCashbackCurrency  = 0xDF8005
)

// ReceiptAll is the tag list requested after a completed transaction to fill
// in the customer receipt.
var ReceiptAll = []int{
	0x81, 0x9F04, 0x9A, 0x9F21, 0x9F06, 0x9F26, 0x9F1C, 0x9F16, 0x5F2A,
	0x9F41, 0x5F20, 0xDF00, 0xDF01, 0xDF02, 0xDF03, 0xDF04, 0xDF05, 0xDF06,
	0xDF07, 0xDF08, 0xDF09, 0xDF0A, 0xDF0B, 0xDF10, 0xDF12, 0xDF19, 0xDF23,
	0xDF25, 0xDF24, 0xDF26, 0xDF27, 0xDF28, 0xDF29, 0xDF2A, 0xDF2B, 0xDF2C,
	0xDF2D, 0xDF2E, 0xDF2F, 0xDF30, 0xDF31, 0xDF60, 0xDF61, 0xDF62, 0xDF63,
	0xDF64,
}

// EncodeTag writes a tag number in its minimal big-endian form.
func EncodeTag(tag int) []byte {
	switch {
	case tag > 0xFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFF:
		return []byte{byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag)}
	}
}

// EncodeTLV appends one tag-length-value item. Values longer than 255 bytes
// do not occur in this protocol.
func EncodeTLV(buf []byte, tag int, value []byte) []byte {
	buf = append(buf, EncodeTag(tag)...)
	buf = append(buf, byte(len(value)))
	return append(buf, value...)
}

// EncodeAmount renders an amount of minor units as a 4-byte TLV.
func EncodeAmount(tag int, minorUnits uint32) []byte {
	value := []byte{
		byte(minorUnits >> 24), byte(minorUnits >> 16),
		byte(minorUnits >> 8), byte(minorUnits),
	}
	return EncodeTLV(nil, tag, value)
}

// EncodeTagList renders a bare list of tag numbers with no length or value
// bytes, the format GET RECEIPT TAGS expects.
func EncodeTagList(tags []int) []byte {
	var buf []byte
	for _, tag := range tags {
		buf = append(buf, EncodeTag(tag)...)
	}
	return buf
}

// decodeTag reads one tag at offset and returns the tag number and the byte
// count consumed. Tag numbering in this protocol is positional rather than
// strict BER: a first byte below 0x80 is a 1-byte tag, 0xDF followed by a
// byte >= 0x80 is a 3-byte tag, everything else is 2 bytes.
func decodeTag(data []byte, offset int) (int, int) {
	b0 := data[offset]
	if b0 < 0x80 {
		return int(b0), 1
	}
	if b0 == 0xDF && offset+2 < len(data) && data[offset+1] >= 0x80 {
		return int(b0)<<16 | int(data[offset+1])<<8 | int(data[offset+2]), 3
	}
	if offset+1 < len(data) {
		return int(b0)<<8 | int(data[offset+1]), 2
	}
	return int(b0), 1
}

// DecodeTLV parses a TLV stream into a tag-to-value map. Truncated trailing
// items are dropped rather than reported; the card reader occasionally pads
// responses.
func DecodeTLV(data []byte) map[int][]byte {
	values := make(map[int][]byte)
	offset := 0
	for offset < len(data) {
		tag, tagLen := decodeTag(data, offset)
		offset += tagLen
		if offset >= len(data) {
			break
		}
		valueLen := int(data[offset])
		offset++
		if offset+valueLen > len(data) {
			break
		}
		values[tag] = data[offset : offset+valueLen]
		offset += valueLen
	}
	return values
}

// TLVInt interprets a value as a big-endian unsigned integer.
func TLVInt(values map[int][]byte, tag int) (uint32, bool) {
	raw, ok := values[tag]
	if !ok || len(raw) == 0 || len(raw) > 4 {
		return 0, false
	}
	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}
	return v, true
}

// TLVString interprets a value as text, replacing undecodable bytes and
// trimming NUL padding.
func TLVString(values map[int][]byte, tag int) string {
	raw, ok := values[tag]
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, b := range raw {
		if b == 0 {
			continue
		}
		if b < 0x20 || b > 0x7E {
			sb.WriteRune('�')
			continue
		}
		sb.WriteByte(b)
	}
	return strings.TrimRight(sb.String(), " ")
}

// TLVDate renders a BCD YYMMDD value as an ISO date string.
func TLVDate(values map[int][]byte, tag int) string {
	raw, ok := values[tag]
	if !ok || len(raw) != 3 {
		return ""
	}
	return fmt.Sprintf("20%02X-%02X-%02X", raw[0], raw[1], raw[2])
}

// TLVTime renders a BCD HHMMSS value as a clock string.
func TLVTime(values map[int][]byte, tag int) string {
	raw, ok := values[tag]
	if !ok || len(raw) != 3 {
		return ""
	}
	return fmt.Sprintf("%02X:%02X:%02X", raw[0], raw[1], raw[2])
}
