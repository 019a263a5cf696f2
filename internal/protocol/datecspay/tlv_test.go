package datecspay

import (
	"bytes"
	"testing"
)

func TestEncodeTag(t *testing.T) {
	tests := []struct {
		tag  int
		want []byte
	}{
		{TagAmount, []byte{0x81}},
		{TagCashback, []byte{0x9F, 0x04}},
		{TagRRN, []byte{0xDF, 0x01}},
		{TagMaxCashback, []byte{0xDF, 0x80, 0x04}},
	}
	for _, tt := range tests {
		if got := EncodeTag(tt.tag); !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeTag(0x%X) = % 02X, want % 02X", tt.tag, got, tt.want)
		}
	}
}

func TestEncodeAmount(t *testing.T) {
	got := EncodeAmount(TagAmount, 1050) // 10.50
	want := []byte{0x81, 0x04, 0x00, 0x00, 0x04, 0x1A}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAmount = % 02X, want % 02X", got, want)
	}
}

func TestDecodeTLVMixedTagWidths(t *testing.T) {
	var stream []byte
	stream = EncodeTLV(stream, TagAmount, []byte{0x00, 0x00, 0x04, 0x1A})
	stream = EncodeTLV(stream, TagEMVStan, []byte{0x00, 0x2A})
	stream = EncodeTLV(stream, TagRRN, []byte("123456789012"))
	stream = EncodeTLV(stream, TagMaxCashback, []byte{0x01})

	values := DecodeTLV(stream)
	if len(values) != 4 {
		t.Fatalf("decoded %d tags, want 4: %v", len(values), values)
	}

	if amount, ok := TLVInt(values, TagAmount); !ok || amount != 1050 {
		t.Errorf("amount = %d, %v", amount, ok)
	}
	if stan, ok := TLVInt(values, TagEMVStan); !ok || stan != 42 {
		t.Errorf("stan = %d, %v", stan, ok)
	}
	if rrn := TLVString(values, TagRRN); rrn != "123456789012" {
		t.Errorf("rrn = %q", rrn)
	}
	if _, ok := values[TagMaxCashback]; !ok {
		t.Error("3-byte tag missing from decode")
	}
}

func TestDecodeTLVTruncated(t *testing.T) {
	stream := EncodeTLV(nil, TagRRN, []byte("1234"))
	stream = append(stream, 0xDF, 0x05, 0x04, 0x00) // claims 4 bytes, has 1

	values := DecodeTLV(stream)
	if len(values) != 1 {
		t.Errorf("decoded %d tags, want 1", len(values))
	}
	if TLVString(values, TagRRN) != "1234" {
		t.Errorf("rrn lost: %v", values)
	}
}

func TestTLVStringCleanup(t *testing.T) {
	values := map[int][]byte{
		TagCardholderName: []byte("DOE/JOHN    \x00\x00"),
		TagCardScheme:     {0x56, 0x49, 0x53, 0x41, 0xFF},
	}
	if got := TLVString(values, TagCardholderName); got != "DOE/JOHN" {
		t.Errorf("name = %q", got)
	}
	if got := TLVString(values, TagCardScheme); got != "VISA�" {
		t.Errorf("scheme = %q", got)
	}
}

func TestTLVDateTime(t *testing.T) {
	values := map[int][]byte{
		TagTransDate: {0x26, 0x08, 0x24},
		TagTransTime: {0x14, 0x30, 0x05},
	}
	if got := TLVDate(values, TagTransDate); got != "2026-08-24" {
		t.Errorf("date = %q", got)
	}
	if got := TLVTime(values, TagTransTime); got != "14:30:05" {
		t.Errorf("time = %q", got)
	}
}

func TestEncodeTagList(t *testing.T) {
	got := EncodeTagList([]int{TagAmount, TagRRN, TagMaxCashback})
	want := []byte{0x81, 0xDF, 0x01, 0xDF, 0x80, 0x04}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTagList = % 02X, want % 02X", got, want)
	}
}
