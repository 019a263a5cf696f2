package datecs

import (
	"bytes"
	"testing"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/transport"
)

// buildReply assembles a device response frame the way the printer does.
func buildReply(t *testing.T, cmd int, seq byte, data []byte, status []byte, dialect Dialect) []byte {
	t.Helper()

	var body []byte
	if dialect == DialectByte {
		lengthTotal := 5 + len(status) + len(data)
		body = append(body, byte(0x20+lengthTotal), seq, byte(cmd))
	} else {
		lengthTotal := 11 + len(status) + len(data)
		body = append(body, encodeNibbles(0x20+lengthTotal)...)
		body = append(body, seq)
		body = append(body, encodeNibbles(cmd)...)
	}
	body = append(body, data...)
	body = append(body, SEP)
	body = append(body, status...)
	body = append(body, PST)

	frame := []byte{PRE}
	frame = append(frame, body...)
	frame = append(frame, encodeNibbles(checksum(body))...)
	frame = append(frame, EOT)
	return frame
}

func TestBuildRequestHexLayout(t *testing.T) {
	frame := BuildRequest(0x4A, []byte("0"), 0x20, DialectHex)

	if frame[0] != PRE {
		t.Errorf("preamble = 0x%02X", frame[0])
	}
	// Length 0x20 + 10 + 1 = 0x2B encoded as '0','0','2',';'.
	wantLen := encodeNibbles(0x2B)
	if !bytes.Equal(frame[1:5], wantLen) {
		t.Errorf("length bytes = %v, want %v", frame[1:5], wantLen)
	}
	if frame[5] != 0x20 {
		t.Errorf("seq = 0x%02X", frame[5])
	}
	if !bytes.Equal(frame[6:10], encodeNibbles(0x4A)) {
		t.Errorf("cmd bytes = %v", frame[6:10])
	}
	if frame[10] != '0' {
		t.Errorf("data byte = 0x%02X", frame[10])
	}
	if frame[11] != PST {
		t.Errorf("post-data byte = 0x%02X", frame[11])
	}
	if frame[len(frame)-1] != EOT {
		t.Errorf("terminator = 0x%02X", frame[len(frame)-1])
	}

	body := frame[1 : len(frame)-5]
	bcc, err := decodeNibbles(frame[len(frame)-5 : len(frame)-1])
	if err != nil {
		t.Fatalf("decode BCC: %v", err)
	}
	if bcc != checksum(body) {
		t.Errorf("BCC = 0x%04X, want 0x%04X", bcc, checksum(body))
	}
}

func TestBuildRequestByteLayout(t *testing.T) {
	frame := BuildRequest(0x31, []byte("Bread\tA1.00"), 0x21, DialectByte)

	if frame[1] != byte(0x20+4+11) {
		t.Errorf("length byte = 0x%02X", frame[1])
	}
	if frame[2] != 0x21 || frame[3] != 0x31 {
		t.Errorf("seq/cmd = 0x%02X 0x%02X", frame[2], frame[3])
	}
}

func TestParseResponseRoundTrip(t *testing.T) {
	for _, dialect := range []Dialect{DialectHex, DialectByte} {
		t.Run(string(dialect), func(t *testing.T) {
			status := bytes.Repeat([]byte{0x80}, dialect.StatusLength())
			reply := buildReply(t, 0x4A, 0x25, []byte("0\t123"), status, dialect)

			resp, err := ParseResponse(reply, Options{Dialect: dialect})
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if resp.Cmd != 0x4A {
				t.Errorf("cmd = 0x%02X", resp.Cmd)
			}
			if resp.Seq != 0x25 {
				t.Errorf("seq = 0x%02X", resp.Seq)
			}
			if !bytes.Equal(resp.Data, []byte("0\t123")) {
				t.Errorf("data = %q", resp.Data)
			}
			if len(resp.Fields) != 2 || resp.Fields[0] != "0" || resp.Fields[1] != "123" {
				t.Errorf("fields = %v", resp.Fields)
			}
			if !bytes.Equal(resp.Status, status) {
				t.Errorf("status = %v", resp.Status)
			}
		})
	}
}

func TestParseResponseRejectsRequestFrame(t *testing.T) {
	frame := BuildRequest(0x4A, []byte("0"), 0x20, DialectHex)
	if _, err := ParseResponse(frame, Options{Dialect: DialectHex}); err == nil {
		t.Fatal("expected a request frame to be rejected as a response")
	}
}

func TestParseResponseRejectsAnyMutation(t *testing.T) {
	reply := buildReply(t, 0x38, 0x30, []byte("3\t42"), make([]byte, 8), DialectHex)

	for i := range reply {
		mutated := make([]byte, len(reply))
		copy(mutated, reply)
		mutated[i] ^= 0x08

		if _, err := ParseResponse(mutated, Options{Dialect: DialectHex}); err == nil {
			t.Errorf("mutation at byte %d was accepted", i)
		}
	}
}

func TestParseResponseCyrillicFields(t *testing.T) {
	// "Хляб" in Windows-1251.
	raw := []byte{0xD5, 0xEB, 0xFF, 0xE1}
	reply := buildReply(t, 0x4A, 0x20, raw, make([]byte, 8), DialectHex)

	resp, err := ParseResponse(reply, Options{Dialect: DialectHex})
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Fields) != 1 || resp.Fields[0] != "Хляб" {
		t.Errorf("fields = %v", resp.Fields)
	}
}

func TestResponseErrorCode(t *testing.T) {
	tests := []struct {
		fields   []string
		wantCode int
		wantOK   bool
	}{
		{[]string{"-111018", "0"}, -111018, true},
		{[]string{"-112001"}, -112001, true},
		{[]string{"0", "42"}, 0, false},
		{[]string{"123"}, 0, false},
		{[]string{"F"}, 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		r := &Response{Fields: tt.fields}
		code, ok := r.ErrorCode()
		if code != tt.wantCode || ok != tt.wantOK {
			t.Errorf("ErrorCode(%v) = %d, %v; want %d, %v", tt.fields, code, ok, tt.wantCode, tt.wantOK)
		}
	}
}

func TestReadResponseNAK(t *testing.T) {
	lb := &transport.Loopback{}
	lb.Open()
	lb.Inject([]byte{NAK})

	_, err := ReadResponse(lb, 100*time.Millisecond, Options{Dialect: DialectHex})
	if _, ok := err.(*FramingError); !ok {
		t.Fatalf("expected FramingError on NAK, got %v", err)
	}
}

func TestReadResponseSkipsNoiseAndSYN(t *testing.T) {
	reply := buildReply(t, 0x4A, 0x20, []byte("0"), make([]byte, 8), DialectHex)

	lb := &transport.Loopback{}
	lb.Open()
	lb.Inject([]byte{SYN, 0x00, 0x7F})
	lb.Inject(reply)

	resp, err := ReadResponse(lb, time.Second, Options{Dialect: DialectHex})
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Cmd != 0x4A {
		t.Errorf("cmd = 0x%02X", resp.Cmd)
	}
}

func TestReadResponseTimeout(t *testing.T) {
	lb := &transport.Loopback{}
	lb.Open()

	_, err := ReadResponse(lb, 30*time.Millisecond, Options{Dialect: DialectHex})
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestSendCommandRetriesSameSeq(t *testing.T) {
	attempts := 0
	lb := &transport.Loopback{}
	lb.Responder = func(frame []byte) []byte {
		attempts++
		reply := buildReply(t, 0x4A, frame[5], []byte("0"), make([]byte, 8), DialectHex)
		if attempts == 1 {
			// Corrupt a data byte; the checksum no longer matches.
			reply[10] ^= 0xFF
		}
		return reply
	}
	lb.Open()

	resp, err := SendCommand(lb, 0x4A, []byte("0"), 0x2A, time.Second, Options{Dialect: DialectHex})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if resp.Seq != 0x2A {
		t.Errorf("seq = 0x%02X, want the original 0x2A reused", resp.Seq)
	}
	written := lb.Written()
	if len(written) != 2 || written[0][5] != written[1][5] {
		t.Errorf("retransmission did not reuse the sequence byte")
	}
}

func TestSendCommandExhaustsRetries(t *testing.T) {
	lb := &transport.Loopback{}
	lb.Responder = func(frame []byte) []byte { return []byte{NAK} }
	lb.Open()

	_, err := SendCommand(lb, 0x4A, nil, 0x20, 50*time.Millisecond, Options{Dialect: DialectHex})
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if got := len(lb.Written()); got != 3 {
		t.Errorf("writes = %d, want 3 (original + 2 retries)", got)
	}
}

func TestNextSeq(t *testing.T) {
	tests := []struct {
		in, want byte
	}{
		{0x20, 0x21},
		{0x50, 0x51},
		{0xFD, 0xFE},
		{0xFE, 0x20},
		{0xFF, 0x20},
		{0x00, 0x20},
		{0x1F, 0x20},
	}
	for _, tt := range tests {
		if got := NextSeq(tt.in); got != tt.want {
			t.Errorf("NextSeq(0x%02X) = 0x%02X, want 0x%02X", tt.in, got, tt.want)
		}
	}
}

func TestSeqPeriod(t *testing.T) {
	// The k-th send uses 0x20 + ((k-1) mod 223) and 0xFF never appears.
	seq := SeqMin
	for k := 1; k <= 500; k++ {
		want := byte(0x20 + (k-1)%223)
		if seq != want {
			t.Fatalf("send %d: seq = 0x%02X, want 0x%02X", k, seq, want)
		}
		if seq == 0xFF {
			t.Fatal("sequence emitted 0xFF")
		}
		seq = NextSeq(seq)
	}
}
