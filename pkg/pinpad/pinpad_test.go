package pinpad

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
	"github.com/datecs-gw/fiscalgw/internal/transport"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
)

// reply frames a card-reader response packet.
func reply(status byte, data []byte) []byte {
	pkt := []byte{datecspay.StartByte, 0x00, status, byte(len(data) >> 8), byte(len(data))}
	pkt = append(pkt, data...)
	var csum byte
	for _, b := range pkt {
		csum ^= b
	}
	return append(pkt, csum)
}

// eventPacket frames an asynchronous event packet.
func eventPacket(evtType, subevent byte, data []byte) []byte {
	payload := append([]byte{subevent}, data...)
	pkt := []byte{datecspay.StartByte, evtType, 0x00, byte(len(payload) >> 8), byte(len(payload))}
	pkt = append(pkt, payload...)
	var csum byte
	for _, b := range pkt {
		csum ^= b
	}
	return append(pkt, csum)
}

// fakeReader scripts a card reader behind a loopback transport. Borica
// subcommands answer from the data map; a transaction start additionally
// queues the prepared completion event, and preStart bytes go on the wire
// ahead of the start response.
type fakeReader struct {
	data       map[byte][]byte
	statuses   map[byte]byte
	completion []byte
	preStart   []byte
	calls      []byte
}

func (f *fakeReader) respond(frame []byte) []byte {
	if len(frame) < 6 || frame[1] != datecspay.CmdBorica {
		return reply(datecspay.StatusNoError, nil)
	}
	subcmd := frame[5]
	f.calls = append(f.calls, subcmd)

	status := byte(datecspay.StatusNoError)
	if s, ok := f.statuses[subcmd]; ok {
		status = s
	}
	out := reply(status, f.data[subcmd])
	if subcmd == datecspay.BorTransactionStart {
		if f.preStart != nil {
			out = append(append([]byte{}, f.preStart...), out...)
		}
		if f.completion != nil {
			out = append(out, f.completion...)
		}
	}
	return out
}

func (f *fakeReader) count(subcmd byte) int {
	n := 0
	for _, c := range f.calls {
		if c == subcmd {
			n++
		}
	}
	return n
}

func testDevice(reader *fakeReader) (Device, *transport.Loopback) {
	loop := &transport.Loopback{Responder: reader.respond}
	return Device{
		ID:        "pp-1",
		Timeout:   500 * time.Millisecond,
		Transport: loop,
	}, loop
}

// idleStatus keeps the pre-transaction hang check quiet.
func idleStatus() map[byte][]byte {
	return map[byte][]byte{
		datecspay.BorGetPinpadStatus:    {0x20, 0x00},
		datecspay.BorGetCardReaderState: {1},
		datecspay.BorGetReportInfo:      {0x00, 0x00},
	}
}

func completionEvent(resultCode byte, amount uint32, stan uint16) []byte {
	var tlv []byte
	tlv = datecspay.EncodeTLV(tlv, datecspay.TagTransactionResult, []byte{resultCode})
	tlv = append(tlv, datecspay.EncodeAmount(datecspay.TagAmount, amount)...)
	tlv = datecspay.EncodeTLV(tlv, datecspay.TagEMVStan, []byte{byte(stan >> 8), byte(stan)})
	return eventPacket(datecspay.EvtBorica, datecspay.EventTransactionComplete, tlv)
}

func TestPurchaseApproved(t *testing.T) {
	var tags []byte
	tags = datecspay.EncodeTLV(tags, datecspay.TagHostRRN, []byte("000123456789"))
	tags = datecspay.EncodeTLV(tags, datecspay.TagHostAuthID, []byte("A1B2C3"))
	tags = datecspay.EncodeTLV(tags, datecspay.TagCardScheme, []byte("VISA"))
	tags = datecspay.EncodeTLV(tags, datecspay.TagMaskedPAN, []byte("4***1111"))

	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 1050, 0x0042),
	}
	reader.data[datecspay.BorGetReceiptTags] = tags
	device, loop := testDevice(reader)

	result, err := Execute(device, TypePurchase, json.RawMessage(`{"amount":"10.50"}`), false)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if result["approved"] != true {
		t.Fatalf("expected approval, got %v", result)
	}
	if got := result["amount_display"]; got != "10.50" {
		t.Errorf("amount_display = %v", got)
	}
	if got := result["rrn"]; got != "000123456789" {
		t.Errorf("rrn = %v", got)
	}
	if got := result["auth_id"]; got != "A1B2C3" {
		t.Errorf("auth_id = %v", got)
	}
	if got := result["card_scheme"]; got != "VISA" {
		t.Errorf("card_scheme = %v", got)
	}

	// Transaction start carries the plain purchase type and the amount TLV.
	var start []byte
	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			start = frame
			break
		}
	}
	if start == nil {
		t.Fatal("no transaction start frame written")
	}
	if start[6] != datecspay.TransPurchase {
		t.Errorf("transaction type = 0x%02X", start[6])
	}
	wantAmount := []byte{0x81, 0x04, 0x00, 0x00, 0x04, 0x1A}
	if string(start[7:13]) != string(wantAmount) {
		t.Errorf("amount TLV = % X", start[7:13])
	}

	if reader.count(datecspay.BorTransactionEnd) != 1 {
		t.Error("transaction end not confirmed")
	}
}

func TestPurchaseDeclined(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(1, 500, 0x0001),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, _ := testDevice(reader)

	result, err := Execute(device, TypePurchase, json.RawMessage(`{"amount":"5.00"}`), false)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if result["approved"] != false {
		t.Fatalf("expected decline, got %v", result)
	}
	if got := result["result_code"]; got != 1 {
		t.Errorf("result_code = %v", got)
	}
}

func TestPurchaseWithTip(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 1150, 0x0002),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, loop := testDevice(reader)

	if _, err := Execute(device, TypePurchase,
		json.RawMessage(`{"amount":"10.50","tip":"1.00"}`), false); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	var start []byte
	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			start = frame
			break
		}
	}
	if start == nil {
		t.Fatal("no transaction start frame written")
	}
	if start[6] != datecspay.TransPurchase {
		t.Errorf("transaction type = 0x%02X", start[6])
	}
	// Tip tag DF63 with 100 stotinki.
	wantTip := []byte{0xDF, 0x63, 0x04, 0x00, 0x00, 0x00, 0x64}
	found := false
	for i := 0; i+len(wantTip) <= len(start); i++ {
		if string(start[i:i+len(wantTip)]) == string(wantTip) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("tip TLV missing from start frame % X", start)
	}
}

func TestPurchaseCashbackSwitchesType(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 3000, 0x0003),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, loop := testDevice(reader)

	if _, err := Execute(device, TypePurchase,
		json.RawMessage(`{"amount":"20.00","cashback":"10.00"}`), false); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			if frame[6] != datecspay.TransPurchaseCashback {
				t.Errorf("transaction type = 0x%02X, want cashback", frame[6])
			}
			return
		}
	}
	t.Fatal("no transaction start frame written")
}

func TestHungTransactionClearedFirst(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 100, 0x0004),
	}
	reader.data[datecspay.BorGetPinpadStatus] = []byte{'C', 0x00}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, _ := testDevice(reader)

	if _, err := Execute(device, TypePurchase, json.RawMessage(`{"amount":"1.00"}`), false); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	// One start for the clearing connection test, one for the purchase.
	if got := reader.count(datecspay.BorTransactionStart); got != 2 {
		t.Errorf("transaction starts = %d, want 2", got)
	}
}

func TestVoidRequiresOriginalReference(t *testing.T) {
	device, loop := testDevice(&fakeReader{data: idleStatus()})

	_, err := Execute(device, TypeVoid, json.RawMessage(`{"amount":"10.00"}`), false)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, frame := range loop.Written() {
		if len(frame) > 5 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			t.Fatal("void without reference reached the reader")
		}
	}
}

func TestVoidCarriesRRNAndAuthID(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 1050, 0x0005),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, loop := testDevice(reader)

	if _, err := Execute(device, TypeVoid,
		json.RawMessage(`{"amount":"10.50","rrn":"000123456789","auth_id":"A1B2C3"}`), false); err != nil {
		t.Fatalf("void: %v", err)
	}

	var start []byte
	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			start = frame
			break
		}
	}
	if start == nil {
		t.Fatal("no transaction start frame written")
	}
	if start[6] != datecspay.TransVoidPurchase {
		t.Errorf("transaction type = 0x%02X", start[6])
	}
	values := datecspay.DecodeTLV(start[7 : len(start)-1])
	if got := datecspay.TLVString(values, datecspay.TagRRN); got != "000123456789" {
		t.Errorf("rrn TLV = %q", got)
	}
	if got := datecspay.TLVString(values, datecspay.TagAuthID); got != "A1B2C3" {
		t.Errorf("auth id TLV = %q", got)
	}
}

func TestEndOfDay(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 0, 0x0000),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, loop := testDevice(reader)

	result, err := Execute(device, TypeEndOfDay, nil, false)
	if err != nil {
		t.Fatalf("end of day: %v", err)
	}
	if result["approved"] != true {
		t.Errorf("expected approval, got %v", result)
	}
	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdBorica && frame[5] == datecspay.BorTransactionStart {
			if frame[6] != datecspay.TransEndOfDay {
				t.Errorf("transaction type = 0x%02X, want end of day", frame[6])
			}
			return
		}
	}
	t.Fatal("no transaction start frame written")
}

func TestInfoDecoding(t *testing.T) {
	data := make([]byte, 43)
	copy(data[0:], "BluePad-55          ")
	copy(data[20:], "SN12345   ")
	data[30], data[31], data[32], data[33] = 1, 2, 3, 4
	copy(data[34:], "T0012345")
	data[42] = 2

	reader := &fakeReader{data: map[byte][]byte{datecspay.BorGetPinpadInfo: data}}
	device, _ := testDevice(reader)

	info, err := ReadInfo(device)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Model != "BluePad-55" {
		t.Errorf("model = %q", info.Model)
	}
	if info.SerialNumber != "SN12345" {
		t.Errorf("serial = %q", info.SerialNumber)
	}
	if info.SoftwareVersion != "1.2.3.4" {
		t.Errorf("version = %q", info.SoftwareVersion)
	}
	if info.TerminalID != "T0012345" {
		t.Errorf("terminal = %q", info.TerminalID)
	}
	if info.MenuType != 2 {
		t.Errorf("menu type = %d", info.MenuType)
	}
}

func TestInfoTooShort(t *testing.T) {
	reader := &fakeReader{data: map[byte][]byte{datecspay.BorGetPinpadInfo: make([]byte, 10)}}
	device, _ := testDevice(reader)

	if _, err := ReadInfo(device); err == nil {
		t.Fatal("expected error for short info block")
	}
}

func TestStatusDecoding(t *testing.T) {
	reader := &fakeReader{data: map[byte][]byte{
		datecspay.BorGetPinpadStatus:    {'C', 0x01},
		datecspay.BorGetCardReaderState: {3},
		datecspay.BorGetReportInfo:      {0x01, 0x02},
	}}
	device, _ := testDevice(reader)

	status, err := ReadStatus(device)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.HasHangTransaction {
		t.Error("expected hang transaction flag")
	}
	if status.HasReversal {
		t.Error("unexpected reversal flag")
	}
	if !status.EndDayRequired {
		t.Error("expected end-day-required flag")
	}
	if status.ReaderState != "select_application" {
		t.Errorf("reader state = %q", status.ReaderState)
	}
	if status.ReportCount != 258 {
		t.Errorf("report count = %d", status.ReportCount)
	}
}

func TestPing(t *testing.T) {
	device, _ := testDevice(&fakeReader{})
	alive, err := Ping(device)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !alive {
		t.Error("expected alive")
	}
}

func TestDryRunSkipsWire(t *testing.T) {
	device, loop := testDevice(&fakeReader{})

	result, err := Execute(device, TypePurchase, json.RawMessage(`{"amount":"9.99"}`), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if result["dry_run"] != true {
		t.Errorf("result = %v", result)
	}
	if len(loop.Written()) != 0 {
		t.Errorf("dry run wrote %d frames", len(loop.Written()))
	}
}

func TestUnsupportedPayloadType(t *testing.T) {
	device, _ := testDevice(&fakeReader{})
	_, err := Execute(device, "pinpad_dance", nil, false)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAmountToCents(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		err  bool
	}{
		{"10.50", 1050, false},
		{"0.01", 1, false},
		{"10", 10, false},
		{"1050", 1050, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := amountToCents(builder.FlexString(tc.in))
			if tc.err {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("amountToCents(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("amountToCents(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestEventBeforeResponseIsBuffered(t *testing.T) {
	reader := &fakeReader{
		data:       idleStatus(),
		completion: completionEvent(0, 700, 0x0006),
		preStart:   eventPacket(datecspay.EvtExtInternet, datecspay.ExtSocketClose, []byte{9}),
	}
	reader.statuses = map[byte]byte{
		datecspay.BorGetReceiptTags: datecspay.StatusNoData,
	}
	device, loop := testDevice(reader)

	result, err := Execute(device, TypePurchase, json.RawMessage(`{"amount":"7.00"}`), false)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if result["approved"] != true {
		t.Fatalf("expected approval, got %v", result)
	}

	// The close event that arrived ahead of the start response was still
	// dispatched and confirmed.
	confirmed := false
	for _, frame := range loop.Written() {
		if len(frame) > 7 && frame[1] == datecspay.CmdExtInternet &&
			frame[5] == extCmdEventConfirm && frame[6] == datecspay.ExtSocketClose {
			confirmed = true
			break
		}
	}
	if !confirmed {
		t.Error("buffered socket-close event never confirmed")
	}
}

func TestResultDecodesInterfaceAndHostCode(t *testing.T) {
	var tags []byte
	tags = datecspay.EncodeTLV(tags, datecspay.TagPayInterface, []byte{0x00})
	tags = datecspay.EncodeTLV(tags, datecspay.TagHostCode, []byte{0x05})

	result := &TransactionResult{}
	result.enrich(datecspay.DecodeTLV(tags))
	if result.Interface != 0 {
		t.Errorf("interface = %d, want 0 (chip)", result.Interface)
	}
	if result.HostErrorCode != 5 {
		t.Errorf("host error code = %d, want 5", result.HostErrorCode)
	}

	m := result.resultMap("c-1")
	if m["interface"] != 0 {
		t.Errorf("interface in result map = %v (%T), want 0", m["interface"], m["interface"])
	}
	if m["host_error_code"] != 5 {
		t.Errorf("host_error_code in result map = %v, want 5", m["host_error_code"])
	}
}

func TestTransactionLoopTimeout(t *testing.T) {
	loop := &transport.Loopback{}
	loop.Open()
	s := newSession(Device{ID: "pp-1", Timeout: 100 * time.Millisecond, Transport: loop}, loop)

	_, err := s.transactionLoop(50 * time.Millisecond)
	var te *datecspay.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestSocketProxyRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		if string(buf[:n]) == "PING" {
			conn.Write([]byte("HOST-OK"))
		}
	}()

	loop := &transport.Loopback{Responder: func([]byte) []byte {
		return reply(datecspay.StatusNoError, nil)
	}}
	loop.Open()
	s := newSession(Device{ID: "pp-1", Timeout: 200 * time.Millisecond, Transport: loop}, loop)
	defer s.proxy.closeAll()

	port := ln.Addr().(*net.TCPAddr).Port
	openData := []byte{1, 1, 127, 0, 0, 1, byte(port >> 8), byte(port), 0, 5}
	s.handleExtEvent(&datecspay.Event{
		Type:     datecspay.EvtExtInternet,
		Subevent: datecspay.ExtSocketOpen,
		Data:     openData,
	})
	if _, ok := s.proxy.sockets[1]; !ok {
		t.Fatal("proxy socket not opened")
	}

	frames := loop.Written()
	confirm := frames[len(frames)-1]
	if confirm[1] != datecspay.CmdExtInternet || confirm[5] != extCmdEventConfirm {
		t.Fatalf("expected event confirm, got % X", confirm)
	}
	if confirm[6] != datecspay.ExtSocketOpen || confirm[7] != 0x00 {
		t.Errorf("open confirm payload = % X", confirm[6:9])
	}

	s.handleExtEvent(&datecspay.Event{
		Type:     datecspay.EvtExtInternet,
		Subevent: datecspay.ExtSendData,
		Data:     append([]byte{1}, []byte("PING")...),
	})

	var forwarded []byte
	for _, frame := range loop.Written() {
		if len(frame) > 6 && frame[1] == datecspay.CmdExtInternet && frame[5] == extCmdReceiveData {
			forwarded = frame
			break
		}
	}
	if forwarded == nil {
		t.Fatal("host reply not forwarded to reader")
	}
	// RECEIVE DATA carries the bare host bytes, no socket id.
	if got := string(forwarded[6 : len(forwarded)-1]); got != "HOST-OK" {
		t.Errorf("forwarded payload = %q", got)
	}

	s.handleExtEvent(&datecspay.Event{
		Type:     datecspay.EvtExtInternet,
		Subevent: datecspay.ExtSocketClose,
		Data:     []byte{1},
	})
	if _, ok := s.proxy.sockets[1]; ok {
		t.Error("proxy socket still open after close event")
	}
}
