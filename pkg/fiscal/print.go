package fiscal

import (
	"encoding/json"
	"strings"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
	"github.com/datecs-gw/fiscalgw/pkg/adapter"
)

// Print renders a non-fiscal document: open service receipt, one 0x2A text
// command per line chunk, close, optional paper cut. Lines wider than the
// printer's column count are wrapped, not truncated.
func Print(device Device, payloadType string, rawPayload json.RawMessage, dryRun bool) (*Result, error) {
	var payload adapter.PrintPayload
	if err := decodePayload(rawPayload, &payload); err != nil {
		return nil, err
	}
	lines, err := device.Profile.BuildLines(payloadType, payload)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}

	if dryRun {
		logger.Info("dry-run print job",
			"printer_id", device.ID,
			"payload_type", payloadType,
			"lines", lines,
		)
		return &Result{DryRun: true, PayloadType: payloadType}, nil
	}

	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	s := newSession(device, tr)
	width := device.LineWidth
	if width <= 0 {
		width = 42
	}

	if err := s.send(cmdOpenNonfiscal, "", "open non-fiscal receipt"); err != nil {
		return nil, err
	}
	for _, line := range lines {
		for _, chunk := range adapter.SplitLine(line, width) {
			if err := s.send(cmdPrintText, s.bld.NonfiscalText(chunk), "print text"); err != nil {
				return nil, err
			}
		}
	}
	closeResp, err := s.sendWithResponse(cmdCloseNonfiscal, "", "close non-fiscal receipt")
	if err != nil {
		return nil, err
	}

	var receiptNumber *string
	if s.opts.Dialect == datecs.DialectByte {
		if len(closeResp.Fields) > 0 {
			if v := strings.TrimSpace(closeResp.Fields[0]); v != "" {
				receiptNumber = &v
			}
		}
	} else if len(closeResp.Fields) >= 2 {
		if v := strings.TrimSpace(closeResp.Fields[1]); v != "" {
			receiptNumber = &v
		}
	}

	if device.CutAfter {
		if err := s.send(cmdPaperCut, "", "paper cut"); err != nil {
			return nil, err
		}
	}

	return &Result{
		ReceiptNumber: receiptNumber,
		PayloadType:   payloadType,
		CorrelationID: s.correlationID,
	}, nil
}
