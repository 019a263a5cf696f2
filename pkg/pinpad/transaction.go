package pinpad

import (
	"errors"
	"fmt"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
)

// endOfDayTimeout covers batch settlement, which can take minutes when the
// host is slow.
const endOfDayTimeout = 300 * time.Second

// transactionLoop waits for the TRANSACTION COMPLETE event, servicing
// socket-proxy traffic and intermediate events along the way. Events the
// reader emitted ahead of an earlier command response sit in the pending
// buffer and are dispatched before the wire is read again. All proxy sockets
// are torn down on exit regardless of outcome.
func (s *session) transactionLoop(timeout time.Duration) (*TransactionResult, error) {
	defer s.proxy.closeAll()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Servicing one pending event can buffer more (the confirm
		// exchange may collect them), so re-check each round.
		for len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			if result := s.handleEvent(event); result != nil {
				return result, nil
			}
		}

		s.pollSockets()

		raw, err := datecspay.ReadPacket(s.tr, time.Second)
		if err != nil {
			var te *datecspay.TimeoutError
			if errors.As(err, &te) {
				continue
			}
			return nil, err
		}
		if !datecspay.IsEvent(raw) {
			// A stray response outside a command exchange carries no
			// information the loop can use.
			logger.Debug("stray pinpad response during transaction",
				"len", len(raw),
				"correlation_id", s.correlationID,
			)
			continue
		}

		event, err := datecspay.ParseEvent(raw)
		if err != nil {
			logger.Warn("malformed pinpad event",
				"error", err,
				"correlation_id", s.correlationID,
			)
			continue
		}
		if result := s.handleEvent(event); result != nil {
			return result, nil
		}
	}
	return nil, &datecspay.TimeoutError{After: timeout}
}

// handleEvent dispatches one reader event. A non-nil result means the
// transaction completed.
func (s *session) handleEvent(event *datecspay.Event) *TransactionResult {
	switch event.Type {
	case datecspay.EvtBorica:
		switch event.Subevent {
		case datecspay.EventTransactionComplete:
			return parseTransactionComplete(event.Data)
		case datecspay.EventIntermediateComplete:
			logger.Warn("intermediate transaction result",
				"correlation_id", s.correlationID,
			)
		case datecspay.EventPrintHangReceipt:
			logger.Warn("reader requests hang-receipt print",
				"correlation_id", s.correlationID,
			)
		default:
			logger.Info("borica event",
				"subevent", fmt.Sprintf("0x%02X", event.Subevent),
				"correlation_id", s.correlationID,
			)
		}
	case datecspay.EvtExtInternet:
		s.handleExtEvent(event)
	case datecspay.EvtEMV:
		logger.Debug("EMV event",
			"subevent", fmt.Sprintf("0x%02X", event.Subevent),
			"correlation_id", s.correlationID,
		)
	}
	return nil
}

// runTransaction starts a transaction and drives it to completion, then
// fetches the receipt tags and confirms with TRANSACTION END. Both follow-ups
// are best effort.
func (s *session) runTransaction(data []byte, context string, timeout time.Duration) (*TransactionResult, error) {
	resp, err := s.boricaExchange(datecspay.BorTransactionStart, data)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &datecspay.StatusError{Status: resp.Status, Context: context + " start failed"}
	}

	result, err := s.transactionLoop(timeout)
	if err != nil {
		return nil, err
	}

	if tags, err := s.receiptTags(); err != nil {
		logger.Warn("receipt tags unavailable",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
	} else {
		result.enrich(tags)
	}

	if err := s.transactionEnd(result.Approved); err != nil {
		logger.Warn("transaction end failed",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
	}

	logger.Info("pinpad transaction finished",
		"pinpad_id", s.device.ID,
		"context", context,
		"approved", result.Approved,
		"result", result.ResultText(),
		"amount", result.Amount,
		"rrn", result.RRN,
		"correlation_id", s.correlationID,
	)
	return result, nil
}

// PurchaseRequest describes one card purchase. Amounts are in minor units.
type PurchaseRequest struct {
	Amount    uint32
	Tip       uint32
	Cashback  uint32
	Reference string
}

// purchase picks the transaction type from the request shape: tip keeps the
// plain purchase type with a tip tag, cashback switches to the cashback type,
// a reference to the reference type.
func (s *session) purchase(req PurchaseRequest) (*TransactionResult, error) {
	var data []byte
	switch {
	case req.Tip > 0:
		data = append(data, datecspay.TransPurchase)
		data = append(data, datecspay.EncodeAmount(datecspay.TagAmount, req.Amount)...)
		data = append(data, datecspay.EncodeAmount(datecspay.TagTip, req.Tip)...)
	case req.Cashback > 0:
		data = append(data, datecspay.TransPurchaseCashback)
		data = append(data, datecspay.EncodeAmount(datecspay.TagAmount, req.Amount)...)
		data = append(data, datecspay.EncodeAmount(datecspay.TagCashback, req.Cashback)...)
	case req.Reference != "":
		data = append(data, datecspay.TransPurchaseReference)
		data = append(data, datecspay.EncodeAmount(datecspay.TagAmount, req.Amount)...)
		data = datecspay.EncodeTLV(data, datecspay.TagReference, []byte(req.Reference))
	default:
		data = append(data, datecspay.TransPurchase)
		data = append(data, datecspay.EncodeAmount(datecspay.TagAmount, req.Amount)...)
	}
	return s.runTransaction(data, "purchase", datecspay.TransactionTimeout)
}

// VoidRequest reverses a prior purchase by its RRN and authorization id.
type VoidRequest struct {
	Amount   uint32
	RRN      string
	AuthID   string
	Tip      uint32
	Cashback uint32
}

func (s *session) voidPurchase(req VoidRequest) (*TransactionResult, error) {
	data := []byte{datecspay.TransVoidPurchase}
	data = append(data, datecspay.EncodeAmount(datecspay.TagAmount, req.Amount)...)
	data = datecspay.EncodeTLV(data, datecspay.TagRRN, []byte(req.RRN))
	data = datecspay.EncodeTLV(data, datecspay.TagAuthID, []byte(req.AuthID))
	if req.Tip > 0 {
		data = append(data, datecspay.EncodeAmount(datecspay.TagTip, req.Tip)...)
	}
	if req.Cashback > 0 {
		data = append(data, datecspay.EncodeAmount(datecspay.TagCashback, req.Cashback)...)
	}
	return s.runTransaction(data, "void", datecspay.TransactionTimeout)
}

func (s *session) endOfDay() (*TransactionResult, error) {
	return s.runTransaction([]byte{datecspay.TransEndOfDay}, "end of day", endOfDayTimeout)
}

func (s *session) testConnection() (*TransactionResult, error) {
	return s.runTransaction([]byte{datecspay.TransTestConnection}, "test connection", datecspay.TransactionTimeout)
}

// clearHangTransaction checks for a transaction the reader considers stuck
// from a previous interrupted exchange and clears it with a connection test.
func (s *session) clearHangTransaction() {
	status, err := s.pinpadStatus()
	if err != nil {
		logger.Warn("pre-transaction status check failed",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return
	}
	if !status.HasHangTransaction {
		return
	}
	logger.Warn("clearing hung transaction before new one",
		"pinpad_id", s.device.ID,
		"correlation_id", s.correlationID,
	)
	if _, err := s.testConnection(); err != nil {
		logger.Error("hung transaction clear failed",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
	}
}
