package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
	"github.com/datecs-gw/fiscalgw/internal/transport"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
	"github.com/datecs-gw/fiscalgw/pkg/pinpad"
	"github.com/datecs-gw/fiscalgw/pkg/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}

// errorBody is the uniform error shape: {"detail": "..."}.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeError maps domain errors onto HTTP statuses: payload problems are the
// caller's fault, device and transport failures are upstream, protocol
// deadlines are gateway timeouts.
func writeError(w http.ResponseWriter, err error) {
	var (
		fiscalValidation *fiscal.ValidationError
		pinpadValidation *pinpad.ValidationError
		dataValidation   *builder.ValidationError
		deviceErr        *fiscal.DeviceError
		statusErr        *datecspay.StatusError
		openErr          *transport.OpenError
		datecsTimeout    *datecs.TimeoutError
		pinpadTimeout    *datecspay.TimeoutError
		jobTimeout       *queue.TimeoutError
	)
	switch {
	case errors.As(err, &fiscalValidation),
		errors.As(err, &pinpadValidation),
		errors.As(err, &dataValidation):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrPrinterNotFound),
		errors.Is(err, models.ErrJobNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrDuplicatePrinter),
		errors.Is(err, models.ErrJobNotCancellable),
		errors.Is(err, models.ErrJobNotRetryable),
		errors.Is(err, models.ErrJobNotQueued):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.As(err, &datecsTimeout),
		errors.As(err, &pinpadTimeout),
		errors.As(err, &jobTimeout):
		writeDetail(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &deviceErr),
		errors.As(err, &statusErr),
		errors.As(err, &openErr):
		writeDetail(w, http.StatusBadGateway, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody unmarshals a JSON request body, reporting malformed input as a
// 400 via the returned flag.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
