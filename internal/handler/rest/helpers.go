package hrest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/usecase"
	"github.com/avu-1/CREDORA/pkg/response"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderReferenceNumber = "X-Reference-Number"

	retryAfterBusy    = 1
	retryAfterTimeout = 2
)

var statusByKind = map[xerrors.Kind]int{
	xerrors.KindValidation:        http.StatusBadRequest,
	xerrors.KindAuthorization:     http.StatusForbidden,
	xerrors.KindNotFound:          http.StatusNotFound,
	xerrors.KindInsufficientFunds: http.StatusUnprocessableEntity,
	xerrors.KindSelfTransfer:      http.StatusUnprocessableEntity,
	xerrors.KindBusy:              http.StatusConflict,
	xerrors.KindTimeout:           http.StatusServiceUnavailable,
	xerrors.KindLocked:            http.StatusTooManyRequests,
	xerrors.KindInternal:          http.StatusInternalServerError,
}

// writeError maps err onto the error envelope. Internal errors never leak
// their message.
func writeError(w http.ResponseWriter, err error) {
	kind := xerrors.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	var te *domain.TransferError
	if errors.As(err, &te) && te.ReferenceNumber != "" {
		w.Header().Set(HeaderReferenceNumber, te.ReferenceNumber)
	}
	switch kind {
	case xerrors.KindBusy:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterBusy))
	case xerrors.KindTimeout:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterTimeout))
	}

	msg := "internal server error"
	if kind != xerrors.KindInternal {
		msg = rootMessage(err)
	}
	response.ErrorWithReason(w, status, xerrors.Reason(err), msg)
}

// rootMessage strips the TransferError prefix so clients see the cause.
func rootMessage(err error) string {
	var te *domain.TransferError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.ErrInvalidRequest
	}
	return nil
}

func requestMeta(r *http.Request) usecase.RequestMeta {
	return usecase.RequestMeta{
		RequestID: middleware.GetReqID(r.Context()),
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, xerrors.ErrInvalidInput
	}
	return v, nil
}

func wantsFresh(r *http.Request) bool {
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	return fresh
}
