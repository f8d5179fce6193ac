package api

import (
	"encoding/json"
	"errors"

	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/pkg/matchdto"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return fasthttp.StatusBadRequest
	case apperr.KindAuth:
		return fasthttp.StatusUnauthorized
	case apperr.KindAuthorization:
		return fasthttp.StatusForbidden
	case apperr.KindNotFound:
		return fasthttp.StatusNotFound
	case apperr.KindConflict, apperr.KindInvalidTransition:
		return fasthttp.StatusConflict
	case apperr.KindMutation:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Client-facing text stays generic; detail is logged.
var publicMessages = map[apperr.Kind]string{
	apperr.KindValidation:    "invalid request",
	apperr.KindAuth:          "authentication required",
	apperr.KindAuthorization: "not allowed",
	apperr.KindNotFound:      "not found",
	apperr.KindConflict:      "conflict",
	apperr.KindMutation:      "temporarily unavailable, retry",
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	msg, ok := publicMessages[kind]
	if !ok {
		msg = "internal error"
	}
	body := matchdto.ErrorBody{
		Code:             string(kind),
		Message:          msg,
		Retryable:        apperr.IsRetryable(err),
		AlreadyProcessed: apperr.IsAlreadyProcessed(err),
	}
	if body.AlreadyProcessed {
		body.Message = "already processed"
	}

	fields := []zap.Field{zap.String("kind", string(kind)), zap.Int("status", status), zap.Error(err)}
	var ae *apperr.Error
	switch {
	case status >= 500:
		log.Error("http_error", fields...)
	case errors.As(err, &ae) && ae.Kind == apperr.KindAuthorization:
		log.Warn("http_error", fields...)
	default:
		log.Info("http_error", fields...)
	}
	writeJSON(ctx, status, body)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}
