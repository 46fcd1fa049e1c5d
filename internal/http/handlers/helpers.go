package handlers

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"abengine/internal/experiment"
)

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, experiment.ErrInvalidConfiguration), errors.Is(err, experiment.ErrInvalidEvent),
		errors.Is(err, experiment.ErrInvalidSubject):
		return fasthttp.StatusBadRequest
	// Checked before ErrNotFound: assigning into an unknown experiment wraps both.
	case errors.Is(err, experiment.ErrExperimentNotActive):
		return fasthttp.StatusConflict
	case errors.Is(err, experiment.ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, experiment.ErrInvalidState):
		return fasthttp.StatusConflict
	case errors.Is(err, experiment.ErrInvalidAssignment):
		return fasthttp.StatusUnprocessableEntity
	}
	return fasthttp.StatusInternalServerError
}

// writeError answers with the mapped status. Client errors carry the message;
// internal errors are not echoed.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	code := errorStatus(err)
	if code == fasthttp.StatusInternalServerError {
		ctx.SetUserValue(errorKey, err)
		errResponse(ctx, code, "internal error")
		return
	}
	errResponse(ctx, code, err.Error())
}

// errorKey carries an internal error to the request logger.
const errorKey = "handlerError"

func decodeBody(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	s, _ := ctx.UserValue(name).(string)
	return s
}
