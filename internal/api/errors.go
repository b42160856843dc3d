package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/store"
)

// Error kinds carried in ErrorResponse.Error.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindIllegalTransition = "illegal_transition"
	KindInternal          = "internal"
)

// ErrorResponse is the body of every non-2xx response. The optional
// fields carry enough detail to rebuild the typed store error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	ID      string `json:"id,omitempty"`
	Owner   string `json:"owner,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// toResponse maps an error to its status code and body.
func toResponse(err error) (int, ErrorResponse) {
	var (
		ve *store.ValidationError
		nf *store.NotFoundError
		ce *store.ConflictError
		it *store.IllegalTransitionError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{Error: KindValidation, Message: ve.Error(), Field: ve.Field}
	case errors.As(err, &nf):
		return http.StatusNotFound, ErrorResponse{Error: KindNotFound, Message: nf.Error(), ID: nf.ID}
	case errors.As(err, &ce):
		return http.StatusConflict, ErrorResponse{Error: KindConflict, Message: ce.Error(), ID: ce.ID, Owner: ce.Owner}
	case errors.As(err, &it):
		return http.StatusConflict, ErrorResponse{
			Error:   KindIllegalTransition,
			Message: it.Error(),
			From:    string(it.From),
			To:      string(it.To),
		}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		kind := strings.ReplaceAll(strings.ToLower(http.StatusText(he.Code)), " ", "_")
		if he.Code == http.StatusBadRequest {
			kind = KindValidation
		}
		return he.Code, ErrorResponse{Error: kind, Message: msg}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: KindInternal, Message: "internal server error"}
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, body := toResponse(err)
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			logger.Warn("write error response", zap.Error(err))
		}
	}
}
