package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/billbatista/acasinha-purchases/catalog"
	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/user"
)

var errNotPayer = errors.New("only the payer can change this purchase")

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeError maps domain errors to responses; anything unknown is logged and
// answered with 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		JSONError(w, http.StatusBadRequest, "VALIDATION", verr.Error(), []fieldError{{Field: verr.Field, Message: verr.Message}})
	case errors.Is(err, ledger.ErrInvalidArgument):
		JSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		JSONError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, errNotPayer):
		JSONError(w, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, user.ErrEmailExists):
		JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, user.ErrInvalidEmail), errors.Is(err, user.ErrBlankPassword):
		JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
	case errors.Is(err, user.ErrInvalidCredentials):
		JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it, answering 400 itself
// when either fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.writeError(w, r, err)
			return false
		}
		details := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldError{Field: fe.Field(), Message: "failed on " + fe.Tag()})
		}
		JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid request", details)
		return false
	}
	return true
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ledger.ValidationError{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}
