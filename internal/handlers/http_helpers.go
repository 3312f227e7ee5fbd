package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// envelope is the response shape of every endpoint.
type envelope struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON encodes v as JSON with the provided status code and a JSON content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{OK: true, Message: message, Data: data})
}

// writeError writes a failed envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{OK: false, Message: msg})
}

// writeAppError maps a classified error to its status. Internal details are logged,
// never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[HTTP] error method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, apperr.PublicMessage(err))
}

// pathVar returns the mux path var value (or empty string if missing).
func pathVar(r *http.Request, key string) string {
	return strings.TrimSpace(mux.Vars(r)[key])
}

// decodeJSON decodes a JSON request body. Unknown fields are ignored.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// check runs struct validation and converts failures to a validation error naming
// the first offending field.
func check(v *validator.Validate, dst any) error {
	err := v.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Validation(fmt.Sprintf("%s failed %s", lowerFirst(fe.Field()), fe.Tag()))
	}
	return apperr.Validation("invalid request")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// queryInt parses a non-negative integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation(key + " must be a non-negative integer")
	}
	return n, nil
}
