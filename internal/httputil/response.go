// Package httputil holds the JSON plumbing shared by the HTTP surface and
// its Go client.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// MaxRequestBody bounds decoded request bodies.
const MaxRequestBody = 1 << 20

// ErrorResponse is the wire form of every failed request.
type ErrorResponse struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err onto its HTTP status and error envelope. Errors that
// are not a *ServiceError are reported as INTERNAL without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	resp := ErrorResponse{
		Code:    se.Code,
		Message: se.Message,
		Details: se.Details,
	}
	if r != nil {
		resp.TraceID = logger.TraceID(r.Context())
	}
	WriteJSON(w, apperrors.StatusFor(se), resp)
}

// DecodeJSON strictly decodes a request body into dst. Unknown fields,
// trailing data and oversized bodies are validation failures.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, MaxRequestBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.Validation(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return apperrors.Validation("request body is empty")
		default:
			return apperrors.Validation("malformed request body: " + err.Error())
		}
	}
	if dec.More() {
		return apperrors.Validation("request body must hold a single JSON object")
	}
	return nil
}

// ReadAllWithLimit reads up to limit bytes and reports whether more remained.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// ReadAllStrict reads the whole body, failing when it exceeds limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	body, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}
