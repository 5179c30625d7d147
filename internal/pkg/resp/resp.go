/*
Package resp writes the JSON envelope every roomcast HTTP endpoint answers with.

Replay, snapshot, typing, presence, membership and file endpoints all reply
{code, message, data}; code 0 is success and any other value is an errs code.
*/
package resp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// JSONResponse is the envelope around every API reply.
type JSONResponse struct {
	// Code is 0 on success, otherwise an errs code such as ErrGapTooLarge.
	Code int `json:"code"`

	Message string `json:"message"`

	// Data carries the endpoint's body, e.g. a replay batch or a room snapshot.
	Data any `json:"data,omitempty"`

	// RequestID echoes the request id on failures so clients can quote it.
	RequestID string `json:"request_id,omitempty"`
}

// RespondJSON writes payload with the given status.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	response, err := json.Marshal(payload)
	if err != nil {
		logx.Error(
			err,
			"Error encoding JSON response",
			"http_status", httpStatus,
			"path", r.URL.Path,
		)

		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(httpStatus)
	_, _ = w.Write(response)
}

// RespondSuccess replies 200 with data.
func RespondSuccess(w http.ResponseWriter, r *http.Request, data any) {
	res := JSONResponse{
		Code:    0,
		Message: "success",
		Data:    data,
	}
	RespondJSON(w, r, http.StatusOK, res)
}

// RespondError replies with the HTTP status mapped to customErr's code. A nil
// error is reported as ErrUnknown.
func RespondError(w http.ResponseWriter, r *http.Request, customErr *errs.CustomError) {
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	res := JSONResponse{
		Code:      customErr.Code,
		Message:   customErr.Message,
		RequestID: middleware.GetReqID(r.Context()),
	}
	RespondJSON(w, r, customErr.Status, res)
}
