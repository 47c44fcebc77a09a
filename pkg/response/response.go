package response

import (
	"encoding/json"
	"net/http"
)

type APIResponse struct {
	Status  string      `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := APIResponse{
		Status: "success",
		Data:   data,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func Error(w http.ResponseWriter, status int, msg string) {
	ErrorWithReason(w, status, "", msg)
}

// ErrorWithReason writes an error envelope carrying a machine-readable reason.
func ErrorWithReason(w http.ResponseWriter, status int, reason, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := APIResponse{
		Status:  "error",
		Reason:  reason,
		Message: msg,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ErrorWithData is ErrorWithReason plus a payload the client needs to act on
// the failure.
func ErrorWithData(w http.ResponseWriter, status int, reason, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(APIResponse{
		Status:  "error",
		Reason:  reason,
		Message: msg,
		Data:    data,
	})
}
