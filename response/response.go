package response

import (
	"encoding/json"
	"net/http"
)

// WriteError writes e as JSON with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	if e.Messages == nil {
		e.Messages = []string{}
	}
	writeJSON(w, e.StatusCode, e)
}

// WriteResponse writes v as JSON with status 200
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	writeJSON(w, http.StatusOK, v)
}

// WriteStatus writes v as JSON with the given status
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
