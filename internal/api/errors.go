package api

import "net/http"

// BadRequest writes a 400 error response.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

// Unauthorized writes a 401 error response.
func Unauthorized(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, "Authentication required")
}

// NotFound writes a 404 error response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusNotFound, msg)
}

// Conflict writes a 409 error response.
func Conflict(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusConflict, msg)
}

// TooLarge writes a 413 error response.
func TooLarge(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusRequestEntityTooLarge, msg)
}

// UnprocessableEntity writes a 422 error response.
func UnprocessableEntity(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusUnprocessableEntity, msg)
}

// Locked writes a 423 error response.
func Locked(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusLocked, msg)
}

// InternalError writes a 500 error response.
func InternalError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, msg)
}

// Unavailable writes a 503 error response.
func Unavailable(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusServiceUnavailable, msg)
}
