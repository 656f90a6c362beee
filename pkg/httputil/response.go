// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, redirects, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
)

// LoginPath is where browser flows land on failure
const LoginPath = "/login"

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 JSON response
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 JSON response
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteErrorMessage writes {"error": message} with the given status code
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// WriteAuthError maps err onto its taxonomy status and public message.
// Internal causes are logged and never written to the client.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	WriteAuthErrorWith(w, r, err, nil)
}

// WriteAuthErrorWith is WriteAuthError with extra body fields
func WriteAuthErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]interface{}) {
	logAuthError(r, err)

	body := map[string]interface{}{"error": autherr.PublicMessage(err)}
	for k, v := range extra {
		body[k] = v
	}
	WriteJSON(w, autherr.Status(err), body)
}

// RedirectError sends a browser to the login page with the error's code.
// The code never distinguishes causes inside a kind.
func RedirectError(w http.ResponseWriter, r *http.Request, err error) {
	logAuthError(r, err)
	http.Redirect(w, r, LoginPath+"?error="+url.QueryEscape(autherr.Code(err)), http.StatusFound)
}

// Redirect issues a 302 to location
func Redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusFound)
}

func logAuthError(r *http.Request, err error) {
	logger := observability.FromContext(r.Context()).
		WithError(err).
		WithFields(map[string]interface{}{
			"kind":   string(autherr.KindOf(err)),
			"method": r.Method,
			"path":   r.URL.Path,
		})
	if autherr.KindOf(err) == autherr.KindInternal {
		logger.Error("request failed")
		return
	}
	logger.Info("request rejected")
}
