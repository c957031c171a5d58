// Package httputil holds the JSON response helpers shared by API handlers.
// Handlers write through these instead of touching http.ResponseWriter.
package httputil
