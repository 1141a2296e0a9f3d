/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Failure kinds crossing component boundaries. Everything a transport or
// library can throw is converted to one of these at the boundary where it
// occurs; handlers only ever branch on these.
var (
	errSessionNotFound = errors.New("no active session found")
)

// resolutionError wraps any failure of the outbound identity lookup:
// timeouts, non-2xx responses, and malformed bodies all look the same
// to callers.
type resolutionError struct {
	fid uint64
	err error
}

func (e *resolutionError) Error() string {
	return fmt.Sprintf("resolving fid %d: %v", e.fid, e.err)
}

func (e *resolutionError) Unwrap() error {
	return e.err
}

// persistenceError marks a failed durable write or read. The in-memory
// store remains authoritative, so these are logged and otherwise ignored.
type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.op, e.err)
}

func (e *persistenceError) Unwrap() error {
	return e.err
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
