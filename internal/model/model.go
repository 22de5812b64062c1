// Package model holds the domain types shared by the store, the sandbox and
// the engine: handler functions, events, identifiers and execution results.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// HandlerStatus is the lifecycle state of a handler function.
type HandlerStatus int

const (
	StatusEnabled  HandlerStatus = 1
	StatusDisabled HandlerStatus = 2
	// StatusBroken is set by the engine when a handler fails to load or
	// crosses the consecutive-failure threshold. Terminal until an operator
	// re-enables the handler.
	StatusBroken HandlerStatus = 3
)

func (s HandlerStatus) String() string {
	switch s {
	case StatusEnabled:
		return "enabled"
	case StatusDisabled:
		return "disabled"
	case StatusBroken:
		return "broken"
	}
	return "unknown"
}

// Handler is a user-supplied JavaScript function. Code is immutable for a
// given id: any change to the code produces a new row with a new id, keyed
// by the content hash.
type Handler struct {
	ID      int64
	OwnerID int32
	Hash    string
	Code    string
	Status  HandlerStatus
	Created time.Time
}

// NormalizeCode strips trailing whitespace from every line. Interior bytes
// are preserved so the hash stays stable across editors that trim on save
// but nothing else.
func NormalizeCode(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n")
}

// HashCode returns the content hash of the normalized code, hex-encoded.
// Uniqueness in the handler table is keyed on this value.
func HashCode(code string) string {
	sum := sha1.Sum([]byte(NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// RunResult is one execution outcome for a (handler, event) pair.
// Result is the JSON text of the returned array, nil when the handler
// returned nullish or failed. Error is non-nil iff the invocation failed.
type RunResult struct {
	HandlerID int64
	EventID   int64
	Result    *string
	Error     *string
	Stdout    string
	Stderr    string
}

// ResultRow is a persisted execution result read back from the store.
type ResultRow struct {
	ResultID  int64
	HandlerID int64
	EventID   int64
	Result    *string
	Error     *string
	Stdout    string
	Stderr    string
	Created   time.Time
}
