// Copyright 2025 Takhin Data, Inc.

// Package status implements the single error enum that flows through every
// layer of the storage engine, from the L0 store up through the replication
// RPC surface.
package status

import "fmt"

// Code identifies the kind of a Status, grouped by origin exactly as the
// specification's error handling design groups them: store kinds, logical
// kinds, and replication kinds.
type Code int

const (
	OK Code = iota

	// Store kinds.
	RSNotFound
	RSCorruption
	RSNotSupported
	RSInvalidArgument
	RSIOError
	RSMergeInProgress
	RSInComplete
	RSShutdownInProgress
	RSTimedOut
	RSAborted
	RSBusy
	RSExpired
	RSTryAgain
	RSCompactionTooLarge
	RSError

	// Logical kinds.
	RSWriteInFollower
	RSKeyExists
	RSKeyExpire
	RSEmpty

	// Replication kinds.
	RPRoleError
	RPSourceDBRemoved
	RPSourceWALLogRemoved
	RPSourceReadError
)

var codeNames = map[Code]string{
	OK:                    "OK",
	RSNotFound:            "RS_NOT_FOUND",
	RSCorruption:          "RS_CORRUPTION",
	RSNotSupported:        "RS_NOT_SUPPORTED",
	RSInvalidArgument:     "RS_INVALID_ARGUMENT",
	RSIOError:             "RS_IO_ERROR",
	RSMergeInProgress:     "RS_MERGE_INPROGRESS",
	RSInComplete:          "RS_IN_COMPLETE",
	RSShutdownInProgress:  "RS_SHUTDOWN_INPROGRESS",
	RSTimedOut:            "RS_TIMEDOUT",
	RSAborted:             "RS_ABORTED",
	RSBusy:                "RS_BUSY",
	RSExpired:             "RS_EXPIRED",
	RSTryAgain:            "RS_TRYAGAIN",
	RSCompactionTooLarge:  "RS_COMPACTION_TOO_LARGE",
	RSError:               "RS_ERROR",
	RSWriteInFollower:     "RS_WRITE_IN_FOLLOWER",
	RSKeyExists:           "RS_KEY_EXISTS",
	RSKeyExpire:           "RS_KEY_EXPIRE",
	RSEmpty:               "RS_EMPTY",
	RPRoleError:           "RP_ROLE_ERROR",
	RPSourceDBRemoved:     "RP_SOURCE_DB_REMOVED",
	RPSourceWALLogRemoved: "RP_SOURCE_WAL_LOG_REMOVED",
	RPSourceReadError:     "RP_SOURCE_READ_ERROR",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the concrete error type carried by every fallible operation in
// the engine and replication layers. It satisfies the standard error
// interface so it composes with errors.Is/errors.As, while still exposing
// the Code for callers that branch on kind (e.g. the follower replication
// loop mapping RP_SOURCE_WAL_LOG_REMOVED to a base-replication trigger).
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New constructs a Status error of the given kind.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error carrying the given code. Intended to
// be used the way callers check sentinel errors: status.Is(err, status.RSNotFound).
func Is(err error, code Code) bool {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return false
	}
	return se.Code == code
}

// CodeOf extracts the Code from err, or OK if err is nil, or RSError if err
// is a non-Status error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return RSError
}
