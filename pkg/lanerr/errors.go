// Package lanerr defines the error taxonomy shared by the LAN mode packages.
//
// Every failure that crosses a package boundary is an *Error carrying a Code.
// Callers match on codes with errors.Is:
//
//	if errors.Is(err, lanerr.EncryptionFailure) {
//	    // protocol integrity failure, session is in Error
//	}
//
// Codes in the 4000 range keep the numeric values used by the cloud and
// device firmware so they can be reported verbatim.
package lanerr

import (
	"errors"
	"fmt"
)

// Code identifies a LAN error kind.
type Code int

// LAN error codes.
const (
	Unknown Code = 0

	KeyGenerationFailure     Code = 4001
	EmptyConfig              Code = 4002
	RequireCloudReachability Code = 4003
	LanNotEnabled            Code = 4004
	LanConfigEmptyOnCloud    Code = 4005
	UnmatchedKeyInfo         Code = 4006

	MobileSessionMsgTimeOut Code = 4020
	DeviceNotSupport        Code = 4021
	DeviceDifferentLan      Code = 4022
	DeviceResponseError     Code = 4023
	EncryptionFailure       Code = 4024
	PausedByDuplicateLanIp  Code = 4025

	LibraryNilDevice    Code = 4050
	LibraryInvalidParam Code = 4051
	CloudInvalidResp    Code = 4052
)

// Request codes. These scope a failure to a single task.
const (
	TimedOut  Code = 3001
	Cancelled Code = 3002
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case KeyGenerationFailure:
		return "KEY_GENERATION_FAILURE"
	case EmptyConfig:
		return "EMPTY_CONFIG"
	case RequireCloudReachability:
		return "REQUIRE_CLOUD_REACHABILITY"
	case LanNotEnabled:
		return "LAN_NOT_ENABLED"
	case LanConfigEmptyOnCloud:
		return "LAN_CONFIG_EMPTY_ON_CLOUD"
	case UnmatchedKeyInfo:
		return "UNMATCHED_KEY_INFO"
	case MobileSessionMsgTimeOut:
		return "MOBILE_SESSION_MSG_TIMEOUT"
	case DeviceNotSupport:
		return "DEVICE_NOT_SUPPORT"
	case DeviceDifferentLan:
		return "DEVICE_DIFFERENT_LAN"
	case DeviceResponseError:
		return "DEVICE_RESPONSE_ERROR"
	case EncryptionFailure:
		return "ENCRYPTION_FAILURE"
	case PausedByDuplicateLanIp:
		return "PAUSED_BY_DUPLICATE_LAN_IP"
	case LibraryNilDevice:
		return "LIBRARY_NIL_DEVICE"
	case LibraryInvalidParam:
		return "LIBRARY_INVALID_PARAM"
	case CloudInvalidResp:
		return "CLOUD_INVALID_RESP"
	case TimedOut:
		return "TIMED_OUT"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Error implements the error interface so a bare Code can be used as a
// target in errors.Is.
func (c Code) Error() string {
	return fmt.Sprintf("lan error %d (%s)", int(c), c.String())
}

// Internal reports whether the code signals a contract violation by the caller.
func (c Code) Internal() bool {
	return c >= LibraryNilDevice && c <= CloudInvalidResp
}

// SessionFatal reports whether the code must move a session into Error.
func (c Code) SessionFatal() bool {
	switch c {
	case EncryptionFailure, UnmatchedKeyInfo, MobileSessionMsgTimeOut, PausedByDuplicateLanIp, KeyGenerationFailure:
		return true
	}
	return false
}

// Error is a LAN failure with its code and context.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Op is the operation that failed (e.g. "open session", "decrypt").
	Op string

	// Status is the HTTP status reported by the device, if any.
	Status int

	// CommandID is the command that caused the failure, if any.
	CommandID uint32

	// Err is the underlying cause.
	Err error
}

// New returns an *Error with the given code and operation.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap returns an *Error with the given code that wraps err.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Error returns a human-readable description.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.CommandID != 0 {
		msg = fmt.Sprintf("%s (cmd %d)", msg, e.CommandID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Code or another *Error with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether repeating the operation could succeed.
func (e *Error) Retryable() bool {
	if e.Code.Internal() {
		return false
	}
	switch e.Code {
	case EncryptionFailure, UnmatchedKeyInfo, LanNotEnabled, DeviceNotSupport, Cancelled:
		return false
	}
	return true
}

// CodeOf returns the code of the first *Error in err's chain, or Unknown.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}
