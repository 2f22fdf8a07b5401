// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package brypterr is the node runtime's single error taxonomy. Every
// operation exposed to an embedder returns one of these Codes, wrapped
// with enough context to log and enough structure for errors.Is/As.
package brypterr

import (
	"errors"
	"fmt"
)

// Code enumerates the result taxonomy every core operation returns.
type Code string

const (
	Accepted               Code = "accepted"
	Canceled               Code = "canceled"
	ShutdownRequested      Code = "shutdown_requested"
	InvalidArgument        Code = "invalid_argument"
	AccessDenied           Code = "access_denied"
	Timeout                Code = "timeout"
	Conflict               Code = "conflict"
	MissingField           Code = "missing_field"
	PayloadTooLarge        Code = "payload_too_large"
	NotAvailable           Code = "not_available"
	NotSupported           Code = "not_supported"
	NotImplemented         Code = "not_implemented"
	InitializationFailure  Code = "initialization_failure"
	AlreadyStarted         Code = "already_started"
	NotStarted             Code = "not_started"
	InvalidConfiguration   Code = "invalid_configuration"
	BindingFailed          Code = "binding_failed"
	ConnectionFailed       Code = "connection_failed"
	InvalidAddress         Code = "invalid_address"
	AddressInUse           Code = "address_in_use"
	NotConnected           Code = "not_connected"
	AlreadyConnected       Code = "already_connected"
	ConnectionRefused      Code = "connection_refused"
	NetworkDown            Code = "network_down"
	NetworkReset           Code = "network_reset"
	NetworkUnreachable     Code = "network_unreachable"
	SessionClosed          Code = "session_closed"
	OutOfMemory            Code = "out_of_memory"
)

// Error pairs a Code with a human-readable message and optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so
// callers can write errors.Is(err, brypterr.New(brypterr.Timeout, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New constructs an *Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error around an existing cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code carried by err, or "" if err is not (or
// does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is comparisons that don't need a message.
var (
	ErrTimeout           = New(Timeout, "deadline exceeded")
	ErrConflict          = New(Conflict, "conflicting operation")
	ErrNotConnected      = New(NotConnected, "peer is not connected and authorized")
	ErrAlreadyStarted    = New(AlreadyStarted, "service is already running")
	ErrNotStarted        = New(NotStarted, "service is not running")
	ErrShutdownRequested = New(ShutdownRequested, "service is shutting down")
)
