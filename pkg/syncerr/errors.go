// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindNetwork: request failed or returned a non-success status.
	KindNetwork Kind = iota + 1
	// KindStream: a response body was unreadable or aborted mid-download.
	KindStream
	// KindStorage: the durable store failed to open, read, write or delete.
	KindStorage
	// KindConflict: an unexpected duplicate id during a merge. Recovered
	// silently, reported only for diagnostics.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStream:
		return "stream"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "reconciliation conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "markRead" or "cache.put".
	Op string
	// Status is the HTTP status for network errors, 0 otherwise.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error in %s", e.Kind, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func Network(op string, cause error) error {
	return &Error{Kind: KindNetwork, Op: op, Cause: cause}
}

func NetworkStatus(op string, status int, cause error) error {
	return &Error{Kind: KindNetwork, Op: op, Status: status, Cause: cause}
}

func Stream(op string, cause error) error {
	return &Error{Kind: KindStream, Op: op, Cause: cause}
}

func Storage(op string, cause error) error {
	return &Error{Kind: KindStorage, Op: op, Cause: cause}
}

func Conflict(op string, cause error) error {
	return &Error{Kind: KindConflict, Op: op, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func IsNetwork(err error) bool  { return KindOf(err) == KindNetwork }
func IsStream(err error) bool   { return KindOf(err) == KindStream }
func IsStorage(err error) bool  { return KindOf(err) == KindStorage }
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
