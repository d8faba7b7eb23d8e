// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"errors"
	"fmt"
)

var (
	ErrTransport   = errors.New("transport error")
	ErrReferential = errors.New("referential error")
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
)

// TransportError is a transient failure talking to the remote side. Callers
// retry with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ReferentialError means a message was inserted for a conversation that does
// not exist. The orchestrator always ensures the conversation first, so this
// only surfaces on misuse of the store.
type ReferentialError struct {
	MessageID      string
	ConversationID string
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("message %s references missing conversation %s", e.MessageID, e.ConversationID)
}

func (e *ReferentialError) Is(target error) bool {
	return target == ErrReferential
}

// NotFoundError is a remote 404. Deletes and lookups treat it as benign.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError is not produced by the monotonic merge rules, but the remote
// service may still answer 409 on writes.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting update for %s %s", e.Resource, e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
