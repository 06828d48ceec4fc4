// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "errors"

var (
	// ErrValidation marks malformed requests. Match with errors.Is; the
	// concrete *ValidationError carries a client-safe message.
	ErrValidation = errors.New("invalid request")

	// ErrUnauthenticated is returned when no user is attached to a request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound is returned for chats the caller does not own or that do not exist.
	ErrNotFound = errors.New("chat not found")

	// ErrCredentialMissing is returned when the caller has no provider key.
	ErrCredentialMissing = errors.New("API key not found")

	// ErrUpstream wraps failures of the completion provider.
	ErrUpstream = errors.New("completion provider failed")

	// ErrConflict is returned when a generation is already running for the chat.
	ErrConflict = errors.New("generation already in progress")
)

// ValidationError describes why a request was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Message
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}
