// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import "errors"

var (
	// ErrKeyNotFound is returned when a key is not found
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked is returned when an operation requires a non-revoked key
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrInsufficientCredits is returned when a debit exceeds the balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrMaxKeysReached is returned when the key cap is hit
	ErrMaxKeysReached = errors.New("maximum key count reached")

	// ErrKeyAlreadyExists is returned on import of a duplicate identifier
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrDuplicateAlias is returned when an alias is already taken
	ErrDuplicateAlias = errors.New("alias already registered")

	// ErrAliasNotFound is returned when removing an unknown alias
	ErrAliasNotFound = errors.New("alias not found")

	// ErrMaxAliasesReached is returned when a key has too many aliases
	ErrMaxAliasesReached = errors.New("maximum alias count reached")

	// ErrGroupNotFound is returned when a group is not found
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupAlreadyExists is returned when a group already exists
	ErrGroupAlreadyExists = errors.New("group already exists")

	// ErrInvalidName is returned for an empty or oversized name
	ErrInvalidName = errors.New("invalid name")
)
