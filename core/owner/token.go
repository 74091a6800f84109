// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package owner supplies the worker identity used to authorise
// claim, acknowledge and release operations across the platform.
package owner

import (
	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Token uniquely identifies a worker process. It is minted once per
// process and embedded in every claim that the worker makes, so that
// acknowledgements and abandons can be authorised against the
// claiming worker.
type Token string

// NewToken mints a new owner token.
func NewToken() Token {
	return Token(uuid.New().String())
}

// String returns the token as a string.
func (t Token) String() string {
	return string(t)
}

// Validate returns an error if the token is empty.
func (t Token) Validate() error {
	if t == "" {
		return errors.NotValidf("empty owner token")
	}
	return nil
}
