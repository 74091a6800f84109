// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

// Delta describes a schema change within a single DDL statement.
type Delta struct {
	stmt string
	args []any
}

// MakeDelta generates a Delta from the input statement and arguments.
func MakeDelta(stmt string, args ...any) Delta {
	return Delta{
		stmt: stmt,
		args: args,
	}
}

// Stmt returns the delta's DDL statement.
func (d Delta) Stmt() string {
	return d.stmt
}

// Args returns the delta's statement arguments.
func (d Delta) Args() []any {
	return d.args
}
