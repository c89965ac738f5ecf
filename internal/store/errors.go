package store

import "errors"

var (
	// ErrNotFound is returned when a record referenced by a push does not
	// exist on the server.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a push's checkpoint is stale: something
	// in the ownership subtree of a touched session was modified after the
	// client's last pull.
	ErrConflict = errors.New("push conflicts with newer server changes")

	// ErrInvalidRow is returned when a pushed row fails referential or
	// structural checks. The entire push is rolled back.
	ErrInvalidRow = errors.New("invalid row in push")
)
