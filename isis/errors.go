// Copyright (C) 2018-2020  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.


package isis
// errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrVetoed is returned by operations that need visibility of an
	// object which was destroyed.
	ErrVetoed = errors.New("vetoed: object is destroyed")

	// ErrReadOnly is returned when trying to modify a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrSessionClosed is returned by operations on closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// IsVetoed returns whether err tells that an operation was vetoed.
func IsVetoed(err error) bool {
	return errors.Is(err, ErrVetoed)
}

// OpError is the error returned by session and store operations.
type OpError struct {
	URL  string      // URL of the store
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %v", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }

// NoObjectError is the error which tells that there is no such object in the store.
type NoObjectError struct {
	Oid Oid
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("%s: no such object", e.Oid)
}

// ConflictError is the error which tells that an object was changed in the
// store concurrently to the transaction trying to update or delete it.
type ConflictError struct {
	Oid  Oid
	Have uint64 // version in the store
	Want uint64 // version the transaction was based on
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: store has version %d; transaction was based on %d", e.Oid, e.Have, e.Want)
}

// IdentityError is the error which tells that the identity map invariant
// would be broken by an operation.
type IdentityError struct {
	Oid    Oid
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s: identity: %s", e.Oid, e.Reason)
}

// DecodeError is the error which tells that encoded object data is malformed.
type DecodeError struct {
	Oid   Oid
	Field string // association id, if the problem is with particular field
	Err   error
}

func (e *DecodeError) Error() string {
	s := "decode " + e.Oid.String()
	if e.Field != "" {
		s += "." + e.Field
	}
	return s + ": " + e.Err.Error()
}

func (e *DecodeError) Cause() error  { return e.Err }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsNoObject returns whether err tells that an object is missing in the store.
func IsNoObject(err error) bool {
	var e *NoObjectError
	return errors.As(err, &e)
}

// IsConflict returns whether err is a version conflict.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}
