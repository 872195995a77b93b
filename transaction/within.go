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


package transaction
// transactional closures.

import (
	"context"

	"github.com/pkg/errors"
)

// Closure is a piece of work to be executed inside a transaction.
type Closure func(ctx context.Context) error

// ResultClosure is like Closure but also produces a result.
type ResultClosure func(ctx context.Context) (interface{}, error)

// Within executes fn inside a transaction.
//
// If ctx is already associated with an active transaction, fn is executed
// as part of it, and completing that transaction is left to whoever started
// it. Should fn fail or panic in such a case, the transaction is doomed.
//
// Otherwise a new transaction is started, fn is executed in it, and the
// transaction is committed if fn succeeded, or aborted if fn failed, panicked
// or doomed the transaction.
func Within(ctx context.Context, fn Closure) error {
	_, err := WithinResult(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// WithinResult is like Within but for closures returning a result.
//
// The result is returned only if the closure succeeded and, for a new
// transaction, the commit succeeded too.
func WithinResult(ctx context.Context, fn ResultClosure) (_ interface{}, err error) {
	if txn := getTxn(ctx); txn != nil {
		if txn.Status() != Active {
			return nil, errors.New("transaction: within: transaction completion already began")
		}
		if txn.IsDoomed() {
			return nil, ErrDoomed
		}
		return runIn(ctx, fn, txn.Doom)
	}

	txn, ctx := New(ctx)
	aborted := false
	result, err := runIn(ctx, fn, func() {
		aborted = true
		txn.Abort()
	})
	if err != nil || aborted {
		return nil, err
	}

	if txn.IsDoomed() {
		txn.Abort()
		return nil, ErrDoomed
	}
	err = txn.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runIn runs fn and calls onFail if fn returns an error or panics.
// A panic is re-raised after onFail.
func runIn(ctx context.Context, fn ResultClosure, onFail func()) (result interface{}, err error) {
	ok := false
	defer func() {
		if !ok {
			onFail()
		}
	}()

	result, err = fn(ctx)
	ok = (err == nil)
	return result, err
}
