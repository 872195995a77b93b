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

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"
)

// ErrDoomed is returned when committing a transaction that was doomed.
var ErrDoomed = errors.New("transaction: transaction is doomed")

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	doomed bool
	datav  []DataManager
	syncv  []Synchronizer
	hookv  []func()

	// metadata
	user        string
	description string
	extension   string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// Doom implements Transaction.
func (txn *transaction) Doom() {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.doomed = true
}

// IsDoomed implements Transaction.
func (txn *transaction) IsDoomed() bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.doomed
}

// Commit implements Transaction.
//
// Data managers are driven through two-phase commit sequentially, in the
// order they joined: first TPCBegin + Commit for every one of them, then
// TPCVote for every one of them. If anything fails before vote completes,
// TPCAbort is invoked on all joined data managers. After successful vote
// TPCFinish is invoked on all of them. A failed TPCFinish leaves the
// transaction in CommitFailed status.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	var datav []DataManager
	var syncv []Synchronizer
	var hookv []func()
	doomed := false

	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("commit")
		if txn.doomed {
			doomed = true
			return
		}
		txn.status = Committing
		datav = txn.datav
		syncv = txn.syncv
		hookv = txn.hookv; txn.hookv = nil
	}()

	if doomed {
		txn.Abort()
		return ErrDoomed
	}

	defer xerr.Context(&err, "transaction: commit")

	// sync.BeforeCompletion; errors here turn commit into abort
	errBefore := xerr.Errorv{}
	for _, s := range syncv {
		errBefore.Appendif(s.BeforeCompletion(ctx, txn))
	}

	if err := errBefore.Err(); err != nil {
		for _, dm := range datav {
			dm.Abort(txn)
		}
		txn.complete(CommitFailed, syncv)
		return err
	}

	// phase 1
	err = txn.tpcPrepare(ctx, datav)
	if err != nil {
		for _, dm := range datav {
			dm.TPCAbort(ctx, txn)
		}
		txn.complete(CommitFailed, syncv)
		return err
	}

	// phase 2
	errFinish := xerr.Errorv{}
	for _, dm := range datav {
		errFinish.Appendif(dm.TPCFinish(ctx, txn))
	}

	// success hooks are not run if any finish failed
	if err := errFinish.Err(); err != nil {
		txn.complete(CommitFailed, syncv)
		return err
	}

	txn.mu.Lock()
	txn.status = Committed
	txn.mu.Unlock()

	for _, hook := range hookv {
		hook()
	}

	txn.afterCompletion(syncv)
	return nil
}

// tpcPrepare runs TPCBegin/Commit/TPCVote part of two-phase commit.
func (txn *transaction) tpcPrepare(ctx context.Context, datav []DataManager) error {
	for _, dm := range datav {
		err := dm.TPCBegin(ctx, txn)
		if err == nil {
			err = dm.Commit(ctx, txn)
		}
		if err != nil {
			return err
		}
	}
	for _, dm := range datav {
		err := dm.TPCVote(ctx, txn)
		if err != nil {
			return err
		}
	}
	return nil
}

// complete sets final status and notifies synchronizers.
func (txn *transaction) complete(status Status, syncv []Synchronizer) {
	txn.mu.Lock()
	txn.status = status
	txn.hookv = nil
	txn.mu.Unlock()

	txn.afterCompletion(syncv)
}

// afterCompletion invokes AfterCompletion on syncv in parallel.
func (txn *transaction) afterCompletion(syncv []Synchronizer) {
	n := len(syncv)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			syncv[i].AfterCompletion(txn)
		}()
	}
	wg.Wait()
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	var datav []DataManager
	var syncv []Synchronizer

	// under lock: change state to aborting; extract datav/syncv
	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("abort")
		txn.status = Aborting

		datav = txn.datav; txn.datav = nil
		syncv = txn.syncv; txn.syncv = nil
		txn.hookv = nil
	}()

	// lock released

	// data.Abort
	n := len(datav)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			datav[i].Abort(txn)
		}()
	}
	wg.Wait()

	txn.complete(Aborted, syncv)
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	for _, sync2 := range txn.syncv {
		if sync2 == sync {
			return
		}
	}
	txn.syncv = append(txn.syncv, sync)
}

// OnSuccess implements Transaction.
func (txn *transaction) OnSuccess(hook func()) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("on success")
	txn.hookv = append(txn.hookv, hook)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) User() string        { return txn.user }
func (txn *transaction) Description() string { return txn.description }
func (txn *transaction) Extension() string   { return txn.extension }
