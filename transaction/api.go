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

// Package transaction provides transaction management via two-phase commit protocol.
//
// Overview
//
// Transactions are represented by Transaction interface. A transaction can be
// started with New, which creates transaction object and remembers it in a
// child of provided context:
//
//	txn, ctx := transaction.New(ctx)
//
// The transaction should be eventually completed by user - either committed or aborted, e.g.
//
//	... // do something with data
//	err := txn.Commit(ctx)
//
// As transactions are associated with contexts, Current returns that associated transaction:
//
//	txn := transaction.Current(ctx)
//
// There is no relation in between transaction and current goroutine - a
// transaction scope is managed completely by programmer via contexts.
//
//
// Transactional closures
//
// Most users do not create transactions explicitly. Instead a piece of work
// is wrapped into a closure and executed via Within or WithinResult:
//
//	err := transaction.Within(ctx, func(ctx context.Context) error {
//		... // load, modify, persist objects
//		return nil
//	})
//
// If ctx has no transaction, Within opens one, runs the closure and commits.
// If ctx already carries an active transaction, the closure runs inside it
// and the outer code stays responsible for completion. A closure that fails
// aborts the transaction it created, or dooms the outer transaction it joined,
// so that nothing it enqueued can be committed.
//
//
// Two-phase commit
//
// For data to be committed, every data backend (e.g. persistence session)
// which participates in a transaction must first let the transaction know
// when the data it manages was modified by joining it. Then at commit time
// the transaction manager performs two-phase commit related calls to the
// backends that joined the transaction, in the order they joined.
//
// The details of interaction between transaction manager and a backend are in
// DataManager interface:
//
//	func (b *MyBackend) ChangeID(ctx context.Context, newID int) {
//		b.id = newID
//
//		// data changed - join the transaction to participate in commit.
//		txn := transaction.Current(ctx)
//		txn.Join(b)
//	}
//
//
// Synchronization
//
// An object, e.g. a backend, might want to be notified of transaction
// completion events, for example to free resources after transaction
// completes. Transaction.RegisterSync provides the way to be notified of such
// synchronization points. Please see Synchronizer interface for details.
//
// Transaction.OnSuccess registers hooks that run only after successful
// commit, never after abort.
package transaction

import (
	"context"
)

// Status describes status of a transaction.
type Status int

const (
	Active       Status = iota // transaction is in progress
	Committing                 // transaction commit started
	Committed                  // transaction commit finished successfully
	CommitFailed               // transaction commit resulted in error
	Aborting                   // transaction abort started
	Aborted                    // transaction was aborted
)

// Transaction represents a transaction.
//
// ... and should be completed by user via either Commit or Abort.
//
// Before completion, if there are changes to managed data, corresponding
// DataManager(s) must join the transaction to participate in the completion.
type Transaction interface {
	User() string        // user name associated with transaction
	Description() string // description of transaction
	Extension() string

	// Status returns current status of the transaction.
	Status() Status

	// Commit finalizes the transaction.
	//
	// Commit completes the transaction by executing the two-phase commit
	// algorithm for all DataManagers associated with the transaction.
	//
	// A doomed transaction cannot be committed: Commit aborts it and
	// returns ErrDoomed.
	Commit(ctx context.Context) error

	// Abort aborts the transaction.
	//
	// Abort completes the transaction by executing Abort on all
	// DataManagers associated with it.
	Abort()

	// Doom marks the transaction as the one that can be only aborted.
	Doom()

	// IsDoomed returns whether the transaction was doomed.
	IsDoomed() bool

	// ---- part for data managers & friends ----

	// Join associates a DataManager to the transaction.
	//
	// Only associated data managers will participate in the transaction
	// completion - commit or abort. Joining the same data manager
	// several times is allowed and has the effect of joining it once.
	//
	// Join must be called before transaction completion begins.
	Join(dm DataManager)

	// RegisterSync registers sync to be notified in this transaction boundary events.
	//
	// See Synchronizer for details.
	RegisterSync(sync Synchronizer)

	// OnSuccess registers hook to be called after the transaction is
	// successfully committed.
	//
	// Hooks are called in registration order after all data managers
	// finished the commit, and before synchronizers' AfterCompletion.
	OnSuccess(hook func())
}

// New creates new transaction.
//
// The transaction is associated with returned txnCtx, which derives from ctx.
// Nested transactions are not supported.
func New(ctx context.Context) (txn Transaction, txnCtx context.Context) {
	return newTxn(ctx)
}

// Current returns current transaction.
//
// It panics if there is no transaction associated with provided context.
func Current(ctx context.Context) Transaction {
	return currentTxn(ctx)
}

// ActiveTxn returns transaction associated with ctx if it is still in progress.
//
// nil is returned if there is no associated transaction, or if the
// transaction completion has already began.
func ActiveTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil || txn.Status() != Active {
		return nil
	}
	return txn
}

// DataManager manages data and can transactionally persist it.
//
// If DataManager is registered to transaction via Transaction.Join, it will
// participate in that transaction completion - commit or abort. In other words
// a data manager have to join to corresponding transaction when it sees there
// are modifications to data it manages.
type DataManager interface {
	// Abort should abort all modifications to managed data.
	//
	// Abort is called by Transaction outside of two-phase commit, and only
	// if abort was caused by user requesting transaction abort. If
	// two-phase commit was started and transaction needs to be aborted due
	// to two-phase commit logic, TPCAbort will be called.
	Abort(txn Transaction)

	// TPCBegin should begin commit of a transaction, starting the two-phase commit.
	TPCBegin(ctx context.Context, txn Transaction) error

	// Commit should commit modifications to managed data.
	//
	// It should save changes to be made persistent if the transaction
	// commits (if TPCFinish is called later). If TPCAbort is called
	// later, changes must not persist.
	Commit(ctx context.Context, txn Transaction) error

	// TPCVote should verify that a data manager can commit the transaction.
	//
	// This is the last chance for a data manager to vote 'no'. A data
	// manager votes 'no' by returning an error.
	TPCVote(ctx context.Context, txn Transaction) error

	// TPCFinish should indicate confirmation that the transaction is done.
	//
	// It should make all changes to data modified by this transaction persist.
	//
	// This should never fail. If this returns an error, the database is
	// not expected to maintain consistency; it's a serious error.
	TPCFinish(ctx context.Context, txn Transaction) error

	// TPCAbort should abort a transaction.
	//
	// This is called by a transaction manager to end a two-phase commit on
	// the data manager. It should abandon all changes to data modified
	// by this transaction.
	//
	// This should never fail.
	TPCAbort(ctx context.Context, txn Transaction)
}

// Synchronizer is the interface to participate in transaction-boundary notifications.
type Synchronizer interface {
	// BeforeCompletion is called before corresponding transaction is going to be completed.
	//
	// The transaction manager calls BeforeCompletion before txn is going
	// to be committed. An error returned from BeforeCompletion turns the
	// commit into abort.
	BeforeCompletion(ctx context.Context, txn Transaction) error

	// AfterCompletion is called after corresponding transaction was completed.
	//
	// The transaction manager calls AfterCompletion after txn is completed
	// - either committed or aborted.
	AfterCompletion(txn Transaction)
}
