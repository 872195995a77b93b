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


// Package mem provides in-RAM object store.
//
// URL of the store is mem://<name>. Stores opened with the same non-empty
// name share data for the lifetime of the process, while mem:// opens a new
// empty store every time. Data is kept in serialized form, so loaded objects
// never alias what is in the store.
//
// The store is useful for tests and as reference implementation of
// isis.ObjectStore semantics.
package mem

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"lab.nexedi.com/kirr/isis/go/isis"
)

// DB is the data of an in-RAM store.
type DB struct {
	mu       sync.RWMutex
	records  map[isis.Oid]*record
	services map[string]isis.Oid
	counter  map[string]uint64 // type -> last assigned key
	head     uint64            // version of last commit

	// commitMu serializes commits; it is held from vote till finish/abort.
	commitMu sync.Mutex
}

type record struct {
	version uint64
	data    []byte // msgpack of isis.ObjectData
}

// NewDB creates new empty database.
func NewDB() *DB {
	return &DB{
		records:  make(map[isis.Oid]*record),
		services: make(map[string]isis.Oid),
		counter:  make(map[string]uint64),
	}
}

// Head returns version of last committed transaction.
func (db *DB) Head() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.head
}

// Len returns number of records in the database.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.records)
}

// Store is in-RAM isis.ObjectStore.
type Store struct {
	url string
	db  *DB
}

var _ isis.ObjectStore = (*Store)(nil)

// New creates store over db.
func New(db *DB) *Store {
	return &Store{url: "mem://", db: db}
}

// DB returns database the store works over.
func (s *Store) DB() *DB { return s.db }

func (s *Store) URL() string  { return s.url }
func (s *Store) Close() error { return nil }

// loadRecord loads record of root object oid.
func (s *Store) loadRecord(_ context.Context, oid isis.Oid) (*isis.ObjectData, error) {
	s.db.mu.RLock()
	r := s.db.records[oid]
	s.db.mu.RUnlock()
	if r == nil {
		return nil, &isis.NoObjectError{Oid: oid}
	}
	return isis.UnmarshalObjectData(r.data)
}

func (s *Store) Load(ctx context.Context, oid isis.Oid) (*isis.ObjectData, error) {
	return isis.LoadRecordObject(ctx, s.loadRecord, oid)
}

func (s *Store) LoadField(ctx context.Context, oid isis.Oid, field string) (*isis.ObjectData, error) {
	return isis.LoadRecordField(ctx, s.loadRecord, oid, field)
}

func (s *Store) FindInstances(ctx context.Context, q *isis.QueryData) ([]*isis.ObjectData, error) {
	m, err := isis.CompileQuery(q)
	if err != nil {
		return nil, err
	}

	s.db.mu.RLock()
	var oidv []isis.Oid
	for oid := range s.db.records {
		if oid.Type == q.Spec {
			oidv = append(oidv, oid)
		}
	}
	s.db.mu.RUnlock()
	sort.Slice(oidv, func(i, j int) bool {
		return keyLess(oidv[i].Key, oidv[j].Key)
	})

	var datav []*isis.ObjectData
	for _, oid := range oidv {
		data, err := s.loadRecord(ctx, oid)
		if isis.IsNoObject(err) {
			continue // deleted meanwhile
		}
		if err != nil {
			return nil, err
		}
		ok, err := m.Match(data)
		if err != nil {
			return nil, err
		}
		if ok {
			datav = append(datav, data)
		}
	}
	return datav, nil
}

// keyLess orders numeric keys numerically and the rest lexically.
func keyLess(a, b string) bool {
	na, erra := strconv.ParseUint(a, 10, 64)
	nb, errb := strconv.ParseUint(b, 10, 64)
	if erra == nil && errb == nil {
		return na < nb
	}
	return a < b
}

func (s *Store) HasInstances(_ context.Context, spec string) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for oid := range s.db.records {
		if oid.Type == spec {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) OidForService(_ context.Context, name string) (isis.Oid, bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	oid, ok := s.db.services[name]
	return oid, ok, nil
}

func (s *Store) RegisterService(_ context.Context, name string, oid isis.Oid) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.services[name] = oid
	return nil
}

func (s *Store) Begin(_ context.Context) (isis.StoreTxn, error) {
	return &txn{db: s.db}, nil
}

// txn is transaction of in-RAM store.
type txn struct {
	db    *DB
	cmdv  []*isis.Command
	voted bool
	head  uint64
	plan  *isis.CommitPlan
	blobv [][]byte // serialized plan.Writes
}

func (t *txn) Store(_ context.Context, cmd *isis.Command) error {
	if t.voted {
		return fmt.Errorf("store after vote")
	}
	t.cmdv = append(t.cmdv, cmd)
	return nil
}

func (t *txn) Vote(ctx context.Context) (_ *isis.CommitResult, err error) {
	if t.voted {
		return nil, fmt.Errorf("vote twice")
	}
	db := t.db
	db.commitMu.Lock()
	t.voted = true
	defer func() {
		if err != nil {
			t.voted = false
			db.commitMu.Unlock()
		}
	}()

	plan, err := isis.PrepareCommit(t.cmdv, t.newKey)
	if err != nil {
		return nil, err
	}

	db.mu.RLock()
	head := db.head + 1
	for _, w := range plan.Writes {
		r := db.records[w.Oid]
		var have uint64
		if r != nil {
			have = r.version
		}
		err = w.Check(r != nil, have)
		if err != nil {
			break
		}
	}
	db.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	blobv := make([][]byte, len(plan.Writes))
	for i, w := range plan.Writes {
		if w.Delete {
			continue
		}
		w.Stamp(head)
		blobv[i], err = w.Data.Marshal()
		if err != nil {
			return nil, err
		}
		plan.Result.Versions = append(plan.Result.Versions, isis.Stamp{Oid: w.Oid, Version: head})
	}

	t.plan = plan
	t.blobv = blobv
	t.head = head
	return plan.Result, nil
}

// newKey assigns next key for type typ.
// called with db.commitMu held.
func (t *txn) newKey(typ string) (string, error) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.counter[typ]++
	return strconv.FormatUint(db.counter[typ], 10), nil
}

func (t *txn) Finish(_ context.Context) error {
	if !t.voted {
		return fmt.Errorf("finish without vote")
	}
	db := t.db
	defer db.commitMu.Unlock()
	t.voted = false

	db.mu.Lock()
	defer db.mu.Unlock()
	for i, w := range t.plan.Writes {
		if w.Delete {
			delete(db.records, w.Oid)
			continue
		}
		db.records[w.Oid] = &record{version: t.head, data: t.blobv[i]}
	}
	db.head = t.head
	return nil
}

func (t *txn) Abort(_ context.Context) {
	if t.voted {
		t.voted = false
		t.db.commitMu.Unlock()
	}
	t.cmdv = nil
	t.plan = nil
	t.blobv = nil
}

// ---- open by URL ----

var (
	namedMu sync.Mutex
	named   = map[string]*DB{} // name -> db
)

func openByURL(_ context.Context, u *url.URL, _ *isis.OpenOptions) (isis.ObjectStore, error) {
	name := u.Host + u.Path
	if name == "" {
		return New(NewDB()), nil
	}

	namedMu.Lock()
	defer namedMu.Unlock()
	db := named[name]
	if db == nil {
		db = NewDB()
		named[name] = db
	}
	return &Store{url: "mem://" + name, db: db}, nil
}

func init() {
	isis.RegisterDriver("mem", openByURL)
}
