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
// backing store contract and opening stores by URL.

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ObjectStore is the interface to a backing store of objects.
//
// ObjectStore is implemented by local stores and by the remote proxy. It is
// safe to use an ObjectStore from multiple goroutines simultaneously.
//
// Objects are stored as records keyed by persistent oid of root objects.
// Aggregated objects are stored inside their root record.
type ObjectStore interface {
	// URL returns URL of the store.
	URL() string

	// Load loads data of object oid.
	//
	// For aggregated oid the data of the object aggregated into root record is returned.
	// If there is no such object *NoObjectError is returned.
	Load(ctx context.Context, oid Oid) (*ObjectData, error)

	// LoadField loads the object referenced by field of object oid.
	//
	// It returns data of the referenced object, or nil if the field is null.
	LoadField(ctx context.Context, oid Oid, field string) (*ObjectData, error)

	// FindInstances returns data of objects matching query.
	FindInstances(ctx context.Context, q *QueryData) ([]*ObjectData, error)

	// HasInstances returns whether there is at least one object of class spec.
	HasInstances(ctx context.Context, spec string) (bool, error)

	// OidForService returns oid registered for service name.
	OidForService(ctx context.Context, name string) (_ Oid, ok bool, _ error)

	// RegisterService registers oid for service name.
	RegisterService(ctx context.Context, name string, oid Oid) error

	// Begin starts a store transaction.
	//
	// Read-only stores return ErrReadOnly.
	Begin(ctx context.Context) (StoreTxn, error)

	Close() error
}

// StoreTxn is a store transaction staging commands of one commit.
//
// Commands are staged with Store in the order they were enqueued. Vote
// applies them, verifies versions and assigns persistent oids to new
// objects, but leaves the changes invisible until Finish. Abort discards
// everything staged or voted.
type StoreTxn interface {
	Store(ctx context.Context, cmd *Command) error
	Vote(ctx context.Context) (*CommitResult, error)
	Finish(ctx context.Context) error
	Abort(ctx context.Context)
}

// OpenOptions describes options for OpenStore.
type OpenOptions struct {
	ReadOnly bool // whether to open store as read-only
}

// DriverOpener is a function to open a store driver.
type DriverOpener func(ctx context.Context, u *url.URL, opt *OpenOptions) (ObjectStore, error)

var (
	driverMu       sync.RWMutex
	driverRegistry = map[string]DriverOpener{} // {} scheme -> DriverOpener
)

// RegisterDriver registers opener to be used for URLs with scheme.
func RegisterDriver(scheme string, opener DriverOpener) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, already := driverRegistry[scheme]; already {
		panic(fmt.Errorf("isis: URL scheme %q was already registered", scheme))
	}
	driverRegistry[scheme] = opener
}

// AvailableDrivers returns URL schemes of registered drivers.
func AvailableDrivers() []string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	var schemev []string
	for scheme := range driverRegistry {
		schemev = append(schemev, scheme)
	}
	sort.Strings(schemev)
	return schemev
}

// OpenStore opens object store by URL.
//
// Only URL schemes registered to isis package are handled. Users should
// import in store packages they use or isis/wks package to get support for
// well-known stores. A URL without scheme is treated as path of sqlite
// database.
//
// URL option ?ro=1 opens the store read-only.
func OpenStore(ctx context.Context, storeURL string, opt *OpenOptions) (ObjectStore, error) {
	// no scheme -> sqlite://
	if !strings.Contains(storeURL, "://") {
		storeURL = "sqlite://" + storeURL
	}

	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}

	opt_ := OpenOptions{}
	if opt != nil {
		opt_ = *opt
	}
	q := u.Query()
	if ro := q.Get("ro"); ro != "" {
		opt_.ReadOnly = (ro == "1" || ro == "true")
		q.Del("ro")
		u.RawQuery = q.Encode()
	}

	driverMu.RLock()
	opener, ok := driverRegistry[u.Scheme]
	driverMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("isis: URL scheme \"%s://\" not supported", u.Scheme)
	}

	driver, err := opener(ctx, u, &opt_)
	if err != nil {
		return nil, &OpError{URL: storeURL, Op: "open", Err: err}
	}

	return &storage{driver: driver, readOnly: opt_.ReadOnly}, nil
}

// storage represents store opened via OpenStore.
//
// It wraps driver errors into OpError and enforces read-only mode.
type storage struct {
	driver   ObjectStore
	readOnly bool
}

func (s *storage) URL() string  { return s.driver.URL() }
func (s *storage) Close() error { return s.driver.Close() }

// zerr turns err into OpError about s.op(args).
func (s *storage) zerr(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	if _, already := err.(*OpError); already {
		return err
	}
	return &OpError{URL: s.URL(), Op: op, Args: args, Err: err}
}

func (s *storage) Load(ctx context.Context, oid Oid) (*ObjectData, error) {
	data, err := s.driver.Load(ctx, oid)
	return data, s.zerr("load", oid, err)
}

func (s *storage) LoadField(ctx context.Context, oid Oid, field string) (*ObjectData, error) {
	data, err := s.driver.LoadField(ctx, oid, field)
	return data, s.zerr("load field", oid.String()+"."+field, err)
}

func (s *storage) FindInstances(ctx context.Context, q *QueryData) ([]*ObjectData, error) {
	datav, err := s.driver.FindInstances(ctx, q)
	return datav, s.zerr("find instances", q.Spec, err)
}

func (s *storage) HasInstances(ctx context.Context, spec string) (bool, error) {
	ok, err := s.driver.HasInstances(ctx, spec)
	return ok, s.zerr("has instances", spec, err)
}

func (s *storage) OidForService(ctx context.Context, name string) (Oid, bool, error) {
	oid, ok, err := s.driver.OidForService(ctx, name)
	return oid, ok, s.zerr("oid for service", name, err)
}

func (s *storage) RegisterService(ctx context.Context, name string, oid Oid) error {
	if s.readOnly {
		return s.zerr("register service", name, ErrReadOnly)
	}
	return s.zerr("register service", name, s.driver.RegisterService(ctx, name, oid))
}

func (s *storage) Begin(ctx context.Context) (StoreTxn, error) {
	if s.readOnly {
		return nil, s.zerr("begin", nil, ErrReadOnly)
	}
	txn, err := s.driver.Begin(ctx)
	if err != nil {
		return nil, s.zerr("begin", nil, err)
	}
	return &storageTxn{s, txn}, nil
}

// storageTxn wraps errors of driver transaction.
type storageTxn struct {
	s   *storage
	txn StoreTxn
}

func (t *storageTxn) Store(ctx context.Context, cmd *Command) error {
	return t.s.zerr(cmd.Kind.String(), cmd.Oid, t.txn.Store(ctx, cmd))
}

func (t *storageTxn) Vote(ctx context.Context) (*CommitResult, error) {
	res, err := t.txn.Vote(ctx)
	return res, t.s.zerr("vote", nil, err)
}

func (t *storageTxn) Finish(ctx context.Context) error {
	return t.s.zerr("finish", nil, t.txn.Finish(ctx))
}

func (t *storageTxn) Abort(ctx context.Context) {
	t.txn.Abort(ctx)
}
