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


package isis_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/isis/go/isis"
	"lab.nexedi.com/kirr/isis/go/isis/storage/mem"
	"lab.nexedi.com/kirr/isis/go/isis/storage/remote"
	"lab.nexedi.com/kirr/isis/go/isis/storage/sqlite"
	"lab.nexedi.com/kirr/isis/go/transaction"
)

// ---- domain ----

// events records lifecycle callbacks invoked on an object.
type events struct {
	mu sync.Mutex
	v  []string

	loadingHook func() // called from Loading if set
}

func (e *events) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v = append(e.v, ev)
}

// Events returns and forgets recorded events.
func (e *events) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.v
	e.v = nil
	return v
}

func (e *events) Loaded()     { e.add("loaded") }
func (e *events) Persisting() { e.add("persisting") }
func (e *events) Persisted()  { e.add("persisted") }
func (e *events) Updating()   { e.add("updating") }
func (e *events) Updated()    { e.add("updated") }
func (e *events) Removing()   { e.add("removing") }
func (e *events) Removed()    { e.add("removed") }

func (e *events) Loading() {
	e.add("loading")
	if e.loadingHook != nil {
		e.loadingHook()
	}
}

type Customer struct {
	events
	Name     string
	Address  isis.Object
	Referrer isis.Object
	Orders   []isis.Object
}

func (c *Customer) GetField(id string) interface{} {
	switch id {
	case "name":
		return c.Name
	case "address":
		return c.Address
	case "referrer":
		return c.Referrer
	case "orders":
		return c.Orders
	}
	return nil
}

func (c *Customer) SetField(id string, v interface{}) error {
	switch id {
	case "name":
		c.Name, _ = v.(string)
	case "address":
		c.Address, _ = v.(isis.Object)
	case "referrer":
		c.Referrer, _ = v.(isis.Object)
	case "orders":
		c.Orders, _ = v.([]isis.Object)
	default:
		return fmt.Errorf("customer: no field %q", id)
	}
	return nil
}

func (c *Customer) DropState() {
	c.Name, c.Address, c.Referrer, c.Orders = "", nil, nil, nil
}

type Address struct {
	City string
}

func (a *Address) GetField(id string) interface{} { return a.City }
func (a *Address) SetField(id string, v interface{}) error {
	a.City, _ = v.(string)
	return nil
}
func (a *Address) DropState() { a.City = "" }

type Order struct {
	events
	Total    float64
	Customer isis.Object
}

func (o *Order) GetField(id string) interface{} {
	switch id {
	case "total":
		return o.Total
	case "customer":
		return o.Customer
	}
	return nil
}

func (o *Order) SetField(id string, v interface{}) error {
	switch id {
	case "total":
		o.Total, _ = v.(float64)
	case "customer":
		o.Customer, _ = v.(isis.Object)
	default:
		return fmt.Errorf("order: no field %q", id)
	}
	return nil
}

func (o *Order) DropState() { o.Total, o.Customer = 0, nil }

func newSpecs(t *testing.T) *isis.SpecificationLoader {
	specs := isis.NewSpecificationLoader()
	for _, c := range []struct {
		spec *isis.Specification
		typ  reflect.Type
	}{
		{&isis.Specification{Name: "Customer", Associations: []*isis.Association{
			{ID: "name", Kind: isis.Value},
			{ID: "address", Kind: isis.Aggregated, Type: "Address"},
			{ID: "referrer", Kind: isis.Reference, Type: "Customer"},
			{ID: "orders", Kind: isis.Collection, Type: "Order"},
		}}, reflect.TypeOf(Customer{})},
		{&isis.Specification{Name: "Address", Associations: []*isis.Association{
			{ID: "city", Kind: isis.Value},
		}}, reflect.TypeOf(Address{})},
		{&isis.Specification{Name: "Order", Associations: []*isis.Association{
			{ID: "total", Kind: isis.Value, Codec: "float"},
			{ID: "customer", Kind: isis.Reference, Type: "Customer"},
		}}, reflect.TypeOf(Order{})},
		{&isis.Specification{Name: "Country", Immutable: true, Associations: []*isis.Association{
			{ID: "name", Kind: isis.Value},
		}}, nil},
	} {
		require.NoError(t, specs.Register(c.spec, c.typ))
	}
	return specs
}

// ---- stores ----

// countingStore counts store calls.
type countingStore struct {
	isis.ObjectStore

	mu                                sync.Mutex
	nload, nloadField, nfind, nservice int
}

func (s *countingStore) count(n *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*n++
}

func (s *countingStore) get(n *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *n
}

func (s *countingStore) Load(ctx context.Context, oid isis.Oid) (*isis.ObjectData, error) {
	s.count(&s.nload)
	return s.ObjectStore.Load(ctx, oid)
}

func (s *countingStore) LoadField(ctx context.Context, oid isis.Oid, field string) (*isis.ObjectData, error) {
	s.count(&s.nloadField)
	return s.ObjectStore.LoadField(ctx, oid, field)
}

func (s *countingStore) FindInstances(ctx context.Context, q *isis.QueryData) ([]*isis.ObjectData, error) {
	s.count(&s.nfind)
	return s.ObjectStore.FindInstances(ctx, q)
}

func (s *countingStore) OidForService(ctx context.Context, name string) (isis.Oid, bool, error) {
	s.count(&s.nservice)
	return s.ObjectStore.OidForService(ctx, name)
}

// forEachStore runs f over every kind of store.
//
// connect returns new connection to the same store on every call.
func forEachStore(t *testing.T, f func(t *testing.T, connect func() isis.ObjectStore)) {
	t.Run("mem", func(t *testing.T) {
		db := mem.NewDB()
		f(t, func() isis.ObjectStore {
			return mem.New(db)
		})
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "isis.sqlite")
		f(t, func() isis.ObjectStore {
			s, err := sqlite.Open(path, false, false)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		})
	})

	t.Run("remote", func(t *testing.T) {
		ctx := context.Background()
		srv := remote.NewServer(mem.New(mem.NewDB()))
		f(t, func() isis.ObjectStore {
			c1, c2 := net.Pipe()
			go srv.ServeConn(ctx, c2)
			s, err := remote.NewStore(ctx, c1, "isis://pipe")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		})
	})
}

func openSession(t *testing.T, store isis.ObjectStore, opt *isis.SessionOptions) *isis.Session {
	t.Helper()
	if opt == nil {
		opt = &isis.SessionOptions{}
	}
	if opt.Specs == nil {
		opt.Specs = newSpecs(t)
	}
	sess, err := isis.Open(context.Background(), store, opt)
	require.NoError(t, err)
	return sess
}

// persistCustomer stores new customer name living in city via sess.
func persistCustomer(t *testing.T, sess *isis.Session, name, city string) *isis.Adapter {
	t.Helper()
	a, err := sess.AdapterFor(&Customer{Name: name, Address: &Address{City: city}})
	require.NoError(t, err)
	err = sess.MakePersistent(context.Background(), a)
	require.NoError(t, err)
	return a
}

// ---- tests ----

func TestPersistLoad(t *testing.T) {
	forEachStore(t, testPersistLoad)
}

func testPersistLoad(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess := openSession(t, connect(), nil)

	alice := &Customer{Name: "alice", Address: &Address{City: "Lille"}}
	order := &Order{Total: 9.5, Customer: alice}
	alice.Orders = []isis.Object{order}

	a, err := sess.AdapterFor(alice)
	require.NoError(t, err)
	require.Equal(t, isis.Transient, a.State())
	toid := a.Oid()

	err = transaction.Within(ctx, func(ctx context.Context) error {
		err := sess.MakePersistent(ctx, a)
		if err != nil {
			return err
		}
		// not yet committed
		require.True(t, a.IsTransient())
		return nil
	})
	require.NoError(t, err)

	// remapped to persistent identity, reachable objects persisted too
	require.True(t, a.IsPersistent())
	require.Equal(t, "Customer", a.Oid().Type)
	require.Equal(t, isis.Resolved, a.State())
	require.NotZero(t, a.Version())
	require.Nil(t, sess.Manager().GetAdapterFor(toid))

	o := sess.Manager().GetAdapterForObject(order)
	require.NotNil(t, o)
	require.True(t, o.IsPersistent())
	require.Equal(t, isis.Resolved, o.State())

	addr := sess.Manager().GetAdapterFor(a.Oid().Child("address"))
	require.NotNil(t, addr)
	require.Equal(t, isis.Resolved, addr.State())
	require.Equal(t, alice.Address, addr.Object())

	require.Equal(t, []string{"persisting", "persisted"}, alice.Events())
	require.Equal(t, []string{"persisting", "persisted"}, order.Events())

	// making persistent object persistent again is noop
	require.NoError(t, sess.MakePersistent(ctx, a))
	require.Nil(t, alice.Events())

	// load in another session
	store2 := &countingStore{ObjectStore: connect()}
	sess2 := openSession(t, store2, nil)

	b, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	require.Equal(t, isis.Resolved, b.State())
	require.Equal(t, a.Version(), b.Version())
	balice := b.Object().(*Customer)
	require.Equal(t, "alice", balice.Name)
	require.Equal(t, "Lille", balice.Address.(*Address).City)
	require.Equal(t, []string{"loading", "loaded"}, balice.Events())
	require.Len(t, balice.Orders, 1)

	bo := sess2.Manager().GetAdapterForObject(balice.Orders[0])
	require.NotNil(t, bo)
	require.Equal(t, o.Oid(), bo.Oid())
	require.Equal(t, isis.Ghost, bo.State())

	err = sess2.ResolveImmediately(ctx, bo)
	require.NoError(t, err)
	require.Equal(t, isis.Resolved, bo.State())
	border := bo.Object().(*Order)
	require.Equal(t, 9.5, border.Total)
	require.True(t, border.Customer == isis.Object(balice), "identity map must give the same object")
	require.Equal(t, []string{"loading", "loaded"}, border.Events())

	// resolving resolved object is noop
	nload := store2.get(&store2.nload)
	require.NoError(t, sess2.ResolveImmediately(ctx, bo))
	require.Nil(t, border.Events())

	// identity map answers repeated loads
	b2, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	require.True(t, b2 == b)
	c, err := sess2.LoadObject(ctx, a.Oid().Child("address"), sess2.Specs().Lookup("Address"))
	require.NoError(t, err)
	require.True(t, c.Object() == balice.Address)
	require.Equal(t, nload, store2.get(&store2.nload))

	// aggregated object of not yet loaded root
	sess3 := openSession(t, connect(), nil)
	c, err = sess3.LoadObject(ctx, a.Oid().Child("address"), nil)
	require.NoError(t, err)
	require.Equal(t, "Lille", c.Object().(*Address).City)
	require.NotNil(t, sess3.Manager().GetAdapterFor(a.Oid()))

	_, err = sess2.LoadObject(ctx, a.Oid(), sess2.Specs().Lookup("Order"))
	var eid *isis.IdentityError
	require.True(t, errors.As(err, &eid), "err = %v", err)

	_, err = sess2.LoadObject(ctx, isis.NewPersistentOid("Customer", "999"), nil)
	require.True(t, isis.IsNoObject(err), "err = %v", err)
	var eop *isis.OpError
	require.True(t, errors.As(err, &eop), "err = %v", err)
}

func TestObjectChanged(t *testing.T) {
	forEachStore(t, testObjectChanged)
}

func testObjectChanged(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	tracker := &isis.ChangedObjectsTracker{}
	sess := openSession(t, connect(), &isis.SessionOptions{UpdateNotifier: tracker})

	a := persistCustomer(t, sess, "alice", "Lille")
	alice := a.Object().(*Customer)
	alice.Events()
	v1 := a.Version()

	// several changes in one transaction -> one update
	err := transaction.Within(ctx, func(ctx context.Context) error {
		for _, name := range []string{"alicia", "alice2"} {
			alice.Name = name
			err := sess.ObjectChanged(ctx, a)
			if err != nil {
				return err
			}
			require.Equal(t, isis.Updating, a.State())
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, isis.Resolved, a.State())
	require.Equal(t, v1+1, a.Version())
	require.Equal(t, []string{"updating", "updated"}, alice.Events())
	require.Equal(t, []*isis.Adapter{a}, tracker.ChangedObjects())

	// change of aggregated object is change of its root
	addr := sess.Manager().GetAdapterFor(a.Oid().Child("address"))
	require.NotNil(t, addr)
	err = transaction.Within(ctx, func(ctx context.Context) error {
		alice.Address.(*Address).City = "Paris"
		err := sess.ObjectChanged(ctx, addr)
		require.Equal(t, isis.Updating, a.State())
		return err
	})
	require.NoError(t, err)
	require.Equal(t, v1+2, a.Version())
	require.Equal(t, v1+2, addr.Version())
	require.Equal(t, []*isis.Adapter{a}, tracker.ChangedObjects())

	// changes of transient objects are only notified
	tr, err := sess.AdapterFor(&Customer{Name: "tmp"})
	require.NoError(t, err)
	require.NoError(t, sess.ObjectChanged(ctx, tr))
	require.Equal(t, isis.Transient, tr.State())
	require.Equal(t, []*isis.Adapter{tr}, tracker.ChangedObjects())

	// immutable objects are never updated
	country := sess.NewInstance(sess.Specs().Lookup("Country"))
	require.NoError(t, country.Set("name", "France"))
	require.NoError(t, sess.MakePersistent(ctx, country))
	require.True(t, country.IsPersistent())
	cv := country.Version()
	require.NoError(t, country.Set("name", "Utopia"))
	require.NoError(t, sess.ObjectChanged(ctx, country))
	require.Equal(t, isis.Resolved, country.State())
	require.Equal(t, cv, country.Version())

	// committed state is seen by other sessions
	sess2 := openSession(t, connect(), nil)
	b, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	require.Equal(t, "alice2", b.Object().(*Customer).Name)
	require.Equal(t, "Paris", b.Object().(*Customer).Address.(*Address).City)
	c, err := sess2.LoadObject(ctx, country.Oid(), nil)
	require.NoError(t, err)
	require.Equal(t, "France", c.Get("name"))
}

func TestConflict(t *testing.T) {
	forEachStore(t, testConflict)
}

func testConflict(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess1 := openSession(t, connect(), nil)
	a := persistCustomer(t, sess1, "alice", "Lille")

	sess2 := openSession(t, connect(), nil)
	b, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)

	a.Object().(*Customer).Name = "from-1"
	require.NoError(t, sess1.ObjectChanged(ctx, a))

	b.Object().(*Customer).Name = "from-2"
	err = sess2.ObjectChanged(ctx, b)
	var conflict *isis.ConflictError
	require.True(t, errors.As(err, &conflict), "err = %v", err)
	require.Equal(t, a.Oid(), conflict.Oid)

	// failed commit drops uncommitted state
	require.Equal(t, isis.Ghost, b.State())
	require.NoError(t, sess2.ResolveImmediately(ctx, b))
	require.Equal(t, "from-1", b.Object().(*Customer).Name)
	require.Equal(t, a.Version(), b.Version())
}

func TestDestroy(t *testing.T) {
	forEachStore(t, testDestroy)
}

func testDestroy(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	tracker := &isis.ChangedObjectsTracker{}
	sess := openSession(t, connect(), &isis.SessionOptions{UpdateNotifier: tracker})

	a := persistCustomer(t, sess, "alice", "Lille")
	alice := a.Object().(*Customer)
	alice.Events()
	oid := a.Oid()

	// destroy supersedes change made in the same transaction
	err := transaction.Within(ctx, func(ctx context.Context) error {
		alice.Name = "gone"
		if err := sess.ObjectChanged(ctx, a); err != nil {
			return err
		}
		if err := sess.DestroyObject(ctx, a); err != nil {
			return err
		}
		require.False(t, a.IsDestroyed())
		return sess.DestroyObject(ctx, a)
	})
	require.NoError(t, err)
	require.True(t, a.IsDestroyed())
	require.Equal(t, []string{"updating", "removing", "removed"}, alice.Events())
	require.Equal(t, []*isis.Adapter{a}, tracker.DisposedObjects())

	// destroyed adapters are evicted at transaction end
	require.Nil(t, sess.Manager().GetAdapterFor(oid))
	require.Nil(t, sess.Manager().GetAdapterFor(oid.Child("address")))

	_, err = sess.LoadObject(ctx, oid, nil)
	require.True(t, isis.IsNoObject(err), "err = %v", err)
	sess2 := openSession(t, connect(), nil)
	_, err = sess2.LoadObject(ctx, oid, nil)
	require.True(t, isis.IsNoObject(err), "err = %v", err)

	// destroying destroyed object is noop
	require.NoError(t, sess.DestroyObject(ctx, a))

	// transient objects are destroyed immediately; using them is vetoed
	tmp := &Customer{Name: "tmp", Address: &Address{}}
	tr, err := sess.AdapterFor(tmp)
	require.NoError(t, err)
	require.NoError(t, sess.DestroyObject(ctx, tr))
	require.True(t, tr.IsDestroyed())
	require.Equal(t, []string{"removing", "removed"}, tmp.Events())
	err = sess.MakePersistent(ctx, tr)
	require.True(t, isis.IsVetoed(err), "err = %v", err)
	_, err = sess.LoadObject(ctx, tr.Oid(), nil)
	require.True(t, isis.IsVetoed(err), "err = %v", err)

	// aggregated objects go with their parent
	b := persistCustomer(t, sess, "bob", "Nice")
	baddr := sess.Manager().GetAdapterFor(b.Oid().Child("address"))
	require.Error(t, sess.DestroyObject(ctx, baddr))

	// destroyed by another session
	b2, err := sess2.LoadObject(ctx, b.Oid(), nil)
	require.NoError(t, err)
	require.NoError(t, sess2.DestroyObject(ctx, b2))
	b.Object().(*Customer).Name = "late"
	err = sess.ObjectChanged(ctx, b)
	require.True(t, isis.IsNoObject(err), "err = %v", err)
}

func TestAbort(t *testing.T) {
	forEachStore(t, testAbort)
}

func testAbort(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess := openSession(t, connect(), nil)
	a := persistCustomer(t, sess, "alice", "Lille")
	alice := a.Object().(*Customer)

	errOops := errors.New("oops")
	bob := &Customer{Name: "bob"}
	err := transaction.Within(ctx, func(ctx context.Context) error {
		alice.Name = "changed"
		if err := sess.ObjectChanged(ctx, a); err != nil {
			return err
		}
		b, err := sess.AdapterFor(bob)
		if err != nil {
			return err
		}
		if err := sess.MakePersistent(ctx, b); err != nil {
			return err
		}
		return errOops
	})
	require.Equal(t, errOops, err)

	// changed objects become ghosts, new objects stay transient
	require.Equal(t, isis.Ghost, a.State())
	require.Equal(t, "", alice.Name)
	b := sess.Manager().GetAdapterForObject(bob)
	require.NotNil(t, b)
	require.True(t, b.IsTransient())
	require.Equal(t, isis.Transient, b.State())

	require.NoError(t, sess.ResolveImmediately(ctx, a))
	require.Equal(t, "alice", alice.Name)

	// explicit abort
	txn, tctx := transaction.New(ctx)
	alice.Name = "changed again"
	require.NoError(t, sess.ObjectChanged(tctx, a))
	txn.Abort()
	require.Equal(t, isis.Ghost, a.State())

	// the session is usable after abort
	require.NoError(t, sess.MakePersistent(ctx, b))
	require.True(t, b.IsPersistent())
}

func TestAbortChangedDestroyed(t *testing.T) {
	forEachStore(t, testAbortChangedDestroyed)
}

// change followed by destroy, then abort: the change must not stick in RAM.
func testAbortChangedDestroyed(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess := openSession(t, connect(), nil)
	a := persistCustomer(t, sess, "alice", "Lille")
	alice := a.Object().(*Customer)
	v := a.Version()

	errOops := errors.New("oops")
	err := transaction.Within(ctx, func(ctx context.Context) error {
		alice.Name = "changed"
		if err := sess.ObjectChanged(ctx, a); err != nil {
			return err
		}
		if err := sess.DestroyObject(ctx, a); err != nil {
			return err
		}
		return errOops
	})
	require.Equal(t, errOops, err)
	require.False(t, a.IsDestroyed())
	require.Equal(t, isis.Ghost, a.State())
	require.Equal(t, "", alice.Name)
	require.True(t, sess.Manager().GetAdapterFor(a.Oid()) == a)

	// later changes reach the store
	require.NoError(t, sess.ResolveImmediately(ctx, a))
	require.Equal(t, "alice", alice.Name)
	require.Equal(t, v, a.Version())
	alice.Name = "renamed"
	require.NoError(t, sess.ObjectChanged(ctx, a))
	require.Equal(t, isis.Resolved, a.State())
	require.True(t, a.Version() > v, "version: %d -> %d", v, a.Version())

	sess2 := openSession(t, connect(), nil)
	b, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	require.Equal(t, "renamed", b.Object().(*Customer).Name)
}

var errDiskFull = errors.New("disk full")

// failingFinish is store whose transactions fail at finish.
type failingFinish struct {
	isis.ObjectStore
}

type failingFinishTxn struct {
	isis.StoreTxn
}

func (s failingFinish) Begin(ctx context.Context) (isis.StoreTxn, error) {
	stxn, err := s.ObjectStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingFinishTxn{stxn}, nil
}

func (t failingFinishTxn) Finish(ctx context.Context) error {
	t.StoreTxn.Abort(ctx)
	return errDiskFull
}

func TestFinishFailure(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB()
	bob := persistCustomer(t, openSession(t, mem.New(db), nil), "bob", "Paris")

	sess := openSession(t, failingFinish{mem.New(db)}, nil)
	alice := &Customer{Name: "alice", Address: &Address{City: "Lille"}}
	a, err := sess.AdapterFor(alice)
	require.NoError(t, err)
	toid := a.Oid()

	err = sess.MakePersistent(ctx, a)
	require.True(t, errors.Is(err, errDiskFull), "err = %v", err)
	var eop *isis.OpError
	require.True(t, errors.As(err, &eop), "err = %v", err)
	require.Equal(t, toid, eop.Args)

	// not remapped to identity the store does not have
	require.Equal(t, isis.Transient, a.State())
	require.Equal(t, toid, a.Oid())
	require.True(t, sess.Manager().GetAdapterFor(toid) == a)
	require.Equal(t, []string{"persisting"}, alice.Events())

	// failed update leaves the object to be reloaded
	b, err := sess.LoadObject(ctx, bob.Oid(), nil)
	require.NoError(t, err)
	b.Object().(*Customer).Name = "robert"
	err = sess.ObjectChanged(ctx, b)
	require.True(t, errors.Is(err, errDiskFull), "err = %v", err)
	require.Equal(t, isis.Ghost, b.State())
	require.Equal(t, "", b.Object().(*Customer).Name)

	sess2 := openSession(t, mem.New(db), nil)
	all, err := sess2.GetInstances(ctx, &isis.FindAll{Spec: sess2.Specs().Lookup("Customer")})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "bob", all[0].Get("name"))
	require.Equal(t, bob.Version(), all[0].Version())
}

// Loading callbacks run with the session unlocked.
func TestLoadingCallbackUsesSession(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB()
	sess0 := openSession(t, mem.New(db), nil)
	a, err := sess0.AdapterFor(&Customer{Name: "alice", Orders: []isis.Object{&Order{Total: 1}}})
	require.NoError(t, err)
	require.NoError(t, sess0.MakePersistent(ctx, a))

	sess := openSession(t, mem.New(db), nil)
	b, err := sess.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	order := b.Object().(*Customer).Orders[0].(*Order)
	o := sess.Manager().GetAdapterForObject(order)
	require.NotNil(t, o)
	require.Equal(t, isis.Ghost, o.State())

	order.loadingHook = func() { sess.Invalidate() }
	done := make(chan error, 1)
	go func() {
		done <- sess.ResolveImmediately(ctx, o)
	}()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("resolve did not complete")
	}
	require.Equal(t, isis.Resolved, o.State())
	require.Equal(t, []string{"loading", "loaded"}, order.Events())
}

func TestGetInstancesNoClass(t *testing.T) {
	sess := openSession(t, mem.New(mem.NewDB()), nil)
	_, err := sess.GetInstances(context.Background(), &isis.FindAll{})
	require.Error(t, err)
	_, err = sess.HasInstances(context.Background(), nil)
	require.Error(t, err)
}

func TestGetInstances(t *testing.T) {
	forEachStore(t, testGetInstances)
}

func testGetInstances(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess0 := openSession(t, connect(), nil)
	persistCustomer(t, sess0, "alice", "Lille")
	persistCustomer(t, sess0, "bob", "Paris")

	store := &countingStore{ObjectStore: connect()}
	sess := openSession(t, store, nil)
	Customer := sess.Specs().Lookup("Customer")

	names := func(adapterv []*isis.Adapter) []string {
		var namev []string
		for _, a := range adapterv {
			namev = append(namev, a.Get("name").(string))
		}
		return namev
	}

	all, err := sess.GetInstances(ctx, &isis.FindAll{Spec: Customer})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, names(all))
	require.Equal(t, 1, store.get(&store.nfind))

	// built-in query is answered from cache
	all2, err := sess.GetInstances(ctx, &isis.FindAll{Spec: Customer})
	require.NoError(t, err)
	require.Equal(t, all, all2)
	has, err := sess.HasInstances(ctx, Customer)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, 1, store.get(&store.nfind))

	// other queries always go to the store
	found, err := sess.GetInstances(ctx, &isis.FindByPattern{Spec: Customer, Fields: map[string]interface{}{"name": "bob"}})
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, names(found))
	require.True(t, found[0] == all[1], "query results must go through identity map")
	found, err = sess.GetInstances(ctx, &isis.FindByExpr{Spec: Customer, Expr: `address.city == "Lille"`})
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, names(found))
	require.Equal(t, 3, store.get(&store.nfind))

	// changes invalidate cache
	persistCustomer(t, sess, "carol", "Nice")
	all, err = sess.GetInstances(ctx, &isis.FindAll{Spec: Customer})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, names(all))
	require.Equal(t, 4, store.get(&store.nfind))

	// cache is filled only on commit
	txn, tctx := transaction.New(ctx)
	_, err = sess.GetInstances(tctx, &isis.FindAll{Spec: sess.Specs().Lookup("Order")})
	require.NoError(t, err)
	txn.Abort()
	has, err = sess.HasInstances(ctx, sess.Specs().Lookup("Order"))
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, 5, store.get(&store.nfind))

	// without query cache
	store2 := &countingStore{ObjectStore: connect()}
	sess2 := openSession(t, store2, &isis.SessionOptions{NoQueryCache: true})
	for i := 0; i < 2; i++ {
		all, err = sess2.GetInstances(ctx, &isis.FindAll{Spec: sess2.Specs().Lookup("Customer")})
		require.NoError(t, err)
		require.Len(t, all, 3)
	}
	require.Equal(t, 2, store2.get(&store2.nfind))

	_, err = sess2.GetInstances(ctx, &isis.FindByExpr{Spec: Customer, Expr: "name =="})
	require.Error(t, err)
}

func TestResolveField(t *testing.T) {
	forEachStore(t, testResolveField)
}

func testResolveField(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	sess0 := openSession(t, connect(), nil)
	bob := &Customer{Name: "bob"}
	a, err := sess0.AdapterFor(&Customer{Name: "alice", Referrer: bob})
	require.NoError(t, err)
	require.NoError(t, sess0.MakePersistent(ctx, a))
	require.True(t, sess0.Manager().GetAdapterForObject(bob).IsPersistent())

	store := &countingStore{ObjectStore: connect()}
	sess := openSession(t, store, nil)
	b, err := sess.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	spec := b.Spec()

	ref := sess.Manager().GetAdapterForObject(b.Get("referrer").(isis.Object))
	require.NotNil(t, ref)
	require.Equal(t, isis.Ghost, ref.State())

	require.NoError(t, sess.ResolveField(ctx, b, spec.Association("name")))
	require.NoError(t, sess.ResolveField(ctx, b, spec.Association("referrer")))
	require.Equal(t, isis.Resolved, ref.State())
	require.Equal(t, "bob", ref.Get("name"))
	require.Equal(t, 1, store.get(&store.nloadField))

	// already resolved
	require.NoError(t, sess.ResolveField(ctx, b, spec.Association("referrer")))
	require.Equal(t, 1, store.get(&store.nloadField))
}

func TestServices(t *testing.T) {
	forEachStore(t, testServices)
}

func testServices(t *testing.T, connect func() isis.ObjectStore) {
	ctx := context.Background()
	store := &countingStore{ObjectStore: connect()}
	sess := openSession(t, store, nil)

	_, ok, err := sess.GetOidForService(ctx, "registry")
	require.NoError(t, err)
	require.False(t, ok)

	a := persistCustomer(t, sess, "registry", "")
	require.NoError(t, sess.RegisterService(ctx, "registry", a.Oid()))

	nservice := store.get(&store.nservice)
	oid, ok, err := sess.GetOidForService(ctx, "registry")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.Oid(), oid)
	require.Equal(t, nservice, store.get(&store.nservice), "service oid must be cached")

	sess2 := openSession(t, connect(), nil)
	oid, ok, err = sess2.GetOidForService(ctx, "registry")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.Oid(), oid)

	err = sess.RegisterService(ctx, "bad", isis.NewTransientOid("Customer", 1))
	require.Error(t, err)
}

func TestSessionTxnBinding(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB()
	sess0 := openSession(t, mem.New(db), nil)
	a := persistCustomer(t, sess0, "alice", "Lille")
	b := persistCustomer(t, sess0, "bob", "Paris")

	sess := openSession(t, mem.New(db), nil)
	txn1, ctx1 := transaction.New(ctx)
	_, err := sess.LoadObject(ctx1, a.Oid(), nil)
	require.NoError(t, err)

	// bound to txn1 till it completes
	_, err = sess.LoadObject(ctx, b.Oid(), nil)
	require.Error(t, err)
	require.Error(t, sess.Close())

	txn1.Abort()
	_, err = sess.LoadObject(ctx, b.Oid(), nil)
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	_, err = sess.LoadObject(ctx, a.Oid(), nil)
	require.True(t, errors.Is(err, isis.ErrSessionClosed), "err = %v", err)
	require.NotEmpty(t, sess.ID())
	require.NotEqual(t, sess.ID(), sess0.ID())
}

// evictCustomers is CacheControl evicting all customers.
type evictCustomers struct{}

func (evictCustomers) WantEvict(a *isis.Adapter) bool {
	return a.Spec().Name == "Customer"
}

func TestCacheControl(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB()
	a := persistCustomer(t, openSession(t, mem.New(db), nil), "alice", "Lille")

	sess := openSession(t, mem.New(db), &isis.SessionOptions{CacheControl: evictCustomers{}})
	var b *isis.Adapter
	err := transaction.Within(ctx, func(ctx context.Context) (err error) {
		b, err = sess.LoadObject(ctx, a.Oid(), nil)
		if err != nil {
			return err
		}
		require.Equal(t, isis.Resolved, b.State())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, isis.Ghost, b.State())
	require.Equal(t, "", b.Object().(*Customer).Name)

	// adapter identity survives eviction
	b2, err := sess.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	require.True(t, b2 == b)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB()
	sess := openSession(t, mem.New(db), nil)
	a := persistCustomer(t, sess, "alice", "Lille")

	// change committed behind the session's back
	sess2 := openSession(t, mem.New(db), nil)
	b, err := sess2.LoadObject(ctx, a.Oid(), nil)
	require.NoError(t, err)
	b.Object().(*Customer).Name = "alice2"
	require.NoError(t, sess2.ObjectChanged(ctx, b))

	sess.Invalidate(a.Oid(), isis.NewPersistentOid("Customer", "999"))
	require.Equal(t, isis.Ghost, a.State())
	require.NoError(t, sess.ResolveImmediately(ctx, a))
	require.Equal(t, "alice2", a.Get("name"))
	require.Equal(t, b.Version(), a.Version())
}
