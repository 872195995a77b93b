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
// persistence session.

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/isis/go/internal/log"
	"lab.nexedi.com/kirr/isis/go/internal/task"
	"lab.nexedi.com/kirr/isis/go/transaction"
)

// PersistenceSession is the interface of persistence sessions.
//
// All operations run inside transactions: if ctx carries a transaction the
// operation joins it, otherwise the operation runs in its own transaction
// which is committed before the operation returns.
type PersistenceSession interface {
	LoadObject(ctx context.Context, oid Oid, spec *Specification) (*Adapter, error)
	ResolveImmediately(ctx context.Context, a *Adapter) error
	ResolveField(ctx context.Context, a *Adapter, assoc *Association) error
	MakePersistent(ctx context.Context, a *Adapter) error
	ObjectChanged(ctx context.Context, a *Adapter) error
	DestroyObject(ctx context.Context, a *Adapter) error
	GetInstances(ctx context.Context, q Query) ([]*Adapter, error)
	HasInstances(ctx context.Context, spec *Specification) (bool, error)
	GetOidForService(ctx context.Context, name string) (Oid, bool, error)
	RegisterService(ctx context.Context, name string, oid Oid) error
	Close() error
}

// SessionOptions describes options for Open.
type SessionOptions struct {
	Specs            *SpecificationLoader // class registry; DefaultSpecs if nil
	UpdateNotifier   UpdateNotifier       // receives changed/disposed objects
	CacheControl     CacheControl         // consulted at transaction boundaries
	PersistAlgorithm PersistAlgorithm     // ReachabilityPersist if nil
	NoQueryCache     bool                 // do not answer built-in queries from cache
}

// Session is persistence session over an ObjectStore.
//
// Session keeps identity map of objects it loaded or created. At any time a
// session is bound to at most one transaction: the first transaction in
// which it is used. The binding ends when that transaction completes.
// Changes made via the session are staged in the session and are sent to the
// store on transaction commit.
//
// Session is safe to use from multiple goroutines simultaneously, but
// operations are serialized.
type Session struct {
	id       string
	store    ObjectStore
	mgr      *AdapterManager
	notifier UpdateNotifier
	cache    CacheControl
	persist  PersistAlgorithm
	noQCache bool

	mu      sync.Mutex
	closed  bool
	txn     transaction.Transaction // transaction the session is bound to
	joined  bool                    // whether joined txn as data manager
	pending []*pending              // staged commands in enqueue order
	pendOf  map[*Adapter]*pending
	callq   []func()                // callbacks to run after lock release

	stxn   StoreTxn      // store transaction in 2PC
	result *CommitResult // result of stxn vote

	qcache   map[string]*queryCacheEntry // spec -> FindAll result
	dirtyGen map[string]uint64           // spec -> modification generation
	services map[string]Oid              // service name -> oid
}

// pending is a staged command.
type pending struct {
	kind CmdKind
	a    *Adapter
}

type queryCacheEntry struct {
	gen      uint64
	adapterv []*Adapter
}

var _ PersistenceSession = (*Session)(nil)
var _ transaction.DataManager = (*Session)(nil)
var _ transaction.Synchronizer = (*Session)(nil)

// Open opens new persistence session over store.
func Open(ctx context.Context, store ObjectStore, opt *SessionOptions) (*Session, error) {
	if opt == nil {
		opt = &SessionOptions{}
	}
	s := &Session{
		id:       uuid.New().String(),
		store:    store,
		mgr:      NewAdapterManager(opt.Specs),
		notifier: opt.UpdateNotifier,
		cache:    opt.CacheControl,
		persist:  opt.PersistAlgorithm,
		noQCache: opt.NoQueryCache,
		pendOf:   make(map[*Adapter]*pending),
		qcache:   make(map[string]*queryCacheEntry),
		dirtyGen: make(map[string]uint64),
		services: make(map[string]Oid),
	}
	if s.persist == nil {
		s.persist = ReachabilityPersist{}
	}
	log.Infof(ctx, "session %s: open %s", s.id, store.URL())
	return s, nil
}

// ID returns unique identifier of the session.
func (s *Session) ID() string { return s.id }

// Store returns the store session works over.
func (s *Session) Store() ObjectStore { return s.store }

// Manager returns identity map of the session.
func (s *Session) Manager() *AdapterManager { return s.mgr }

// Specs returns class registry of the session.
func (s *Session) Specs() *SpecificationLoader { return s.mgr.specs }

// NewInstance creates new transient object of class spec.
func (s *Session) NewInstance(spec *Specification) *Adapter {
	return s.mgr.NewTransient(spec)
}

// AdapterFor returns adapter of in-RAM object obj, adapting it as transient if needed.
func (s *Session) AdapterFor(obj Object) (*Adapter, error) {
	if a := s.mgr.GetAdapterForObject(obj); a != nil {
		return a, nil
	}
	return s.mgr.AdapterForTransient(obj)
}

// serr turns err into OpError about session operation op.
func (s *Session) serr(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	if _, already := err.(*OpError); already {
		return err
	}
	return &OpError{URL: s.store.URL(), Op: op, Args: args, Err: err}
}

// within runs fn under session lock inside a transaction bound to the session.
//
// If mutate, the session joins the transaction as data manager. Callbacks
// queued by fn are run after the lock is released.
func (s *Session) within(ctx context.Context, mutate bool, fn func(ctx context.Context) error) error {
	return transaction.Within(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		err := s.bind(transaction.Current(ctx), mutate)
		if err == nil {
			err = fn(ctx)
		}
		callv := s.callq
		s.callq = nil
		s.mu.Unlock()

		if err == nil {
			for _, call := range callv {
				call()
			}
		}
		return err
	})
}

// bind binds the session to txn.
// must be called with s.mu held.
func (s *Session) bind(txn transaction.Transaction, mutate bool) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.txn == nil {
		s.txn = txn
		txn.RegisterSync(s)
	} else if s.txn != txn {
		return errors.New("session is in use by another transaction")
	}
	if mutate && !s.joined {
		txn.Join(s)
		s.joined = true
	}
	return nil
}

// queue schedules call to be run after session lock is released.
// must be called with s.mu held.
func (s *Session) queue(call func()) {
	s.callq = append(s.callq, call)
}

// ---- loading ----

// LoadObject returns adapter for object oid.
//
// If the object is already in the identity map its adapter is returned
// without contacting the store. Otherwise object data is loaded from the
// store. For aggregated oid the whole root object is loaded.
//
// If spec is not nil, the object must be of class spec.
// ErrVetoed is returned for destroyed objects.
func (s *Session) LoadObject(ctx context.Context, oid Oid, spec *Specification) (*Adapter, error) {
	a, err := s.loadObject(ctx, oid)
	if err == nil && spec != nil && a.spec != spec {
		err = &IdentityError{oid, fmt.Sprintf("wrong class: want %s; have %s", spec.Name, a.spec.Name)}
	}
	if err != nil {
		return nil, s.serr("load object", oid, err)
	}
	return a, nil
}

func (s *Session) loadObject(ctx context.Context, oid Oid) (a *Adapter, err error) {
	if a = s.mgr.GetAdapterFor(oid); a != nil {
		if a.IsDestroyed() {
			return nil, ErrVetoed
		}
		return a, nil
	}

	err = s.within(ctx, false, func(ctx context.Context) error {
		// recheck under lock
		if a = s.mgr.GetAdapterFor(oid); a != nil {
			return nil
		}

		data, err := s.store.Load(ctx, oid.Root())
		if err != nil {
			return err
		}
		dec := NewDecoder(s.mgr)
		_, err = dec.Decode(data)
		if err != nil {
			return err
		}
		s.queueLoaded(dec, nil)

		a = s.mgr.GetAdapterFor(oid)
		if a == nil {
			return &NoObjectError{oid}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// queueLoaded queues Loading/Loaded callbacks for adapters filled by dec.
//
// Loading of except was already queued.
// must be called with s.mu held.
func (s *Session) queueLoaded(dec *Decoder, except *Adapter) {
	for _, a := range dec.Loaded() {
		obj := a.Object()
		if a != except {
			if cb, ok := obj.(LoadingCallback); ok {
				s.queue(cb.Loading)
			}
		}
		if cb, ok := obj.(LoadedCallback); ok {
			s.queue(cb.Loaded)
		}
	}
}

// ResolveImmediately loads data of ghost adapter a.
//
// It is noop if a cannot change to Resolving, e.g. if it is already resolved.
// On failure a goes back to Ghost.
func (s *Session) ResolveImmediately(ctx context.Context, a *Adapter) error {
	if !a.State().CanChangeTo(Resolving) {
		return nil
	}

	err := s.within(ctx, false, func(ctx context.Context) error {
		if !a.tryChangeState(Resolving) {
			return nil // raced
		}
		if cb, ok := a.Object().(LoadingCallback); ok {
			s.queue(cb.Loading)
		}
		return s.resolve(a, func() (*ObjectData, error) {
			return s.store.Load(ctx, a.Oid())
		})
	})
	return s.serr("resolve", a.Oid(), err)
}

// resolve fills Resolving adapter a with data obtained by load.
// must be called with s.mu held.
func (s *Session) resolve(a *Adapter, load func() (*ObjectData, error)) (err error) {
	defer func() {
		if a.State() == Resolving {
			a.changeState(Ghost)
			if err == nil {
				err = &NoObjectError{a.Oid()}
			}
		}
	}()

	data, err := load()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	dec := NewDecoder(s.mgr)
	_, err = dec.Decode(data)
	if err != nil {
		return err
	}
	s.queueLoaded(dec, a)
	return nil
}

// ResolveField resolves target of reference association assoc of a.
//
// It is noop for collections and aggregated objects, which are resolved as
// part of their owner, and when the target is nil, transient or already
// resolved.
func (s *Session) ResolveField(ctx context.Context, a *Adapter, assoc *Association) error {
	if !assoc.IsReference() {
		return nil
	}
	v := a.Get(assoc.ID)
	obj, ok := v.(Object)
	if !ok || isNil(obj) {
		return nil
	}
	target := s.mgr.GetAdapterForObject(obj)
	if target == nil || target.IsTransient() || !target.State().CanChangeTo(Resolving) {
		return nil
	}
	if a.IsTransient() {
		return s.ResolveImmediately(ctx, target)
	}

	err := s.within(ctx, false, func(ctx context.Context) error {
		if !target.tryChangeState(Resolving) {
			return nil
		}
		if cb, ok := target.Object().(LoadingCallback); ok {
			s.queue(cb.Loading)
		}
		return s.resolve(target, func() (*ObjectData, error) {
			return s.store.LoadField(ctx, a.Oid(), assoc.ID)
		})
	})
	return s.serr("resolve field", a.Oid().String()+"."+assoc.ID, err)
}

// ---- modification ----

// MakePersistent schedules transient adapter a to be stored on commit.
//
// Objects to be stored together with a are decided by session's
// PersistAlgorithm. After successful commit the adapters are remapped to
// persistent oids assigned by the store. Making persistent an already
// persistent object is noop.
func (s *Session) MakePersistent(ctx context.Context, a *Adapter) error {
	switch {
	case a.IsDestroyed():
		return s.serr("make persistent", a.Oid(), ErrVetoed)
	case a.IsPersistent(), a.IsAggregated():
		return nil
	}

	oid := a.Oid() // a is remapped on commit
	err := s.within(ctx, true, func(ctx context.Context) error {
		return s.persist.MakePersistent(a, sessionScheduler{s})
	})
	if err != nil {
		return s.serr("make persistent", oid, err)
	}
	return nil
}

// sessionScheduler is PersistScheduler view of session.
// it is used with s.mu held.
type sessionScheduler struct {
	s *Session
}

func (ss sessionScheduler) AdapterFor(obj Object) (*Adapter, error) { return ss.s.AdapterFor(obj) }
func (ss sessionScheduler) Specs() *SpecificationLoader          { return ss.s.mgr.specs }

func (ss sessionScheduler) Schedule(a *Adapter) bool {
	s := ss.s
	if _, already := s.pendOf[a]; already {
		return false
	}
	s.enqueue(CmdPersist, a)
	return true
}

// enqueue stages command kind for a.
// must be called with s.mu held.
func (s *Session) enqueue(kind CmdKind, a *Adapter) {
	p := &pending{kind: kind, a: a}
	s.pending = append(s.pending, p)
	s.pendOf[a] = p
	s.markDirty(a.spec.Name)
}

// markDirty invalidates query cache for class spec.
// must be called with s.mu held.
func (s *Session) markDirty(spec string) {
	s.dirtyGen[spec]++
	delete(s.qcache, spec)
}

// ObjectChanged tells the session that object of adapter a was changed.
//
// Changes of transient objects are only reported to update notifier.
// Changes of immutable objects are ignored. For other objects the change is
// staged to be stored on commit, a goes to Updating state, and the change is
// reported to update notifier. Several changes of one object in a
// transaction result in one store update.
func (s *Session) ObjectChanged(ctx context.Context, a *Adapter) error {
	switch state := a.State(); {
	case state.IsTransient():
		s.notifyChanged(a)
		return nil
	case a.spec.Immutable || a.IsAggregated():
		// changes of aggregated objects are captured by their root
		return s.objectChangedRoot(ctx, a)
	case state != Resolved && state != Updating:
		return nil
	}

	err := s.within(ctx, true, func(ctx context.Context) error {
		if _, already := s.pendOf[a]; already {
			return nil
		}
		if !a.tryChangeState(Updating) {
			return nil
		}
		if cb, ok := a.Object().(UpdatingCallback); ok {
			s.queue(cb.Updating)
		}
		s.enqueue(CmdUpdate, a)
		s.queue(func() { s.notifyChanged(a) })
		return nil
	})
	return s.serr("object changed", a.Oid(), err)
}

// objectChangedRoot handles changes of immutable and aggregated objects.
func (s *Session) objectChangedRoot(ctx context.Context, a *Adapter) error {
	if a.spec.Immutable || !a.IsAggregated() {
		return nil
	}
	root := s.mgr.GetAdapterFor(a.Oid().Root())
	if root == nil {
		return nil
	}
	return s.ObjectChanged(ctx, root)
}

func (s *Session) notifyChanged(a *Adapter) {
	if s.notifier != nil {
		s.notifier.AddChangedObject(a)
	}
}

func (s *Session) notifyDisposed(a *Adapter) {
	if s.notifier != nil {
		s.notifier.AddDisposedObject(a)
	}
}

// DestroyObject deletes object of adapter a.
//
// Transient objects are destroyed immediately. For persistent objects the
// deletion is staged to be performed on commit, after which a becomes
// Destroyed. Destroyed adapters are evicted from the identity map when the
// transaction completes.
func (s *Session) DestroyObject(ctx context.Context, a *Adapter) error {
	if a.IsDestroyed() {
		return nil
	}
	if a.IsAggregated() {
		return s.serr("destroy", a.Oid(), errors.New("aggregated object is destroyed with its parent"))
	}

	if a.IsTransient() {
		s.mu.Lock()
		if p := s.pendOf[a]; p != nil {
			s.unqueue(p)
		}
		s.mu.Unlock()

		if cb, ok := a.Object().(RemovingCallback); ok {
			cb.Removing()
		}
		s.mgr.markDestroyed(a)
		for _, child := range s.mgr.aggregatedInto(a.Oid()) {
			s.mgr.markDestroyed(child)
		}
		if cb, ok := a.Object().(RemovedCallback); ok {
			cb.Removed()
		}
		s.notifyDisposed(a)
		return nil
	}

	err := s.within(ctx, true, func(ctx context.Context) error {
		p := s.pendOf[a]
		if p != nil && p.kind == CmdDestroy {
			return nil
		}
		if cb, ok := a.Object().(RemovingCallback); ok {
			s.queue(cb.Removing)
		}
		if p != nil {
			p.kind = CmdDestroy // supersedes update
			s.markDirty(a.spec.Name)
		} else {
			s.enqueue(CmdDestroy, a)
		}
		return nil
	})
	return s.serr("destroy", a.Oid(), err)
}

// unqueue removes staged command p.
// must be called with s.mu held.
func (s *Session) unqueue(p *pending) {
	delete(s.pendOf, p.a)
	for i, p2 := range s.pending {
		if p2 == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// ---- queries ----

// GetInstances returns adapters of objects matching query q.
//
// Built-in queries are answered from session query cache if the cache has
// an entry that was not invalidated by changes. Otherwise the query is
// evaluated by the store and, for built-in queries, the cache is refreshed
// once the transaction commits.
func (s *Session) GetInstances(ctx context.Context, q Query) (_ []*Adapter, err error) {
	spec := q.QuerySpec()
	defer func() {
		err = s.serr("get instances", spec, err)
	}()

	qd, err := EncodePersistenceQuery(q)
	if err != nil {
		return nil, err
	}

	if adapterv, ok := s.cachedInstances(q); ok {
		return adapterv, nil
	}

	var adapterv []*Adapter
	err = s.within(ctx, false, func(ctx context.Context) error {
		gen := s.dirtyGen[spec.Name]
		datav, err := s.store.FindInstances(ctx, qd)
		if err != nil {
			return err
		}
		dec := NewDecoder(s.mgr)
		for _, data := range datav {
			a, err := dec.Decode(data)
			if err != nil {
				return err
			}
			adapterv = append(adapterv, a)
		}
		s.queueLoaded(dec, nil)

		if q.IsBuiltin() && !s.noQCache {
			cached := append([]*Adapter(nil), adapterv...)
			transaction.Current(ctx).OnSuccess(func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.dirtyGen[spec.Name] == gen && !s.closed {
					s.qcache[spec.Name] = &queryCacheEntry{gen: gen, adapterv: cached}
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adapterv, nil
}

// cachedInstances answers built-in query q from query cache, if possible.
func (s *Session) cachedInstances(q Query) ([]*Adapter, bool) {
	if !q.IsBuiltin() || s.noQCache {
		return nil, false
	}
	name := q.QuerySpec().Name

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.qcache[name]
	if entry == nil || entry.gen != s.dirtyGen[name] {
		return nil, false
	}
	adapterv := make([]*Adapter, 0, len(entry.adapterv))
	for _, a := range entry.adapterv {
		if !a.IsDestroyed() {
			adapterv = append(adapterv, a)
		}
	}
	return adapterv, true
}

// HasInstances returns whether there are objects of class spec in the store.
func (s *Session) HasInstances(ctx context.Context, spec *Specification) (bool, error) {
	if spec == nil {
		return false, s.serr("has instances", spec, fmt.Errorf("query without class"))
	}
	if adapterv, ok := s.cachedInstances(&FindAll{spec}); ok {
		return len(adapterv) != 0, nil
	}

	var has bool
	err := s.within(ctx, false, func(ctx context.Context) (err error) {
		has, err = s.store.HasInstances(ctx, spec.Name)
		return err
	})
	if err != nil {
		return false, s.serr("has instances", spec, err)
	}
	return has, nil
}

// ---- services ----

// GetOidForService returns oid of service name.
//
// Service oids are cached by the session.
func (s *Session) GetOidForService(ctx context.Context, name string) (Oid, bool, error) {
	s.mu.Lock()
	oid, ok := s.services[name]
	s.mu.Unlock()
	if ok {
		return oid, true, nil
	}

	err := s.within(ctx, false, func(ctx context.Context) (err error) {
		oid, ok, err = s.store.OidForService(ctx, name)
		if err == nil && ok {
			s.services[name] = oid
		}
		return err
	})
	if err != nil {
		return Oid{}, false, s.serr("oid for service", name, err)
	}
	return oid, ok, nil
}

// RegisterService registers oid of service name.
//
// The registration is performed by the store immediately, not at commit.
func (s *Session) RegisterService(ctx context.Context, name string, oid Oid) error {
	if oid.Transient || !oid.Valid() {
		return s.serr("register service", name, fmt.Errorf("invalid oid %s", oid))
	}
	err := s.within(ctx, false, func(ctx context.Context) error {
		err := s.store.RegisterService(ctx, name, oid)
		if err == nil {
			s.services[name] = oid
		}
		return err
	})
	return s.serr("register service", name, err)
}

// ---- invalidation & close ----

// Invalidate makes resolved adapters of oidv ghosts, dropping their in-RAM state.
//
// Adapters with staged changes are left intact.
func (s *Session) Invalidate(oidv ...Oid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, oid := range oidv {
		a := s.mgr.GetAdapterFor(oid)
		if a == nil || a.State() != Resolved {
			continue
		}
		if _, staged := s.pendOf[a]; staged {
			continue
		}
		a.invalidate()
	}
}

// Close releases the session.
//
// The session must not be in use by a transaction.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.txn != nil {
		return s.serr("close", nil, errors.New("session is in use by a transaction"))
	}
	s.closed = true
	s.mgr.Clear()
	s.qcache = nil
	s.services = nil
	return nil
}

// ---- transaction.DataManager ----

// Abort implements transaction.DataManager.
func (s *Session) Abort(txn transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollback(context.Background())
}

// TPCBegin implements transaction.DataManager.
func (s *Session) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// Commit implements transaction.DataManager.
//
// It encodes staged changes and stages them into a new store transaction.
func (s *Session) Commit(ctx context.Context, txn transaction.Transaction) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer task.Runningf(&ctx, "session %s: commit", s.id)(&err)

	if len(s.pending) == 0 {
		return nil
	}

	enc := NewEncoder(s.mgr)
	var cmdv []*Command
	for _, p := range s.pending {
		a := p.a
		switch p.kind {
		case CmdPersist:
			if enc.Visited(a) {
				continue // already embedded into another object
			}
			fallthrough
		case CmdUpdate:
			data, err := enc.EncodeObject(a)
			if err != nil {
				return err
			}
			cmdv = append(cmdv, &Command{Kind: p.kind, Oid: data.Oid, Version: data.Version, Data: data})
		case CmdDestroy:
			cmdv = append(cmdv, &Command{Kind: CmdDestroy, Oid: a.Oid(), Version: a.Version()})
		}
	}

	stxn, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	for _, cmd := range cmdv {
		err = stxn.Store(ctx, cmd)
		if err != nil {
			stxn.Abort(ctx)
			return err
		}
	}
	s.stxn = stxn
	return nil
}

// TPCVote implements transaction.DataManager.
func (s *Session) TPCVote(ctx context.Context, txn transaction.Transaction) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stxn == nil {
		return nil
	}
	defer xerr.Contextf(&err, "session %s: vote", s.id)
	s.result, err = s.stxn.Vote(ctx)
	return err
}

// TPCFinish implements transaction.DataManager.
//
// It makes the changes durable in the store and applies the commit outcome
// to adapters: new objects are remapped to their persistent oids, versions
// are updated, changed objects become Resolved, deleted objects become
// Destroyed.
func (s *Session) TPCFinish(ctx context.Context, txn transaction.Transaction) (err error) {
	var callv []func()
	defer func() {
		for _, call := range callv {
			call()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stxn != nil {
		err = s.stxn.Finish(ctx)
		if err != nil {
			// nothing was stored: no remapping and no version stamping
			log.Errorf(ctx, "session %s: finish: %s", s.id, err)
			s.stxn = nil
			s.rollback(ctx)
			return err
		}
	}

	res := s.result
	queue := func(call func()) { callv = append(callv, call) }

	// remap new objects
	for _, as := range res.assigned() {
		a := s.mgr.GetAdapterFor(as.Transient)
		if a == nil {
			continue
		}
		if e := s.mgr.Remap(a, as.Persistent); e != nil {
			err = xerr.First(err, e)
			continue
		}
		a.tryChangeState(Resolved)
		for _, child := range s.mgr.aggregatedInto(as.Persistent) {
			child.tryChangeState(Resolved)
		}
		if cb, ok := a.Object().(PersistedCallback); ok {
			queue(cb.Persisted)
		}
		s.markDirty(a.spec.Name)
	}

	// versions
	for _, st := range res.versions() {
		a := s.mgr.GetAdapterFor(st.Oid)
		if a == nil {
			continue
		}
		a.setVersion(st.Version)
		for _, child := range s.mgr.aggregatedInto(st.Oid) {
			child.setVersion(st.Version)
		}
	}

	for _, p := range s.pending {
		a := p.a
		switch p.kind {
		case CmdUpdate:
			a.tryChangeState(Resolved)
			if cb, ok := a.Object().(UpdatedCallback); ok {
				queue(cb.Updated)
			}
		case CmdDestroy:
			s.mgr.markDestroyed(a)
			for _, child := range s.mgr.aggregatedInto(a.Oid()) {
				s.mgr.markDestroyed(child)
			}
			if cb, ok := a.Object().(RemovedCallback); ok {
				queue(cb.Removed)
			}
			queue(func() { s.notifyDisposed(a) })
		}
		s.markDirty(a.spec.Name)
	}

	s.reset()
	return err
}

// TPCAbort implements transaction.DataManager.
func (s *Session) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollback(ctx)
}

// rollback discards staged changes.
//
// Objects changed in the transaction become ghosts so that their committed
// state is reloaded on next access. This includes changed objects whose
// deletion was staged afterwards. Objects scheduled to become persistent
// stay transient.
// must be called with s.mu held.
func (s *Session) rollback(ctx context.Context) {
	if s.stxn != nil {
		s.stxn.Abort(ctx)
	}
	for _, p := range s.pending {
		if p.a.State() == Updating {
			p.a.invalidate()
		}
		s.markDirty(p.a.spec.Name)
	}
	s.reset()
}

// reset forgets staged changes and 2PC state.
// must be called with s.mu held.
func (s *Session) reset() {
	s.pending = nil
	s.pendOf = make(map[*Adapter]*pending)
	s.stxn = nil
	s.result = nil
}

func (r *CommitResult) assigned() []Assignment {
	if r == nil {
		return nil
	}
	return r.Assigned
}

func (r *CommitResult) versions() []Stamp {
	if r == nil {
		return nil
	}
	return r.Versions
}

// ---- transaction.Synchronizer ----

// BeforeCompletion implements transaction.Synchronizer.
func (s *Session) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// AfterCompletion implements transaction.Synchronizer.
//
// It unbinds the session from the transaction, evicts destroyed adapters
// from the identity map and applies cache control.
func (s *Session) AfterCompletion(txn transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn != txn {
		return
	}
	s.txn = nil
	s.joined = false
	s.mgr.Collect()

	if s.cache != nil {
		s.mgr.ForEach(func(a *Adapter) {
			if a.State() == Resolved && s.cache.WantEvict(a) {
				a.invalidate()
			}
		})
	}
}
