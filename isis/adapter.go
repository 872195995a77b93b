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
// object adapter.

import (
	"fmt"
	"sync"
)

// Adapter binds an in-RAM domain object to its identity, class and resolve state.
//
// Adapters are created by AdapterManager. Adapter accessors are safe to call
// from multiple goroutines simultaneously. Adapter state is changed only by
// the session owning the adapter.
type Adapter struct {
	mu      sync.Mutex
	object  Object
	spec    *Specification
	oid     Oid
	state   ResolveState
	version uint64 // version of object data in the store; 0 if unknown
}

func (a *Adapter) Object() Object        { return a.object }
func (a *Adapter) Spec() *Specification { return a.spec }

func (a *Adapter) Oid() Oid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.oid
}

func (a *Adapter) State() ResolveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Version returns version of object data as last seen in the store.
func (a *Adapter) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *Adapter) IsTransient() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.oid.Transient
}

func (a *Adapter) IsPersistent() bool {
	return !a.IsTransient()
}

func (a *Adapter) IsDestroyed() bool {
	return a.State() == Destroyed
}

func (a *Adapter) IsAggregated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.oid.IsAggregated()
}

// Get returns value of object's field id.
func (a *Adapter) Get(id string) interface{} {
	return a.object.GetField(id)
}

// Set sets object's field id to v.
//
// Set does not notify the session about the change. Use Session.ObjectChanged for that.
func (a *Adapter) Set(id string, v interface{}) error {
	if a.spec.Association(id) == nil {
		return fmt.Errorf("%s: no association %q", a.spec.Name, id)
	}
	return a.object.SetField(id, v)
}

// changeState changes adapter state to next.
//
// It panics if the transition is illegal.
func (a *Adapter) changeState(next ResolveState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changeState_(next)
}

// changeState_ is like changeState but must be called with a.mu held.
func (a *Adapter) changeState_(next ResolveState) {
	if !a.state.CanChangeTo(next) {
		panic(fmt.Sprintf("isis: %s: illegal state change %s -> %s", a.oid, a.state, next))
	}
	a.state = next
}

// tryChangeState changes adapter state to next if the transition is legal.
func (a *Adapter) tryChangeState(next ResolveState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.CanChangeTo(next) {
		return false
	}
	a.state = next
	return true
}

// beginSerializing switches adapter into serializing variant of its current state.
//
// The returned function switches it back. ok=false is returned if the
// current state has no serializing variant.
func (a *Adapter) beginSerializing() (end func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.state
	ser, ok := from.serializing()
	if !ok {
		return func() {}, false
	}
	a.changeState_(ser)
	return func() { a.changeState(from) }, true
}

func (a *Adapter) setVersion(version uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = version
}

// invalidate drops in-RAM object state and makes the adapter a ghost.
func (a *Adapter) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changeState_(Ghost)
	a.version = 0
	a.object.DropState()
}
