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
// adapter manager = identity map.

import (
	"fmt"
	"reflect"
	"sync"
)

// AdapterManager is the identity map of a session.
//
// It maps Oid <-> adapter <-> in-RAM object and guarantees that there is at
// most one adapter per Oid and per in-RAM object.
//
// Adapters that become Destroyed are kept in the map, so that lookups report
// them as destroyed, until Collect evicts them. Session calls Collect at the
// end of every transaction.
//
// AdapterManager is safe to access from multiple goroutines simultaneously.
type AdapterManager struct {
	specs *SpecificationLoader

	mu     sync.RWMutex
	oidMap map[Oid]*Adapter
	objMap map[Object]*Adapter
	serial uint64     // last transient serial
	deadv  []*Adapter // destroyed, to be collected
}

// CacheControl allows applications to influence which adapters are kept
// resolved across transactions.
type CacheControl interface {
	// WantEvict is called at transaction boundary for every resolved
	// adapter. If it returns true the adapter becomes ghost and its
	// in-RAM object state is dropped.
	WantEvict(a *Adapter) bool
}

// NewAdapterManager creates new empty identity map.
//
// specs is used to find out classes of in-RAM objects.
func NewAdapterManager(specs *SpecificationLoader) *AdapterManager {
	if specs == nil {
		specs = DefaultSpecs
	}
	return &AdapterManager{
		specs:  specs,
		oidMap: make(map[Oid]*Adapter),
		objMap: make(map[Object]*Adapter),
	}
}

// Specs returns the specification registry the manager uses.
func (m *AdapterManager) Specs() *SpecificationLoader {
	return m.specs
}

// GetAdapterFor returns adapter registered for oid, or nil.
func (m *AdapterManager) GetAdapterFor(oid Oid) *Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oidMap[oid]
}

// GetAdapterForObject returns adapter of in-RAM object obj, or nil.
func (m *AdapterManager) GetAdapterForObject(obj Object) *Adapter {
	if isNil(obj) {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objMap[obj]
}

// Len returns number of registered adapters.
func (m *AdapterManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.oidMap)
}

// ForEach calls f for every registered adapter.
//
// f is called outside of manager lock and may use the manager.
func (m *AdapterManager) ForEach(f func(a *Adapter)) {
	m.mu.RLock()
	adapterv := make([]*Adapter, 0, len(m.oidMap))
	for _, a := range m.oidMap {
		adapterv = append(adapterv, a)
	}
	m.mu.RUnlock()

	for _, a := range adapterv {
		f(a)
	}
}

// AdapterForTransient returns adapter for freshly instantiated object obj.
//
// If obj is already adapted its adapter is returned. Otherwise obj is
// registered under new transient oid in Transient state.
func (m *AdapterManager) AdapterForTransient(obj Object) (*Adapter, error) {
	if isNil(obj) {
		return nil, fmt.Errorf("adapter for transient: nil object")
	}
	spec, err := m.specs.SpecFor(obj)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.objMap[obj]; a != nil {
		return a, nil
	}
	m.serial++
	a := &Adapter{
		object: obj,
		spec:   spec,
		oid:    NewTransientOid(spec.Name, m.serial),
		state:  Transient,
	}
	m.register(a)
	return a, nil
}

// NewTransient instantiates new object of class spec and registers it as transient.
func (m *AdapterManager) NewTransient(spec *Specification) *Adapter {
	a, err := m.AdapterForTransient(spec.New())
	if err != nil {
		panic(err) // spec.New always creates objects of spec
	}
	return a
}

// RecreateAdapter returns adapter for oid.
//
// If an adapter for oid is already registered, it is returned, provided it is
// of class spec. Otherwise new in-RAM object of class spec is created and
// registered in Ghost state, or in Transient state for transient oid.
func (m *AdapterManager) RecreateAdapter(oid Oid, spec *Specification) (*Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.oidMap[oid]; a != nil {
		if a.spec != spec {
			return nil, &IdentityError{oid, fmt.Sprintf("class mismatch: mapped as %s; requested %s", a.spec.Name, spec.Name)}
		}
		return a, nil
	}

	a := m.newAdapter(oid, spec, spec.New())
	m.register(a)
	return a, nil
}

// RecreateAdapterFor binds in-RAM object obj to oid.
//
// It fails with IdentityError if oid is already mapped to another object, or
// if obj is already mapped under another oid.
func (m *AdapterManager) RecreateAdapterFor(oid Oid, obj Object) (*Adapter, error) {
	if isNil(obj) {
		return nil, &IdentityError{oid, "nil object"}
	}
	spec, err := m.specs.SpecFor(obj)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.oidMap[oid]; a != nil {
		if a.object != obj {
			return nil, &IdentityError{oid, "already mapped to another object"}
		}
		return a, nil
	}
	if a := m.objMap[obj]; a != nil {
		return nil, &IdentityError{oid, fmt.Sprintf("object is already mapped as %s", a.oid)}
	}
	if typ := spec.Name; typ != oid.Type && !oid.IsAggregated() {
		return nil, &IdentityError{oid, fmt.Sprintf("class mismatch: object is %s", typ)}
	}

	a := m.newAdapter(oid, spec, obj)
	m.register(a)
	return a, nil
}

func (m *AdapterManager) newAdapter(oid Oid, spec *Specification, obj Object) *Adapter {
	state := Ghost
	if oid.Transient {
		state = Transient
	}
	return &Adapter{object: obj, spec: spec, oid: oid, state: state}
}

// register puts a into the maps.
// must be called with m.mu held.
func (m *AdapterManager) register(a *Adapter) {
	m.oidMap[a.oid] = a
	m.objMap[a.object] = a
}

// Remap replaces oid under which adapter a is registered with newOid.
//
// It is used after an object was persisted: the adapter and its in-RAM object
// are preserved, while the old oid no longer resolves. Adapters aggregated
// into a are re-keyed under newOid as well.
func (m *AdapterManager) Remap(a *Adapter, newOid Oid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.mu.Lock()
	oldOid := a.oid
	a.mu.Unlock()

	if m.oidMap[oldOid] != a {
		return &IdentityError{oldOid, "remap: adapter is not mapped"}
	}
	if other := m.oidMap[newOid]; other != nil && other != a {
		return &IdentityError{newOid, "remap: already mapped to another object"}
	}

	var childv []*Adapter
	if !oldOid.IsAggregated() {
		for oid, child := range m.oidMap {
			if oid.IsAggregated() && oid.Root() == oldOid {
				childv = append(childv, child)
			}
		}
	}

	m.rekey(a, newOid)
	for _, child := range childv {
		child.mu.Lock()
		childOid := child.oid
		child.mu.Unlock()
		m.rekey(child, childOid.WithRoot(newOid.Root()))
	}
	return nil
}

// rekey moves a to newOid.
// must be called with m.mu held.
func (m *AdapterManager) rekey(a *Adapter, newOid Oid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(m.oidMap, a.oid)
	a.oid = newOid
	m.oidMap[newOid] = a
}

// Unmap removes adapter a from the identity map.
func (m *AdapterManager) Unmap(a *Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmap(a)
}

func (m *AdapterManager) unmap(a *Adapter) {
	oid := a.Oid()
	if m.oidMap[oid] == a {
		delete(m.oidMap, oid)
	}
	if m.objMap[a.object] == a {
		delete(m.objMap, a.object)
	}
}

// markDestroyed moves adapter a into Destroyed state and schedules it for collection.
func (m *AdapterManager) markDestroyed(a *Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.State() == Destroyed {
		return
	}
	a.changeState(Destroyed)
	m.deadv = append(m.deadv, a)
}

// Collect evicts destroyed adapters from the identity map.
//
// It returns how many adapters were evicted.
func (m *AdapterManager) Collect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deadv)
	for _, a := range m.deadv {
		m.unmap(a)
	}
	m.deadv = nil
	return n
}

// Clear removes all adapters from the identity map.
func (m *AdapterManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oidMap = make(map[Oid]*Adapter)
	m.objMap = make(map[Object]*Adapter)
	m.deadv = nil
}

// isNil returns whether obj is nil or a typed nil pointer.
func isNil(obj interface{}) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// aggregatedInto returns adapters of objects aggregated, directly or
// indirectly, into root object identified by oid.
func (m *AdapterManager) aggregatedInto(oid Oid) []*Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var childv []*Adapter
	for coid, child := range m.oidMap {
		if coid.IsAggregated() && coid.Root() == oid {
			childv = append(childv, child)
		}
	}
	return childv
}
