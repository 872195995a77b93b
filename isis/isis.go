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


// Package isis provides the object identity, resolve-state and persistence
// session core of a naked-objects runtime.
//
// Every in-RAM domain object is wrapped by an Adapter, which binds the object
// to its identity (Oid), its metamodel Specification and its ResolveState.
// Adapters live in an identity map (AdapterManager), which guarantees that,
// inside one Session, there is at most one adapter per persistent Oid.
//
// A Session is opened over an ObjectStore:
//
//	stor, err := isis.OpenStore(ctx, "sqlite:///path/to/db.sqlite", nil)
//	sess, err := isis.Open(ctx, stor, nil)
//
// and all session operations - loading, resolving, persisting, changing,
// destroying and querying objects - run inside transactions (see package
// transaction). Changes are staged in the session and are sent to the store
// by two-phase commit when the transaction commits:
//
//	err = transaction.Within(ctx, func(ctx context.Context) error {
//		a, err := sess.LoadObject(ctx, oid, nil)
//		...
//		sess.ObjectChanged(ctx, a)
//		return nil
//	})
//
// ObjectStore is the backing store contract. It is implemented by local
// stores (e.g. isis/storage/mem, isis/storage/sqlite, isis/storage/pg) and by
// the remote proxy (isis/storage/remote) which talks to a server exporting
// any other store over the network. A Session behaves the same over all of
// them: lifecycle callbacks are invoked exactly once, on the client side, by
// the session; identity remapping after persistence is always driven by the
// assignments the store returns at commit; service oids are always cached by
// the session.
//
// For the remote path objects travel as ObjectData, produced by Encoder and
// turned back into adapters by Decoder.
package isis

import (
	"fmt"
	"strconv"
	"strings"
)

// Oid is object identifier.
//
// Oid is a value: two Oids are equal iff their type, key, transient flag
// and aggregation path are equal. In particular a transient Oid never equals
// a persistent one even with the same key.
//
// An aggregated Oid identifies an object contained in its parent object. Its
// Aggregate is the "/"-separated path of aggregated ids below the root parent
// identified by Type, Key and Transient.
type Oid struct {
	Type      string // specification name of root object
	Key       string // primary key, or serial for transient oids
	Transient bool
	Aggregate string // "" for root objects
}

// NewTransientOid returns transient oid for an object of type typ.
func NewTransientOid(typ string, serial uint64) Oid {
	return Oid{Type: typ, Key: strconv.FormatUint(serial, 10), Transient: true}
}

// NewPersistentOid returns persistent oid for an object of type typ with
// primary key key.
func NewPersistentOid(typ, key string) Oid {
	return Oid{Type: typ, Key: key}
}

// IsZero returns whether oid is zero value.
func (oid Oid) IsZero() bool {
	return oid == Oid{}
}

// Valid returns whether oid is well-formed.
func (oid Oid) Valid() bool {
	if !validName(oid.Type) || !validKey(oid.Key) {
		return false
	}
	if oid.Aggregate != "" {
		for _, id := range strings.Split(oid.Aggregate, "/") {
			if !validName(id) {
				return false
			}
		}
	}
	return true
}

// IsPersistent returns !oid.Transient.
func (oid Oid) IsPersistent() bool {
	return !oid.Transient
}

// IsAggregated returns whether oid identifies an object aggregated into a parent.
func (oid Oid) IsAggregated() bool {
	return oid.Aggregate != ""
}

// Child returns oid of object aggregated into oid's object under id.
func (oid Oid) Child(id string) Oid {
	if !validName(id) {
		panic(fmt.Sprintf("isis: oid %s: invalid aggregated id %q", oid, id))
	}
	child := oid
	if child.Aggregate == "" {
		child.Aggregate = id
	} else {
		child.Aggregate += "/" + id
	}
	return child
}

// Parent returns oid of the object oid is aggregated into.
//
// Zero Oid is returned if oid is not aggregated.
func (oid Oid) Parent() Oid {
	if oid.Aggregate == "" {
		return Oid{}
	}
	parent := oid
	i := strings.LastIndexByte(oid.Aggregate, '/')
	if i < 0 {
		parent.Aggregate = ""
	} else {
		parent.Aggregate = oid.Aggregate[:i]
	}
	return parent
}

// AggregatedID returns the last aggregated id of oid, or "" if oid is not aggregated.
func (oid Oid) AggregatedID() string {
	i := strings.LastIndexByte(oid.Aggregate, '/')
	return oid.Aggregate[i+1:]
}

// Root returns oid of the root object of the aggregation chain.
func (oid Oid) Root() Oid {
	oid.Aggregate = ""
	return oid
}

// WithRoot returns oid rebased onto root, keeping the aggregation path.
func (oid Oid) WithRoot(root Oid) Oid {
	root.Aggregate = oid.Aggregate
	return root
}

// validName returns whether s can be used as type name or aggregated id.
func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, ":#~/ \t\n")
}

// validKey returns whether s can be used as key.
func validKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, "~/ \t\n")
}
