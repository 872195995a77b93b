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
// encoded object data as exchanged with stores.

import (
	"github.com/shamaton/msgpack/v2"
)

// IdentityData names an object without carrying its data.
type IdentityData struct {
	Oid Oid
}

// ObjectData is the encoded form of an object.
//
// If !Resolved, ObjectData carries only identity of the object and Fields is nil.
type ObjectData struct {
	Oid      Oid
	Version  uint64 // version of object in the store; 0 for transient objects
	Resolved bool   // whether Fields are present
	Fields   map[string]*FieldData
}

// FieldData is the encoded value of one association.
//
// Exactly one of Value, Object or Elems is used depending on association kind.
type FieldData struct {
	Null   bool          // field value is nil
	Codec  string        // value codec name, for value fields
	Value  string        // value field encoded with the codec
	Object *ObjectData   // reference or aggregated field
	Elems  []*ObjectData // collection field
}

// Field returns encoded field id, or nil.
func (d *ObjectData) Field(id string) *FieldData {
	if d.Fields == nil {
		return nil
	}
	return d.Fields[id]
}

// Clone returns deep copy of d.
func (d *ObjectData) Clone() *ObjectData {
	if d == nil {
		return nil
	}
	c := *d
	if d.Fields != nil {
		c.Fields = make(map[string]*FieldData, len(d.Fields))
		for id, f := range d.Fields {
			c.Fields[id] = f.Clone()
		}
	}
	return &c
}

// Clone returns deep copy of f.
func (f *FieldData) Clone() *FieldData {
	if f == nil {
		return nil
	}
	c := *f
	c.Object = f.Object.Clone()
	if f.Elems != nil {
		c.Elems = make([]*ObjectData, len(f.Elems))
		for i, e := range f.Elems {
			c.Elems[i] = e.Clone()
		}
	}
	return &c
}

// identityOf returns identity-only encoded form of oid.
func identityOf(oid Oid, version uint64) *ObjectData {
	return &ObjectData{Oid: oid, Version: version}
}

// Marshal serializes object data with msgpack.
func (d *ObjectData) Marshal() ([]byte, error) {
	return msgpack.Marshal(d)
}

// UnmarshalObjectData deserializes object data serialized by ObjectData.Marshal .
func UnmarshalObjectData(data []byte) (*ObjectData, error) {
	d := &ObjectData{}
	err := msgpack.Unmarshal(data, d)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ---- commands ----

// CmdKind is the kind of persistence command.
type CmdKind int

const (
	CmdPersist CmdKind = iota // store new object
	CmdUpdate                 // store changed object
	CmdDestroy                // delete object
)

// Command is one persistence intent staged in a transaction.
type Command struct {
	Kind    CmdKind
	Oid     Oid
	Version uint64      // version the change is based on, for update and destroy
	Data    *ObjectData // full object data for persist and update
}

// Assignment tells which persistent oid a store assigned to a transient object.
type Assignment struct {
	Transient  Oid
	Persistent Oid
}

// Stamp tells version of an object after commit.
type Stamp struct {
	Oid     Oid
	Version uint64
}

// CommitResult is what a store reports when a transaction was voted.
type CommitResult struct {
	Assigned []Assignment // transient -> persistent oids of new objects
	Versions []Stamp      // new versions of stored objects, by persistent oid
}

// AssignedOid returns persistent oid assigned to transient oid.
func (r *CommitResult) AssignedOid(oid Oid) (Oid, bool) {
	if r == nil {
		return Oid{}, false
	}
	for _, as := range r.Assigned {
		if as.Transient == oid {
			return as.Persistent, true
		}
	}
	return Oid{}, false
}

// VersionOf returns committed version of object oid.
func (r *CommitResult) VersionOf(oid Oid) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	for _, st := range r.Versions {
		if st.Oid == oid {
			return st.Version, true
		}
	}
	return 0, false
}
