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
// object encoder/decoder.

import (
	"fmt"
	"strings"
)

// Encoder encodes adapters into ObjectData.
//
// One Encoder represents one encoding pass: an object already encoded in the
// pass is emitted as identity-only when it is met again, so that shared and
// cyclic references are encoded once.
type Encoder struct {
	mgr     *AdapterManager
	visited map[*Adapter]bool
}

// NewEncoder creates encoder for adapters managed by mgr.
func NewEncoder(mgr *AdapterManager) *Encoder {
	return &Encoder{mgr: mgr, visited: make(map[*Adapter]bool)}
}

// Visited returns whether a was already encoded in the pass.
func (e *Encoder) Visited(a *Adapter) bool {
	return e.visited[a]
}

// EncodeIdentityData encodes only identity of a.
func (e *Encoder) EncodeIdentityData(a *Adapter) *IdentityData {
	return &IdentityData{Oid: a.Oid()}
}

// EncodeObject encodes a together with its data.
//
// Value fields are encoded with their association's ValueCodec. Aggregated
// objects are embedded. Referenced objects are embedded only if they are
// transient and were not yet encoded in the pass, otherwise only their
// identity is emitted. Referenced objects that are not yet adapted are
// adapted as transient.
//
// Ghosts and destroyed objects are encoded as identity-only.
func (e *Encoder) EncodeObject(a *Adapter) (*ObjectData, error) {
	a.mu.Lock()
	oid, version, state := a.oid, a.version, a.state
	a.mu.Unlock()

	if e.visited[a] || state.IsGhost() || state == Destroyed || state == Resolving {
		return identityOf(oid, version), nil
	}
	e.visited[a] = true

	end, _ := a.beginSerializing()
	defer end()

	data := &ObjectData{
		Oid:      oid,
		Version:  version,
		Resolved: true,
		Fields:   make(map[string]*FieldData, len(a.spec.Associations)),
	}
	obj := a.object
	for _, assoc := range a.spec.Associations {
		f, err := e.encodeField(a, oid, assoc, obj.GetField(assoc.ID))
		if err != nil {
			return nil, &DecodeError{Oid: oid, Field: assoc.ID, Err: err}
		}
		data.Fields[assoc.ID] = f
	}
	return data, nil
}

func (e *Encoder) encodeField(a *Adapter, oid Oid, assoc *Association, v interface{}) (*FieldData, error) {
	if isNil(v) {
		return &FieldData{Null: true}, nil
	}

	switch assoc.Kind {
	case Value:
		s, err := assoc.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		return &FieldData{Codec: assoc.Codec, Value: s}, nil

	case Reference:
		obj, ok := v.(Object)
		if !ok {
			return nil, fmt.Errorf("reference to non-object %T", v)
		}
		ref, err := e.encodeRef(assoc, obj)
		if err != nil {
			return nil, err
		}
		return &FieldData{Object: ref}, nil

	case Aggregated:
		obj, ok := v.(Object)
		if !ok {
			return nil, fmt.Errorf("aggregation of non-object %T", v)
		}
		child, err := e.childAdapter(oid.Child(assoc.ID), assoc, obj)
		if err != nil {
			return nil, err
		}
		cdata, err := e.EncodeObject(child)
		if err != nil {
			return nil, err
		}
		return &FieldData{Object: cdata}, nil

	case Collection:
		objv, ok := v.([]Object)
		if !ok {
			return nil, fmt.Errorf("collection of %T; want []isis.Object", v)
		}
		elemv := make([]*ObjectData, 0, len(objv))
		for _, obj := range objv {
			ref, err := e.encodeRef(assoc, obj)
			if err != nil {
				return nil, err
			}
			elemv = append(elemv, ref)
		}
		return &FieldData{Elems: elemv}, nil
	}

	panic("unreachable")
}

// encodeRef encodes reference to obj.
func (e *Encoder) encodeRef(assoc *Association, obj Object) (*ObjectData, error) {
	if isNil(obj) {
		return nil, fmt.Errorf("nil object in reference")
	}
	target := e.mgr.GetAdapterForObject(obj)
	if target == nil {
		var err error
		target, err = e.mgr.AdapterForTransient(obj)
		if err != nil {
			return nil, err
		}
	}
	if target.spec.Name != assoc.Type {
		return nil, fmt.Errorf("reference to %s; want %s", target.spec.Name, assoc.Type)
	}
	if target.IsAggregated() {
		return nil, fmt.Errorf("reference to aggregated object %s", target.Oid())
	}

	if target.IsTransient() && !e.visited[target] {
		return e.EncodeObject(target)
	}
	return identityOf(target.Oid(), target.Version()), nil
}

// childAdapter returns adapter of object obj aggregated under oid.
func (e *Encoder) childAdapter(oid Oid, assoc *Association, obj Object) (*Adapter, error) {
	child := e.mgr.GetAdapterForObject(obj)
	if child == nil {
		var err error
		child, err = e.mgr.RecreateAdapterFor(oid, obj)
		if err != nil {
			return nil, err
		}
		// newly attached to persistent parent: its data is what we have in RAM
		if child.State() == Ghost {
			child.changeState(Resolved)
		}
	}
	if child.Oid() != oid {
		return nil, fmt.Errorf("aggregated object already has identity %s", child.Oid())
	}
	if child.spec.Name != assoc.Type {
		return nil, fmt.Errorf("aggregated %s; want %s", child.spec.Name, assoc.Type)
	}
	return child, nil
}

// ---- decoder ----

// Decoder turns ObjectData into adapters registered in an identity map.
//
// One Decoder represents one decoding pass: an oid met several times in the
// pass is decoded into one adapter, so cyclic and shared references are
// reconstructed with one adapter per object. Adapters already present in the
// identity map are reused.
type Decoder struct {
	mgr     *AdapterManager
	visited map[Oid]*Adapter
	created []*Adapter // adapters registered by the pass
	loaded  []*Adapter // adapters whose data was filled by the pass
}

// NewDecoder creates decoder that registers adapters in mgr.
func NewDecoder(mgr *AdapterManager) *Decoder {
	return &Decoder{mgr: mgr, visited: make(map[Oid]*Adapter)}
}

// Loaded returns adapters whose data was set by the decoding pass, in the
// order their data was set.
func (d *Decoder) Loaded() []*Adapter {
	return d.loaded
}

// Decode decodes object data into adapter.
//
// Ghost adapters, and adapters being resolved, receive the data and become
// Resolved. Resolved adapters receive the data only if it is of newer version.
// Adapters with uncommitted changes are never overwritten.
//
// On error nothing registered by this call is left in the identity map.
func (d *Decoder) Decode(data *ObjectData) (_ *Adapter, err error) {
	ncreated, nloaded := len(d.created), len(d.loaded)
	defer func() {
		if err == nil {
			return
		}
		for _, a := range d.created[ncreated:] {
			d.mgr.Unmap(a)
			delete(d.visited, a.Oid())
		}
		d.created = d.created[:ncreated]
		d.loaded = d.loaded[:nloaded]
	}()

	if data == nil {
		return nil, &DecodeError{Err: fmt.Errorf("no data")}
	}
	spec, err := d.specForOid(data.Oid)
	if err != nil {
		return nil, &DecodeError{Oid: data.Oid, Err: err}
	}
	return d.decode(data, spec, false)
}

// DecodeIdentity returns adapter for identity-only data.
//
// New adapters are created as ghosts.
func (d *Decoder) DecodeIdentity(id *IdentityData) (*Adapter, error) {
	return d.Decode(identityOf(id.Oid, 0))
}

// specForOid finds class of the object identified by oid.
//
// For aggregated oids the aggregation path is walked through associations
// starting from the root class.
func (d *Decoder) specForOid(oid Oid) (*Specification, error) {
	if !oid.Valid() {
		return nil, fmt.Errorf("invalid oid")
	}
	specs := d.mgr.specs
	spec := specs.Lookup(oid.Type)
	if spec == nil {
		return nil, fmt.Errorf("unknown class %q", oid.Type)
	}
	if oid.Aggregate == "" {
		return spec, nil
	}
	for _, id := range strings.Split(oid.Aggregate, "/") {
		assoc := spec.Association(id)
		if assoc == nil || !assoc.IsAggregated() {
			return nil, fmt.Errorf("%s: no aggregated association %q", spec.Name, id)
		}
		spec = specs.Lookup(assoc.Type)
		if spec == nil {
			return nil, fmt.Errorf("unknown class %q", assoc.Type)
		}
	}
	return spec, nil
}

// decode serves Decode.
//
// force tells to fill data regardless of versions; it is used for aggregated
// objects whose parent is being filled.
func (d *Decoder) decode(data *ObjectData, spec *Specification, force bool) (*Adapter, error) {
	oid := data.Oid
	if a := d.visited[oid]; a != nil {
		return a, nil
	}

	created := false
	a := d.mgr.GetAdapterFor(oid)
	if a == nil {
		var err error
		a, err = d.mgr.RecreateAdapter(oid, spec)
		if err != nil {
			return nil, err
		}
		d.created = append(d.created, a)
		created = true
	} else if a.spec != spec {
		return nil, &DecodeError{Oid: oid, Err: &IdentityError{oid, fmt.Sprintf("mapped as %s; data is %s", a.spec.Name, spec.Name)}}
	}
	d.visited[oid] = a

	if !data.Resolved {
		return a, nil
	}

	a.mu.Lock()
	state, version := a.state, a.version
	a.mu.Unlock()

	fill := false
	switch state {
	case Ghost, Resolving:
		fill = true
	case Transient:
		fill = created
	case Resolved:
		fill = force || data.Version > version
	}
	if !fill {
		return a, nil
	}

	values := make(map[string]interface{}, len(data.Fields))
	for id, f := range data.Fields {
		assoc := spec.Association(id)
		if assoc == nil {
			return nil, &DecodeError{Oid: oid, Field: id, Err: fmt.Errorf("no such association in %s", spec.Name)}
		}
		v, err := d.decodeField(oid, assoc, f)
		if err != nil {
			return nil, err
		}
		values[id] = v
	}

	obj := a.object
	for _, assoc := range spec.Associations {
		v, ok := values[assoc.ID]
		if !ok {
			continue
		}
		err := obj.SetField(assoc.ID, v)
		if err != nil {
			return nil, &DecodeError{Oid: oid, Field: assoc.ID, Err: err}
		}
	}

	a.mu.Lock()
	a.version = data.Version
	if a.state == Ghost || a.state == Resolving {
		a.changeState_(Resolved)
	}
	a.mu.Unlock()
	d.loaded = append(d.loaded, a)
	return a, nil
}

func (d *Decoder) decodeField(oid Oid, assoc *Association, f *FieldData) (_ interface{}, err error) {
	defer func() {
		if err != nil {
			if _, already := err.(*DecodeError); !already {
				err = &DecodeError{Oid: oid, Field: assoc.ID, Err: err}
			}
		}
	}()

	if f == nil {
		return nil, fmt.Errorf("no field data")
	}
	if f.Null {
		return nil, nil
	}

	switch assoc.Kind {
	case Value:
		if f.Codec != "" && f.Codec != assoc.Codec {
			return nil, fmt.Errorf("encoded with %q; want %q", f.Codec, assoc.Codec)
		}
		return assoc.codec.Decode(f.Value)

	case Reference:
		if f.Object == nil {
			return nil, fmt.Errorf("reference without object")
		}
		return d.decodeRef(assoc, f.Object)

	case Aggregated:
		if f.Object == nil {
			return nil, fmt.Errorf("aggregation without object")
		}
		if want := oid.Child(assoc.ID); f.Object.Oid != want {
			return nil, fmt.Errorf("aggregated object %s; want %s", f.Object.Oid, want)
		}
		spec := d.mgr.specs.Lookup(assoc.Type)
		if spec == nil {
			return nil, fmt.Errorf("unknown class %q", assoc.Type)
		}
		child, err := d.decode(f.Object, spec, true)
		if err != nil {
			return nil, err
		}
		return child.object, nil

	case Collection:
		objv := make([]Object, 0, len(f.Elems))
		for _, elem := range f.Elems {
			obj, err := d.decodeRef(assoc, elem)
			if err != nil {
				return nil, err
			}
			objv = append(objv, obj)
		}
		return objv, nil
	}

	panic("unreachable")
}

func (d *Decoder) decodeRef(assoc *Association, data *ObjectData) (Object, error) {
	if data == nil {
		return nil, fmt.Errorf("nil reference")
	}
	if data.Oid.Type != assoc.Type || data.Oid.IsAggregated() {
		return nil, fmt.Errorf("reference to %s; want %s", data.Oid, assoc.Type)
	}
	spec := d.mgr.specs.Lookup(assoc.Type)
	if spec == nil {
		return nil, fmt.Errorf("unknown class %q", assoc.Type)
	}
	a, err := d.decode(data, spec, false)
	if err != nil {
		return nil, err
	}
	return a.object, nil
}
