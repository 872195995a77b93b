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
// store-side preparation of committed batches.

import (
	"fmt"
)

// WriteOp is one record write a store has to perform to commit a batch.
type WriteOp struct {
	Oid    Oid         // persistent oid of the record
	Data   *ObjectData // record data with all references in persistent form; nil for delete
	New    bool        // record must not exist yet
	Delete bool        // record has to be deleted
	Expect uint64      // version record must currently have; 0 = don't check
}

// Stamp sets version of the written data, including its aggregated objects.
func (w *WriteOp) Stamp(version uint64) {
	stampVersion(w.Data, version)
}

// Check verifies that w can be applied over current record of w.Oid.
//
// exists tells whether the record exists and have is its version.
func (w *WriteOp) Check(exists bool, have uint64) error {
	switch {
	case w.New && exists:
		return &ConflictError{Oid: w.Oid, Have: have}
	case !w.New && !exists:
		return &NoObjectError{w.Oid}
	case w.Expect != 0 && w.Expect != have:
		return &ConflictError{Oid: w.Oid, Have: have, Want: w.Expect}
	}
	return nil
}

func stampVersion(d *ObjectData, version uint64) {
	if d == nil {
		return
	}
	d.Version = version
	for _, f := range d.Fields {
		if f.Object != nil && f.Object.Oid.IsAggregated() {
			stampVersion(f.Object, version)
		}
	}
}

// CommitPlan is the result of PrepareCommit.
type CommitPlan struct {
	Writes []*WriteOp
	Result *CommitResult // with Assigned filled; stores add Versions
}

// PrepareCommit turns a batch of commands into record writes.
//
// It assigns persistent oids, obtained with newKey, to every new object of
// the batch: objects of persist commands and transient objects embedded into
// data of other objects. Embedded new objects become records of their own and
// all references to new objects are rewritten to their persistent oids.
// Aggregated objects stay inside their parent record.
//
// An identity-only reference to a transient object which is not stored by
// the batch is an error, since the object would be dangling.
func PrepareCommit(cmdv []*Command, newKey func(typ string) (string, error)) (_ *CommitPlan, err error) {
	p := &commitPrep{
		newKey:   newKey,
		assigned: make(map[Oid]Oid),
		plan:     &CommitPlan{Result: &CommitResult{}},
	}

	// pass 1: assign oids to all new objects
	for _, cmd := range cmdv {
		if cmd.Data != nil && cmd.Data.Oid != cmd.Oid {
			return nil, fmt.Errorf("%s %s: data is for %s", cmd.Kind, cmd.Oid, cmd.Data.Oid)
		}
		switch cmd.Kind {
		case CmdPersist:
			if !cmd.Oid.Transient || cmd.Oid.IsAggregated() {
				return nil, fmt.Errorf("persist %s: not a transient root object", cmd.Oid)
			}
			if cmd.Data == nil || !cmd.Data.Resolved {
				return nil, fmt.Errorf("persist %s: no data", cmd.Oid)
			}
			err = p.assignTree(cmd.Data)
		case CmdUpdate:
			if cmd.Oid.Transient || cmd.Oid.IsAggregated() {
				return nil, fmt.Errorf("update %s: not a persistent root object", cmd.Oid)
			}
			if cmd.Data == nil || !cmd.Data.Resolved {
				return nil, fmt.Errorf("update %s: no data", cmd.Oid)
			}
			err = p.assignFields(cmd.Data)
		case CmdDestroy:
			if cmd.Oid.Transient || cmd.Oid.IsAggregated() {
				return nil, fmt.Errorf("destroy %s: not a persistent root object", cmd.Oid)
			}
		default:
			err = fmt.Errorf("%s: invalid command %d", cmd.Oid, cmd.Kind)
		}
		if err != nil {
			return nil, err
		}
	}

	// pass 2: flatten into records
	for _, cmd := range cmdv {
		switch cmd.Kind {
		case CmdPersist:
			err = p.flattenNew(cmd.Data)
		case CmdUpdate:
			var data *ObjectData
			data, err = p.flatten(cmd.Data, cmd.Oid)
			if err == nil {
				p.plan.Writes = append(p.plan.Writes, &WriteOp{Oid: cmd.Oid, Data: data, Expect: cmd.Version})
			}
		case CmdDestroy:
			p.plan.Writes = append(p.plan.Writes, &WriteOp{Oid: cmd.Oid, Delete: true, Expect: cmd.Version})
		}
		if err != nil {
			return nil, err
		}
	}

	return p.plan, nil
}

type commitPrep struct {
	newKey   func(typ string) (string, error)
	assigned map[Oid]Oid // transient root -> persistent
	emitted  map[Oid]bool
	plan     *CommitPlan
}

// assignTree assigns persistent oid to new root object data and to new objects it embeds.
func (p *commitPrep) assignTree(data *ObjectData) error {
	if _, dup := p.assigned[data.Oid]; dup {
		return fmt.Errorf("persist %s: object stored twice", data.Oid)
	}
	key, err := p.newKey(data.Oid.Type)
	if err != nil {
		return err
	}
	poid := NewPersistentOid(data.Oid.Type, key)
	p.assigned[data.Oid] = poid
	p.plan.Result.Assigned = append(p.plan.Result.Assigned, Assignment{Transient: data.Oid, Persistent: poid})
	return p.assignFields(data)
}

// assignFields walks fields of data and assigns oids to embedded new objects.
func (p *commitPrep) assignFields(data *ObjectData) error {
	for _, f := range data.Fields {
		err := p.assignRef(f.Object)
		for i := 0; err == nil && i < len(f.Elems); i++ {
			err = p.assignRef(f.Elems[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *commitPrep) assignRef(ref *ObjectData) error {
	switch {
	case ref == nil:
		return nil
	case ref.Oid.IsAggregated():
		return p.assignFields(ref)
	case ref.Oid.Transient && ref.Resolved:
		return p.assignTree(ref)
	}
	return nil
}

// persistentOid returns persistent form of oid.
func (p *commitPrep) persistentOid(oid Oid) (Oid, error) {
	if !oid.Transient {
		return oid, nil
	}
	root, ok := p.assigned[oid.Root()]
	if !ok {
		return Oid{}, fmt.Errorf("reference to %s which is not stored", oid)
	}
	return oid.WithRoot(root), nil
}

// flattenNew emits records for new object data and new objects it embeds.
func (p *commitPrep) flattenNew(data *ObjectData) error {
	poid, err := p.persistentOid(data.Oid)
	if err != nil {
		return err
	}
	if p.emitted == nil {
		p.emitted = make(map[Oid]bool)
	}
	if p.emitted[poid] {
		return nil
	}
	p.emitted[poid] = true

	flat, err := p.flatten(data, poid)
	if err != nil {
		return err
	}
	p.plan.Writes = append(p.plan.Writes, &WriteOp{Oid: poid, Data: flat, New: true})
	return nil
}

// flatten returns copy of data under oid with references in persistent
// form. New objects embedded into data are emitted as records of their own.
func (p *commitPrep) flatten(data *ObjectData, oid Oid) (*ObjectData, error) {
	flat := &ObjectData{Oid: oid, Version: data.Version, Resolved: true}
	if oid != data.Oid {
		flat.Version = 0
	}
	flat.Fields = make(map[string]*FieldData, len(data.Fields))
	for id, f := range data.Fields {
		ff := &FieldData{Null: f.Null, Codec: f.Codec, Value: f.Value}
		if f.Object != nil {
			obj, err := p.flattenRef(f.Object)
			if err != nil {
				return nil, err
			}
			ff.Object = obj
		}
		if f.Elems != nil {
			ff.Elems = make([]*ObjectData, len(f.Elems))
			for i, e := range f.Elems {
				elem, err := p.flattenRef(e)
				if err != nil {
					return nil, err
				}
				ff.Elems[i] = elem
			}
		}
		flat.Fields[id] = ff
	}
	return flat, nil
}

func (p *commitPrep) flattenRef(ref *ObjectData) (*ObjectData, error) {
	poid, err := p.persistentOid(ref.Oid)
	if err != nil {
		return nil, err
	}
	if ref.Oid.IsAggregated() {
		if !ref.Resolved {
			return nil, fmt.Errorf("aggregated %s without data", ref.Oid)
		}
		return p.flatten(ref, poid)
	}
	if ref.Oid.Transient && ref.Resolved {
		err = p.flattenNew(ref)
		if err != nil {
			return nil, err
		}
		return identityOf(poid, 0), nil
	}
	return identityOf(poid, ref.Version), nil
}
