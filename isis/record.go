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
// helpers for store implementations.

import (
	"context"
	"fmt"
	"strings"
)

// RecordLoader loads record of root object oid.
//
// It returns *NoObjectError if there is no such record.
type RecordLoader func(ctx context.Context, oid Oid) (*ObjectData, error)

// Aggregated returns data of object oid aggregated, directly or
// indirectly, into d. nil is returned if there is no such object.
func (d *ObjectData) Aggregated(oid Oid) *ObjectData {
	if d == nil || oid.Root() != d.Oid.Root() {
		return nil
	}
	cur := d
	if oid.Aggregate == cur.Oid.Aggregate {
		return cur
	}
	rel := oid.Aggregate
	if cur.Oid.Aggregate != "" {
		if !strings.HasPrefix(rel, cur.Oid.Aggregate+"/") {
			return nil
		}
		rel = rel[len(cur.Oid.Aggregate)+1:]
	}
	for _, id := range strings.Split(rel, "/") {
		f := cur.Field(id)
		if f == nil || f.Object == nil || !f.Object.Resolved || !f.Object.Oid.IsAggregated() {
			return nil
		}
		cur = f.Object
	}
	return cur
}

// LoadRecordObject implements ObjectStore.Load on top of load.
//
// Data of aggregated objects is extracted from their root record.
func LoadRecordObject(ctx context.Context, load RecordLoader, oid Oid) (*ObjectData, error) {
	if oid.Transient || !oid.Valid() {
		return nil, fmt.Errorf("load %s: not a persistent oid", oid)
	}
	root, err := load(ctx, oid.Root())
	if err != nil {
		return nil, err
	}
	if !oid.IsAggregated() {
		return root, nil
	}
	data := root.Aggregated(oid)
	if data == nil {
		return nil, &NoObjectError{oid}
	}
	return data, nil
}

// LoadRecordField implements ObjectStore.LoadField on top of load.
func LoadRecordField(ctx context.Context, load RecordLoader, oid Oid, field string) (*ObjectData, error) {
	data, err := LoadRecordObject(ctx, load, oid)
	if err != nil {
		return nil, err
	}
	f := data.Field(field)
	switch {
	case f == nil:
		return nil, fmt.Errorf("%s: no field %q", oid, field)
	case f.Null:
		return nil, nil
	case f.Object == nil || f.Object.Oid.IsAggregated():
		return nil, fmt.Errorf("%s: field %q is not a reference", oid, field)
	}
	return load(ctx, f.Object.Oid)
}
