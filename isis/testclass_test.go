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
// domain classes used by tests

import (
	"fmt"
	"reflect"
	"testing"
)

type person struct {
	name    string
	age     int64
	address Object
	dept    Object
	friends []Object
}

func (p *person) GetField(id string) interface{} {
	switch id {
	case "name":
		return p.name
	case "age":
		return p.age
	case "address":
		return p.address
	case "dept":
		return p.dept
	case "friends":
		return p.friends
	}
	return nil
}

func (p *person) SetField(id string, v interface{}) error {
	switch id {
	case "name":
		p.name, _ = v.(string)
	case "age":
		p.age, _ = v.(int64)
	case "address":
		p.address, _ = v.(Object)
	case "dept":
		p.dept, _ = v.(Object)
	case "friends":
		p.friends, _ = v.([]Object)
	default:
		return fmt.Errorf("person: no field %q", id)
	}
	return nil
}

func (p *person) DropState() { *p = person{} }

type address struct {
	city string
}

func (a *address) GetField(id string) interface{} {
	if id == "city" {
		return a.city
	}
	return nil
}

func (a *address) SetField(id string, v interface{}) error {
	if id != "city" {
		return fmt.Errorf("address: no field %q", id)
	}
	a.city, _ = v.(string)
	return nil
}

func (a *address) DropState() { *a = address{} }

type dept struct {
	name string
	head Object
}

func (d *dept) GetField(id string) interface{} {
	switch id {
	case "name":
		return d.name
	case "head":
		return d.head
	}
	return nil
}

func (d *dept) SetField(id string, v interface{}) error {
	switch id {
	case "name":
		d.name, _ = v.(string)
	case "head":
		d.head, _ = v.(Object)
	default:
		return fmt.Errorf("dept: no field %q", id)
	}
	return nil
}

func (d *dept) DropState() { *d = dept{} }

// fatalIf returns function that fails t on non-nil error.
func fatalIf(t testing.TB) func(error) {
	return func(err error) {
		if err != nil {
			t.Helper()
			t.Fatal(err)
		}
	}
}

// newTestSpecs returns registry with Person, Address and Dept classes.
func newTestSpecs(t testing.TB) *SpecificationLoader {
	X := fatalIf(t)
	specs := NewSpecificationLoader()
	X(specs.Register(&Specification{Name: "Person", Associations: []*Association{
		{ID: "name", Kind: Value},
		{ID: "age", Kind: Value, Codec: "int"},
		{ID: "address", Kind: Aggregated, Type: "Address"},
		{ID: "dept", Kind: Reference, Type: "Dept"},
		{ID: "friends", Kind: Collection, Type: "Person"},
	}}, reflect.TypeOf(person{})))
	X(specs.Register(&Specification{Name: "Address", Associations: []*Association{
		{ID: "city", Kind: Value},
	}}, reflect.TypeOf(address{})))
	X(specs.Register(&Specification{Name: "Dept", Associations: []*Association{
		{ID: "name", Kind: Value},
		{ID: "head", Kind: Reference, Type: "Person"},
	}}, reflect.TypeOf(dept{})))
	return specs
}
