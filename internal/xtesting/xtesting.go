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


// Package xtesting provides infrastructure for testing object stores.
package xtesting

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/isis/go/isis"
)

// FatalIf returns function that fails t if it is called with non-nil error.
//
// Use it like this:
//
//	X := xtesting.FatalIf(t)
//	data, err := store.Load(ctx, oid); X(err)
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		if err != nil {
			t.Helper()
			t.Fatal(err)
		}
	}
}

// NeedEnv skips current test if environment variable name is not set.
//
// It returns value of the variable.
func NeedEnv(t testing.TB, name string) string {
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("skipping: $%s is not set", name)
	}
	return v
}

// ---- building object data ----

// Obj returns resolved object data for oid with fields.
func Obj(oid isis.Oid, fields map[string]*isis.FieldData) *isis.ObjectData {
	if fields == nil {
		fields = map[string]*isis.FieldData{}
	}
	return &isis.ObjectData{Oid: oid, Resolved: true, Fields: fields}
}

// Str returns value field encoded with "string" codec.
func Str(v string) *isis.FieldData {
	return &isis.FieldData{Codec: "string", Value: v}
}

// Int returns value field encoded with "int" codec.
func Int(v string) *isis.FieldData {
	return &isis.FieldData{Codec: "int", Value: v}
}

// Null returns null field.
func Null() *isis.FieldData {
	return &isis.FieldData{Null: true}
}

// Ref returns reference to object identified by oid.
func Ref(oid isis.Oid) *isis.FieldData {
	return &isis.FieldData{Object: &isis.ObjectData{Oid: oid}}
}

// Embed returns field holding full data of referenced or aggregated object.
func Embed(data *isis.ObjectData) *isis.FieldData {
	return &isis.FieldData{Object: data}
}

// Elems returns collection field of references to oidv.
func Elems(oidv ...isis.Oid) *isis.FieldData {
	f := &isis.FieldData{Elems: []*isis.ObjectData{}}
	for _, oid := range oidv {
		f.Elems = append(f.Elems, &isis.ObjectData{Oid: oid})
	}
	return f
}

// Commit commits cmdv to store in one store transaction.
func Commit(ctx context.Context, store isis.ObjectStore, cmdv ...*isis.Command) (_ *isis.CommitResult, err error) {
	defer xerr.Context(&err, "commit")

	stxn, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, cmd := range cmdv {
		err = stxn.Store(ctx, cmd)
		if err != nil {
			stxn.Abort(ctx)
			return nil, err
		}
	}
	res, err := stxn.Vote(ctx)
	if err != nil {
		stxn.Abort(ctx)
		return nil, err
	}
	err = stxn.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Persist returns command to store new object with data.
func Persist(data *isis.ObjectData) *isis.Command {
	return &isis.Command{Kind: isis.CmdPersist, Oid: data.Oid, Data: data}
}

// Update returns command to store changed object data based on version.
func Update(data *isis.ObjectData, version uint64) *isis.Command {
	data.Version = version
	return &isis.Command{Kind: isis.CmdUpdate, Oid: data.Oid, Version: version, Data: data}
}

// Destroy returns command to delete object oid based on version.
func Destroy(oid isis.Oid, version uint64) *isis.Command {
	return &isis.Command{Kind: isis.CmdDestroy, Oid: oid, Version: version}
}

// ---- tests for store drivers ----

// DrvTestStore verifies that a store driver implements isis.ObjectStore semantics.
//
// open must return new empty store every time it is called.
func DrvTestStore(t *testing.T, open func(t *testing.T) isis.ObjectStore) {
	tests := []struct {
		name string
		test func(t *testing.T, store isis.ObjectStore)
	}{
		{"PersistLoad", drvTestPersistLoad},
		{"UpdateConflict", drvTestUpdateConflict},
		{"Destroy", drvTestDestroy},
		{"Abort", drvTestAbort},
		{"Dangling", drvTestDangling},
		{"Query", drvTestQuery},
		{"Services", drvTestServices},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := open(t)
			defer func() {
				err := store.Close()
				if err != nil {
					t.Error(err)
				}
			}()
			tt.test(t, store)
		})
	}
}

var (
	tPerson = isis.NewTransientOid("Person", 1)
	tDept   = isis.NewTransientOid("Dept", 2)
)

// commitPerson stores new person together with embedded new department.
func commitPerson(t *testing.T, store isis.ObjectStore, name string) (person, dept isis.Oid) {
	t.Helper()
	X := FatalIf(t)
	ctx := context.Background()

	data := Obj(tPerson, map[string]*isis.FieldData{
		"name": Str(name),
		"age":  Int("42"),
		"address": Embed(Obj(tPerson.Child("address"), map[string]*isis.FieldData{
			"city": Str("Lille"),
		})),
		"dept":    Embed(Obj(tDept, map[string]*isis.FieldData{"title": Str("R&D")})),
		"friends": Elems(),
		"boss":    Null(),
	})
	res, err := Commit(ctx, store, Persist(data)); X(err)

	person, ok1 := res.AssignedOid(tPerson)
	dept, ok2 := res.AssignedOid(tDept)
	if !(ok1 && ok2) {
		t.Fatalf("commit: assigned: %v", res.Assigned)
	}
	for _, oid := range []isis.Oid{person, dept} {
		if oid.Transient || oid.Key == "" {
			t.Fatalf("commit: assigned invalid oid %s", oid)
		}
		if _, ok := res.VersionOf(oid); !ok {
			t.Fatalf("commit: no version for %s", oid)
		}
	}
	return person, dept
}

func drvTestPersistLoad(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	person, dept := commitPerson(t, store, "alice")

	data, err := store.Load(ctx, person); X(err)
	if data.Oid != person || !data.Resolved || data.Version == 0 {
		t.Fatalf("load %s: got %s v%d resolved=%v", person, data.Oid, data.Version, data.Resolved)
	}
	want := Obj(person, map[string]*isis.FieldData{
		"name": Str("alice"),
		"age":  Int("42"),
		"address": Embed(Obj(person.Child("address"), map[string]*isis.FieldData{
			"city": Str("Lille"),
		})),
		"dept":    {Object: &isis.ObjectData{Oid: dept}},
		"friends": Elems(),
		"boss":    Null(),
	})
	want.Version = data.Version
	want.Fields["address"].Object.Version = data.Version
	// version of references is informational
	if ref := data.Field("dept"); ref != nil && ref.Object != nil {
		want.Fields["dept"].Object.Version = ref.Object.Version
	}
	if diff := pretty.Compare(normalize(want), normalize(data.Clone())); diff != "" {
		t.Fatalf("load %s: diff (-want +have):\n%s", person, diff)
	}

	// aggregated object is loaded from its root record
	addr, err := store.Load(ctx, person.Child("address")); X(err)
	if addr.Oid != person.Child("address") || addr.Field("city") == nil || addr.Field("city").Value != "Lille" {
		t.Fatalf("load aggregated: got %s", pretty.Sprint(addr))
	}
	_, err = store.Load(ctx, person.Child("nothere"))
	if !isis.IsNoObject(err) {
		t.Fatalf("load missing aggregated: err = %v", err)
	}

	// field references
	ddata, err := store.LoadField(ctx, person, "dept"); X(err)
	if ddata == nil || ddata.Oid != dept || ddata.Field("title").Value != "R&D" {
		t.Fatalf("load field dept: got %s", pretty.Sprint(ddata))
	}
	bdata, err := store.LoadField(ctx, person, "boss"); X(err)
	if bdata != nil {
		t.Fatalf("load field boss: got %s; want nil", pretty.Sprint(bdata))
	}

	_, err = store.Load(ctx, isis.NewPersistentOid("Person", "999"))
	if !isis.IsNoObject(err) {
		t.Fatalf("load missing: err = %v", err)
	}
}

// normalize makes empty collections of d nil so that data compares equal
// regardless of how the store serialized them.
func normalize(d *isis.ObjectData) *isis.ObjectData {
	if d == nil {
		return nil
	}
	for _, f := range d.Fields {
		if f.Elems != nil && len(f.Elems) == 0 {
			f.Elems = nil
		}
		normalize(f.Object)
	}
	return d
}

func drvTestUpdateConflict(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	person, _ := commitPerson(t, store, "alice")
	data, err := store.Load(ctx, person); X(err)
	v1 := data.Version

	data.Fields["name"] = Str("bob")
	res, err := Commit(ctx, store, Update(data, v1)); X(err)
	v2, ok := res.VersionOf(person)
	if !ok || v2 <= v1 {
		t.Fatalf("update: version %d -> %d (ok=%v)", v1, v2, ok)
	}

	data, err = store.Load(ctx, person); X(err)
	if data.Version != v2 || data.Field("name").Value != "bob" {
		t.Fatalf("load after update: v%d name=%q", data.Version, data.Field("name").Value)
	}

	// update based on stale version must be rejected and change nothing
	stale := data.Clone()
	stale.Fields["name"] = Str("carol")
	_, err = Commit(ctx, store, Update(stale, v1))
	if !isis.IsConflict(err) {
		t.Fatalf("stale update: err = %v; want conflict", err)
	}
	data, err = store.Load(ctx, person); X(err)
	if data.Version != v2 || data.Field("name").Value != "bob" {
		t.Fatalf("load after conflict: v%d name=%q", data.Version, data.Field("name").Value)
	}
}

func drvTestDestroy(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	person, _ := commitPerson(t, store, "alice")
	data, err := store.Load(ctx, person); X(err)

	_, err = Commit(ctx, store, Destroy(person, data.Version)); X(err)
	_, err = store.Load(ctx, person)
	if !isis.IsNoObject(err) {
		t.Fatalf("load destroyed: err = %v", err)
	}
	has, err := store.HasInstances(ctx, "Person"); X(err)
	if has {
		t.Fatal("has instances after destroy")
	}

	_, err = Commit(ctx, store, Destroy(person, data.Version))
	if !isis.IsNoObject(err) {
		t.Fatalf("destroy twice: err = %v", err)
	}
}

func drvTestAbort(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	// abort after vote
	stxn, err := store.Begin(ctx); X(err)
	err = stxn.Store(ctx, Persist(Obj(tPerson, map[string]*isis.FieldData{"name": Str("x")}))); X(err)
	_, err = stxn.Vote(ctx); X(err)
	stxn.Abort(ctx)

	// abort before vote
	stxn, err = store.Begin(ctx); X(err)
	err = stxn.Store(ctx, Persist(Obj(tPerson, map[string]*isis.FieldData{"name": Str("y")}))); X(err)
	stxn.Abort(ctx)

	has, err := store.HasInstances(ctx, "Person"); X(err)
	if has {
		t.Fatal("has instances after abort")
	}

	// the store must remain usable
	commitPerson(t, store, "alice")
}

func drvTestDangling(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	data := Obj(tPerson, map[string]*isis.FieldData{"dept": Ref(tDept)})
	_, err := Commit(ctx, store, Persist(data))
	if err == nil {
		t.Fatal("commit with dangling reference: no error")
	}

	has, err := store.HasInstances(ctx, "Person"); X(err)
	if has {
		t.Fatal("dangling commit left data")
	}
}

func drvTestQuery(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	alice, _ := commitPerson(t, store, "alice")
	bob, _ := commitPerson(t, store, "bob")

	find := func(qd *isis.QueryData) []isis.Oid {
		t.Helper()
		datav, err := store.FindInstances(ctx, qd); X(err)
		var oidv []isis.Oid
		for _, data := range datav {
			oidv = append(oidv, data.Oid)
		}
		return oidv
	}

	testv := []struct {
		qd   *isis.QueryData
		want []isis.Oid
	}{
		{&isis.QueryData{Kind: isis.QueryFindAll, Spec: "Person"}, []isis.Oid{alice, bob}},
		{&isis.QueryData{Kind: isis.QueryFindAll, Spec: "Nobody"}, nil},
		{&isis.QueryData{Kind: isis.QueryFindByPattern, Spec: "Person",
			Pattern: map[string]string{"name": "bob"}}, []isis.Oid{bob}},
		{&isis.QueryData{Kind: isis.QueryFindByExpr, Spec: "Person",
			Expr: `name == "alice" && address.city == "Lille"`}, []isis.Oid{alice}},
		{&isis.QueryData{Kind: isis.QueryFindByExpr, Spec: "Person",
			Expr: `age > 100`}, nil},
	}
	for _, tt := range testv {
		have := find(tt.qd)
		if !reflect.DeepEqual(have, tt.want) {
			t.Errorf("find %s: have %v; want %v", pretty.Sprint(tt.qd), have, tt.want)
		}
	}

	has, err := store.HasInstances(ctx, "Dept"); X(err)
	if !has {
		t.Error("has instances Dept: false")
	}
	has, err = store.HasInstances(ctx, "Nobody"); X(err)
	if has {
		t.Error("has instances Nobody: true")
	}

	_, err = store.FindInstances(ctx, &isis.QueryData{Kind: isis.QueryFindByExpr, Spec: "Person", Expr: "name =="})
	if err == nil {
		t.Error("find with bad expression: no error")
	}
}

func drvTestServices(t *testing.T, store isis.ObjectStore) {
	X := FatalIf(t)
	ctx := context.Background()

	_, ok, err := store.OidForService(ctx, "clock"); X(err)
	if ok {
		t.Fatal("unregistered service found")
	}

	oid := isis.NewPersistentOid("Clock", "1")
	err = store.RegisterService(ctx, "clock", oid); X(err)
	have, ok, err := store.OidForService(ctx, "clock"); X(err)
	if !ok || have != oid {
		t.Fatalf("service clock: have %s %v; want %s", have, ok, oid)
	}

	oid2 := isis.NewPersistentOid("Clock", "2")
	err = store.RegisterService(ctx, "clock", oid2); X(err)
	have, _, err = store.OidForService(ctx, "clock"); X(err)
	if have != oid2 {
		t.Fatalf("service clock after re-register: have %s; want %s", have, oid2)
	}
}
