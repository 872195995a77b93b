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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePersistenceQuery(t *testing.T) {
	specs := newTestSpecs(t)
	Person := specs.Lookup("Person")

	qd, err := EncodePersistenceQuery(&FindAll{Spec: Person})
	require.NoError(t, err)
	require.Equal(t, &QueryData{Kind: QueryFindAll, Spec: "Person"}, qd)

	qd, err = EncodePersistenceQuery(&FindByPattern{Spec: Person, Fields: map[string]interface{}{
		"name": "alice",
		"age":  30,
	}})
	require.NoError(t, err)
	require.Equal(t, QueryFindByPattern, qd.Kind)
	require.Equal(t, map[string]string{"name": "alice", "age": "30"}, qd.Pattern)

	qd, err = EncodePersistenceQuery(&FindByExpr{Spec: Person, Expr: "age > 3"})
	require.NoError(t, err)
	require.Equal(t, &QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: "age > 3"}, qd)

	for _, q := range []Query{
		&FindAll{},
		&FindByPattern{Spec: Person, Fields: map[string]interface{}{"dept": "x"}},
		&FindByPattern{Spec: Person, Fields: map[string]interface{}{"nosuch": "x"}},
		&FindByPattern{Spec: Person, Fields: map[string]interface{}{"age": "thirty"}},
	} {
		_, err := EncodePersistenceQuery(q)
		require.Error(t, err, "%#v", q)
	}

	require.True(t, (&FindAll{}).IsBuiltin())
	require.False(t, (&FindByPattern{}).IsBuiltin())
	require.False(t, (&FindByExpr{}).IsBuiltin())
}

func queryPeople() []*ObjectData {
	p1 := NewPersistentOid("Person", "1")
	p2 := NewPersistentOid("Person", "2")
	return []*ObjectData{
		{Oid: p1, Resolved: true, Fields: map[string]*FieldData{
			"name": str("alice"),
			"age":  {Codec: "int", Value: "30"},
			"address": {Object: &ObjectData{Oid: p1.Child("address"), Resolved: true, Fields: map[string]*FieldData{
				"city": str("Lille"),
			}}},
			"dept":    {Object: identityOf(NewPersistentOid("Dept", "3"), 0)},
			"friends": {Elems: []*ObjectData{identityOf(p2, 0)}},
		}},
		{Oid: p2, Resolved: true, Fields: map[string]*FieldData{
			"name": str("bob"),
			"age":  {Codec: "int", Value: "17"},
			"address": {Object: &ObjectData{Oid: p2.Child("address"), Resolved: true, Fields: map[string]*FieldData{
				"city": str("Paris"),
			}}},
			"dept":    {Null: true},
			"friends": {Elems: []*ObjectData{}},
		}},
		{Oid: NewPersistentOid("Dept", "3"), Resolved: true, Fields: map[string]*FieldData{
			"name": str("alice"),
		}},
	}
}

func TestQueryMatch(t *testing.T) {
	datav := queryPeople()

	var testv = []struct {
		q    *QueryData
		want []string // names of matching objects
	}{
		{&QueryData{Kind: QueryFindAll, Spec: "Person"}, []string{"alice", "bob"}},
		{&QueryData{Kind: QueryFindAll, Spec: "Dept"}, []string{"alice"}},
		{&QueryData{Kind: QueryFindByPattern, Spec: "Person", Pattern: map[string]string{"name": "bob"}}, []string{"bob"}},
		{&QueryData{Kind: QueryFindByPattern, Spec: "Person", Pattern: map[string]string{"name": "bob", "age": "30"}}, nil},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `age >= 18`}, []string{"alice"}},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `address.city in ["Paris", "Nice"]`}, []string{"bob"}},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `dept == nil`}, []string{"bob"}},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `dept == "Dept:P#3"`}, []string{"alice"}},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `"Person:P#2" in friends`}, []string{"alice"}},
		{&QueryData{Kind: QueryFindByExpr, Spec: "Person", Expr: `name`}, nil},
	}

	for _, tt := range testv {
		m, err := CompileQuery(tt.q)
		require.NoError(t, err, "%+v", tt.q)
		require.Equal(t, tt.q.Spec, m.Spec())

		var got []string
		for _, data := range datav {
			ok, err := m.Match(data)
			require.NoError(t, err, "%+v", tt.q)
			if ok {
				got = append(got, data.Fields["name"].Value)
			}
		}
		require.Equal(t, tt.want, got, "%+v", tt.q)
	}

	// aggregated objects are never query results
	m, err := CompileQuery(&QueryData{Kind: QueryFindAll, Spec: "Person"})
	require.NoError(t, err)
	ok, err := m.Match(datav[0].Fields["address"].Object)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileQueryErrors(t *testing.T) {
	for _, qd := range []*QueryData{
		{Kind: QueryFindAll, Spec: ""},
		{Kind: QueryFindByExpr, Spec: "Person", Expr: "age >="},
		{Kind: 77, Spec: "Person"},
	} {
		_, err := CompileQuery(qd)
		require.Error(t, err, "%+v", qd)
	}
}
