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
// persistence queries.

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// QueryKind is the kind of persistence query.
type QueryKind int

const (
	QueryFindAll       QueryKind = iota // all instances of a class
	QueryFindByPattern                  // instances whose value fields equal the pattern
	QueryFindByExpr                     // instances for which a filter expression is true
)

// Query is a persistence query over instances of one class.
type Query interface {
	QuerySpec() *Specification

	// IsBuiltin tells whether the query can be answered from session
	// query cache.
	IsBuiltin() bool
}

// FindAll queries all instances of a class.
type FindAll struct {
	Spec *Specification
}

// FindByPattern queries instances whose value fields are equal to Fields.
type FindByPattern struct {
	Spec   *Specification
	Fields map[string]interface{} // association id -> value
}

// FindByExpr queries instances for which boolean expression Expr is true.
//
// The expression is evaluated with github.com/expr-lang/expr over object
// fields: value fields are seen as decoded values, references as oid strings,
// collections as lists of oid strings and aggregated objects as nested maps,
// e.g.
//
//	name == "alice" && age >= 18
//	address.city in ["Lille", "Paris"]
type FindByExpr struct {
	Spec *Specification
	Expr string
}

func (q *FindAll) QuerySpec() *Specification       { return q.Spec }
func (q *FindByPattern) QuerySpec() *Specification { return q.Spec }
func (q *FindByExpr) QuerySpec() *Specification    { return q.Spec }

func (q *FindAll) IsBuiltin() bool       { return true }
func (q *FindByPattern) IsBuiltin() bool { return false }
func (q *FindByExpr) IsBuiltin() bool    { return false }

// QueryData is the encoded form of a query.
type QueryData struct {
	Kind    QueryKind
	Spec    string
	Pattern map[string]string // association id -> encoded value
	Expr    string
}

// EncodePersistenceQuery encodes query q for evaluation by a store.
func EncodePersistenceQuery(q Query) (*QueryData, error) {
	spec := q.QuerySpec()
	if spec == nil {
		return nil, fmt.Errorf("query without class")
	}

	switch q := q.(type) {
	case *FindAll:
		return &QueryData{Kind: QueryFindAll, Spec: spec.Name}, nil

	case *FindByPattern:
		qd := &QueryData{Kind: QueryFindByPattern, Spec: spec.Name, Pattern: make(map[string]string, len(q.Fields))}
		for id, v := range q.Fields {
			assoc := spec.Association(id)
			if assoc == nil || !assoc.IsEncodable() {
				return nil, fmt.Errorf("query %s: %q is not a value field", spec.Name, id)
			}
			s, err := assoc.codec.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("query %s: %s: %s", spec.Name, id, err)
			}
			qd.Pattern[id] = s
		}
		return qd, nil

	case *FindByExpr:
		return &QueryData{Kind: QueryFindByExpr, Spec: spec.Name, Expr: q.Expr}, nil
	}

	return nil, fmt.Errorf("query %T: unsupported", q)
}

// QueryMatcher evaluates encoded query against encoded objects.
//
// It is used by stores to answer FindInstances.
type QueryMatcher struct {
	q    *QueryData
	prog *vm.Program
}

// CompileQuery prepares query qd for evaluation.
func CompileQuery(qd *QueryData) (*QueryMatcher, error) {
	m := &QueryMatcher{q: qd}
	if !validName(qd.Spec) {
		return nil, fmt.Errorf("query: invalid class %q", qd.Spec)
	}
	switch qd.Kind {
	case QueryFindAll, QueryFindByPattern:
		// ok
	case QueryFindByExpr:
		prog, err := expr.Compile(qd.Expr,
			expr.Env(map[string]interface{}{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, fmt.Errorf("query %s: %s", qd.Spec, err)
		}
		m.prog = prog
	default:
		return nil, fmt.Errorf("query %s: invalid kind %d", qd.Spec, qd.Kind)
	}
	return m, nil
}

// Spec returns name of the class the query is about.
func (m *QueryMatcher) Spec() string {
	return m.q.Spec
}

// Match returns whether object data satisfies the query.
func (m *QueryMatcher) Match(data *ObjectData) (bool, error) {
	if data.Oid.Type != m.q.Spec || data.Oid.IsAggregated() {
		return false, nil
	}

	switch m.q.Kind {
	case QueryFindAll:
		return true, nil

	case QueryFindByPattern:
		for id, want := range m.q.Pattern {
			f := data.Field(id)
			if f == nil || f.Null || f.Value != want {
				return false, nil
			}
		}
		return true, nil

	case QueryFindByExpr:
		env, err := exprEnv(data)
		if err != nil {
			return false, err
		}
		out, err := expr.Run(m.prog, env)
		if err != nil {
			return false, fmt.Errorf("query %s: %s: %s", m.q.Spec, data.Oid, err)
		}
		ok, _ := out.(bool)
		return ok, nil
	}

	panic("unreachable")
}

// exprEnv returns fields of object data as expression environment.
func exprEnv(data *ObjectData) (map[string]interface{}, error) {
	env := make(map[string]interface{}, len(data.Fields))
	for id, f := range data.Fields {
		switch {
		case f.Null:
			env[id] = nil

		case f.Object != nil:
			if f.Object.Oid.IsAggregated() && f.Object.Resolved {
				sub, err := exprEnv(f.Object)
				if err != nil {
					return nil, err
				}
				env[id] = sub
			} else {
				env[id] = f.Object.Oid.String()
			}

		case f.Codec != "":
			codec := LookupValueCodec(f.Codec)
			if codec == nil {
				env[id] = f.Value
				continue
			}
			v, err := codec.Decode(f.Value)
			if err != nil {
				return nil, &DecodeError{Oid: data.Oid, Field: id, Err: err}
			}
			env[id] = v

		default:
			oidv := make([]interface{}, len(f.Elems))
			for i, e := range f.Elems {
				oidv[i] = e.Oid.String()
			}
			env[id] = oidv
		}
	}
	return env, nil
}
