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
// metamodel: specifications of domain classes.

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Object is the interface that every in-RAM domain object implements.
//
// Objects must be pointers. Field values exchanged via GetField/SetField are:
//
//	- for value associations: Go values understood by the association's
//	  ValueCodec (string, int64, float64, bool, time.Time, []byte, ...);
//	- for reference and aggregated associations: Object, or nil;
//	- for collection associations: []Object.
type Object interface {
	// GetField should return value of object's field id.
	GetField(id string) interface{}

	// SetField should set object's field id to v.
	SetField(id string, v interface{}) error

	// DropState should discard in-RAM object state.
	DropState()
}

// Lifecycle callbacks that domain objects can optionally implement.
//
// Callbacks are invoked by Session, once per event, on the side where the
// session runs, regardless of whether the session works over a local or a
// remote store. Stores never invoke callbacks.
type (
	LoadingCallback    interface{ Loading() }
	LoadedCallback     interface{ Loaded() }
	PersistingCallback interface{ Persisting() }
	PersistedCallback  interface{ Persisted() }
	UpdatingCallback   interface{ Updating() }
	UpdatedCallback    interface{ Updated() }
	RemovingCallback   interface{ Removing() }
	RemovedCallback    interface{ Removed() }
)

// AssocKind tells how an association's value is represented.
type AssocKind int

const (
	Value      AssocKind = iota // scalar encoded as string via ValueCodec
	Reference                   // reference to another independent object
	Collection                  // list of references to independent objects
	Aggregated                  // contained object, lives and dies with its parent
)

// Association describes one field of a domain class.
type Association struct {
	ID    string
	Kind  AssocKind
	Type  string // target specification name for non-value associations
	Codec string // value codec name for value associations

	codec ValueCodec
}

func (a *Association) IsEncodable() bool  { return a.Kind == Value }
func (a *Association) IsReference() bool  { return a.Kind == Reference }
func (a *Association) IsCollection() bool { return a.Kind == Collection }
func (a *Association) IsAggregated() bool { return a.Kind == Aggregated }

// ValueCodec returns codec used to encode values of the association.
//
// It returns nil for non-value associations.
func (a *Association) ValueCodec() ValueCodec {
	return a.codec
}

// Specification describes a domain class.
type Specification struct {
	Name         string
	Associations []*Association
	Immutable    bool // objects of immutable classes are never updated
	Service      bool // singleton domain service

	typ   reflect.Type // Go type; nil -> objects are *Record
	assoc map[string]*Association
}

func (spec *Specification) String() string {
	return spec.Name
}

// Association returns association with specified id, or nil.
func (spec *Specification) Association(id string) *Association {
	return spec.assoc[id]
}

// GoType returns Go type registered for the specification.
//
// nil is returned if objects of this class are represented as *Record.
func (spec *Specification) GoType() reflect.Type {
	return spec.typ
}

// New creates new in-RAM object of the class.
func (spec *Specification) New() Object {
	if spec.typ == nil {
		return spec.newRecord()
	}
	return reflect.New(spec.typ).Interface().(Object)
}

// init verifies the specification and builds its indices.
func (spec *Specification) init() error {
	if !validName(spec.Name) {
		return fmt.Errorf("invalid class name %q", spec.Name)
	}
	spec.assoc = make(map[string]*Association, len(spec.Associations))
	for _, a := range spec.Associations {
		if !validName(a.ID) {
			return fmt.Errorf("%s: invalid association id %q", spec.Name, a.ID)
		}
		if _, dup := spec.assoc[a.ID]; dup {
			return fmt.Errorf("%s: duplicate association %q", spec.Name, a.ID)
		}
		switch a.Kind {
		case Value:
			if a.Codec == "" {
				a.Codec = "string"
			}
			a.codec = LookupValueCodec(a.Codec)
			if a.codec == nil {
				return fmt.Errorf("%s.%s: unknown value codec %q", spec.Name, a.ID, a.Codec)
			}
		case Reference, Collection, Aggregated:
			if !validName(a.Type) {
				return fmt.Errorf("%s.%s: %s without target class", spec.Name, a.ID, a.Kind)
			}
		default:
			return fmt.Errorf("%s.%s: invalid kind %d", spec.Name, a.ID, a.Kind)
		}
		spec.assoc[a.ID] = a
	}
	return nil
}

// ---- class substitution ----

// SubstKind is the kind of class substitution decision.
type SubstKind int

const (
	Passthrough SubstKind = iota // use the type as is
	Replace                      // use Substitution.Type instead
	Ignore                       // the type is not a domain class
)

// Substitution is the decision of a Substitutor.
type Substitution struct {
	Kind SubstKind
	Type reflect.Type // for Replace
}

// Substitutor decides how a Go type maps to a domain class.
//
// It returns ok=false if it has no opinion about typ. Substitutors are
// consulted in order and the first one with an opinion wins.
type Substitutor func(typ reflect.Type) (subst Substitution, ok bool)

// ReplaceType returns substitutor which maps from to to.
//
// Typical use is to map a wrapper or proxy type to the class it stands for.
func ReplaceType(from, to reflect.Type) Substitutor {
	return func(typ reflect.Type) (Substitution, bool) {
		if typ != from {
			return Substitution{}, false
		}
		return Substitution{Kind: Replace, Type: to}, true
	}
}

// IgnoreTypes returns substitutor which tells that typv are not domain classes.
func IgnoreTypes(typv ...reflect.Type) Substitutor {
	return func(typ reflect.Type) (Substitution, bool) {
		for _, t := range typv {
			if typ == t {
				return Substitution{Kind: Ignore}, true
			}
		}
		return Substitution{}, false
	}
}

// ---- specification loader ----

// SpecificationLoader is the registry of domain class specifications.
//
// It is safe to use SpecificationLoader from multiple goroutines simultaneously.
type SpecificationLoader struct {
	mu     sync.RWMutex
	byName map[string]*Specification
	byType map[reflect.Type]*Specification
	substv []Substitutor
}

// NewSpecificationLoader creates new empty specification registry.
func NewSpecificationLoader() *SpecificationLoader {
	return &SpecificationLoader{
		byName: make(map[string]*Specification),
		byType: make(map[reflect.Type]*Specification),
	}
}

// DefaultSpecs is the registry used when no other registry is specified.
var DefaultSpecs = NewSpecificationLoader()

var rObject = reflect.TypeOf((*Object)(nil)).Elem()

// Register registers class spec to be represented by Go type typ.
//
// *typ must implement Object. If typ is nil, objects of the class are
// represented as *Record.
func (l *SpecificationLoader) Register(spec *Specification, typ reflect.Type) (err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "register class")
		}
	}()

	if typ != nil {
		if typ.Kind() == reflect.Ptr {
			return fmt.Errorf("%s: %s: register struct type, not pointer", spec.Name, typ)
		}
		if !reflect.PtrTo(typ).Implements(rObject) {
			return fmt.Errorf("%s: *%s does not implement isis.Object", spec.Name, typ)
		}
	}
	err = spec.init()
	if err != nil {
		return err
	}
	spec.typ = typ

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byName[spec.Name]; dup {
		return fmt.Errorf("%s: already registered", spec.Name)
	}
	if typ != nil {
		if other, dup := l.byType[typ]; dup {
			return fmt.Errorf("%s: %s already registered for %s", spec.Name, typ, other.Name)
		}
		l.byType[typ] = spec
	}
	l.byName[spec.Name] = spec
	return nil
}

// AddSubstitutor appends s to the class substitution chain.
func (l *SpecificationLoader) AddSubstitutor(s Substitutor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.substv = append(l.substv, s)
}

// Lookup returns specification registered under name, or nil.
func (l *SpecificationLoader) Lookup(name string) *Specification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byName[name]
}

// All returns all registered specifications ordered by name.
func (l *SpecificationLoader) All() []*Specification {
	l.mu.RLock()
	specv := make([]*Specification, 0, len(l.byName))
	for _, spec := range l.byName {
		specv = append(specv, spec)
	}
	l.mu.RUnlock()

	sort.Slice(specv, func(i, j int) bool {
		return specv[i].Name < specv[j].Name
	})
	return specv
}

// SpecFor returns specification of an in-RAM object.
//
// The object's Go type is first passed through the substitution chain.
func (l *SpecificationLoader) SpecFor(obj Object) (*Specification, error) {
	if r, ok := obj.(*Record); ok {
		return r.spec, nil
	}

	typ := reflect.TypeOf(obj)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%T: domain objects must be pointers", obj)
	}
	typ = typ.Elem()

	l.mu.RLock()
	defer l.mu.RUnlock()

loop:
	for _, subst := range l.substv {
		s, ok := subst(typ)
		if !ok {
			continue
		}
		switch s.Kind {
		case Ignore:
			return nil, fmt.Errorf("%s: not a domain class", typ)
		case Replace:
			typ = s.Type
		}
		break loop
	}

	spec := l.byType[typ]
	if spec == nil {
		return nil, fmt.Errorf("%s: class not registered", typ)
	}
	return spec, nil
}

// RegisterClass registers class spec in DefaultSpecs to be represented by Go type typ.
//
// Must be called from global init().
func RegisterClass(spec *Specification, typ reflect.Type) {
	err := DefaultSpecs.Register(spec, typ)
	if err != nil {
		panic(err)
	}
}

// ---- Record ----

// Record is the in-RAM representation of objects whose class has no
// registered Go type.
//
// It keeps field values in a map and accepts only fields declared by the
// class specification.
type Record struct {
	spec   *Specification
	fields map[string]interface{}
}

// NewRecord creates new empty record of class spec.
func NewRecord(spec *Specification) *Record {
	return spec.newRecord()
}

func (spec *Specification) newRecord() *Record {
	return &Record{spec: spec, fields: make(map[string]interface{})}
}

// Spec returns the class of the record.
func (r *Record) Spec() *Specification { return r.spec }

func (r *Record) GetField(id string) interface{} {
	return r.fields[id]
}

func (r *Record) SetField(id string, v interface{}) error {
	if r.spec.Association(id) == nil {
		return fmt.Errorf("%s: no association %q", r.spec.Name, id)
	}
	if v == nil {
		delete(r.fields, id)
	} else {
		r.fields[id] = v
	}
	return nil
}

func (r *Record) DropState() {
	r.fields = make(map[string]interface{})
}
