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
// persist algorithms.

// PersistAlgorithm decides which objects are made persistent together with
// an object passed to Session.MakePersistent .
type PersistAlgorithm interface {
	// MakePersistent should schedule transient adapter a, and whatever
	// else it decides, for persistence via sched.
	MakePersistent(a *Adapter, sched PersistScheduler) error
}

// PersistScheduler is the view of a session given to PersistAlgorithm.
type PersistScheduler interface {
	// AdapterFor returns adapter of obj, adapting obj as transient if needed.
	AdapterFor(obj Object) (*Adapter, error)

	// Specs returns class registry of the session.
	Specs() *SpecificationLoader

	// Schedule enqueues a to be stored as new object on commit.
	//
	// It returns false if a was already scheduled.
	Schedule(a *Adapter) bool
}

// ReachabilityPersist is the default PersistAlgorithm.
//
// It makes persistent every transient object reachable from the object being
// made persistent via references and collections, including references held
// by aggregated objects. Persisting callbacks are invoked on every object
// made persistent, and objects are scheduled so that referenced objects come
// before objects referencing them.
type ReachabilityPersist struct{}

func (ReachabilityPersist) MakePersistent(a *Adapter, sched PersistScheduler) error {
	w := &reachWalker{sched: sched, seen: make(map[*Adapter]bool)}
	return w.walk(a)
}

type reachWalker struct {
	sched PersistScheduler
	seen  map[*Adapter]bool
}

func (w *reachWalker) walk(a *Adapter) error {
	if w.seen[a] || !a.IsTransient() || a.IsAggregated() || a.State() != Transient {
		return nil
	}
	w.seen[a] = true

	if cb, ok := a.Object().(PersistingCallback); ok {
		cb.Persisting()
	}
	err := w.walkFields(a.Object(), a.Spec())
	if err != nil {
		return err
	}
	w.sched.Schedule(a)
	return nil
}

func (w *reachWalker) walkFields(obj Object, spec *Specification) error {
	for _, assoc := range spec.Associations {
		v := obj.GetField(assoc.ID)
		if isNil(v) {
			continue
		}

		switch assoc.Kind {
		case Reference:
			if err := w.walkRef(v); err != nil {
				return err
			}

		case Collection:
			objv, _ := v.([]Object)
			for _, elem := range objv {
				if err := w.walkRef(elem); err != nil {
					return err
				}
			}

		case Aggregated:
			child, ok := v.(Object)
			cspec := w.sched.Specs().Lookup(assoc.Type)
			if !ok || cspec == nil {
				continue // reported by encoder
			}
			if err := w.walkFields(child, cspec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *reachWalker) walkRef(v interface{}) error {
	obj, ok := v.(Object)
	if !ok || isNil(obj) {
		return nil // reported by encoder
	}
	target, err := w.sched.AdapterFor(obj)
	if err != nil {
		return err
	}
	return w.walk(target)
}
