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
// resolve-state machine.

// ResolveState describes whether, and how, in-RAM object data corresponds
// to data in the store.
type ResolveState int

const (
	Transient ResolveState = iota // new object, not yet persisted
	Ghost                         // persistent object whose data is not loaded
	Resolving                     // data load is in progress
	Resolved                      // data is loaded
	Updating                      // data is loaded and was changed in current transaction
	Destroyed                     // object was deleted; terminal

	// object is being serialized; after serialization the state goes back
	// to the state the serialization started from.
	SerializingTransient
	SerializingGhost
	SerializingResolved
)

// transitionTab lists legal state transitions.
var transitionTab = map[ResolveState][]ResolveState{
	Transient:            {Resolved, SerializingTransient, Destroyed},
	Ghost:                {Resolving, Resolved, Destroyed, SerializingGhost},
	Resolving:            {Resolved, Ghost},
	Resolved:             {Ghost, Updating, Destroyed, SerializingResolved},
	Updating:             {Resolved, Ghost, Destroyed},
	Destroyed:            {},
	SerializingTransient: {Transient},
	SerializingGhost:     {Ghost},
	SerializingResolved:  {Resolved},
}

// CanChangeTo returns whether transition from s to next is legal.
func (s ResolveState) CanChangeTo(next ResolveState) bool {
	for _, to := range transitionTab[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTransient returns whether s is a state of a not yet persisted object.
func (s ResolveState) IsTransient() bool {
	return s == Transient || s == SerializingTransient
}

// IsGhost returns whether s is a state of an object with unloaded data.
func (s ResolveState) IsGhost() bool {
	return s == Ghost || s == SerializingGhost
}

// IsResolved returns whether s is a state of persistent object with loaded data.
func (s ResolveState) IsResolved() bool {
	return s == Resolved || s == Updating || s == SerializingResolved
}

// IsSerializing returns whether s is one of the serializing states.
func (s ResolveState) IsSerializing() bool {
	return s == SerializingTransient || s == SerializingGhost || s == SerializingResolved
}

// serializing returns the serializing variant of s, if there is one.
func (s ResolveState) serializing() (ResolveState, bool) {
	switch s {
	case Transient:
		return SerializingTransient, true
	case Ghost:
		return SerializingGhost, true
	case Resolved:
		return SerializingResolved, true
	}
	return s, false
}
