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
// formatting and parsing for basic isis types

import (
	"fmt"
	"strings"
)

// String converts oid to string.
//
// Oid string representation is
//
//	<type>:<T|P>#<key>[~<aggregate>]
//
// e.g.
//
//	Customer:P#123			- persistent customer with key 123
//	Customer:T#7			- transient customer with serial 7
//	Order:P#5~address/line1		- object aggregated into order 5
//
// See also: ParseOid.
func (oid Oid) String() string {
	flag := "P"
	if oid.Transient {
		flag = "T"
	}
	s := oid.Type + ":" + flag + "#" + oid.Key
	if oid.Aggregate != "" {
		s += "~" + oid.Aggregate
	}
	return s
}

// ParseOid parses oid from string.
//
// See also: Oid.String .
func ParseOid(s string) (Oid, error) {
	var oid Oid

	i := strings.IndexByte(s, ':')
	if i < 0 || len(s) < i+3 || s[i+2] != '#' {
		goto Error
	}
	oid.Type = s[:i]
	switch s[i+1] {
	case 'T':
		oid.Transient = true
	case 'P':
		// ok
	default:
		goto Error
	}

	oid.Key = s[i+3:]
	if j := strings.IndexByte(oid.Key, '~'); j >= 0 {
		oid.Aggregate = oid.Key[j+1:]
		oid.Key = oid.Key[:j]
		if oid.Aggregate == "" {
			goto Error
		}
	}

	if !oid.Valid() {
		goto Error
	}
	return oid, nil

Error:
	return Oid{}, fmt.Errorf("oid %q invalid", s)
}

// String returns human-readable name of the state.
func (s ResolveState) String() string {
	switch s {
	case Transient:
		return "transient"
	case Ghost:
		return "ghost"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Updating:
		return "updating"
	case Destroyed:
		return "destroyed"
	case SerializingTransient:
		return "serializing-transient"
	case SerializingGhost:
		return "serializing-ghost"
	case SerializingResolved:
		return "serializing-resolved"
	}
	return fmt.Sprintf("ResolveState(%d)", int(s))
}

// String returns name of the association kind, as used in YAML metamodel files.
func (k AssocKind) String() string {
	switch k {
	case Value:
		return "value"
	case Reference:
		return "reference"
	case Collection:
		return "collection"
	case Aggregated:
		return "aggregated"
	}
	return fmt.Sprintf("AssocKind(%d)", int(k))
}

// parseAssocKind is the inverse of AssocKind.String .
func parseAssocKind(s string) (AssocKind, error) {
	for k := Value; k <= Aggregated; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("association kind %q invalid", s)
}

func (a *Adapter) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("%s (%s)", a.oid, a.state)
}

func (c CmdKind) String() string {
	switch c {
	case CmdPersist:
		return "persist"
	case CmdUpdate:
		return "update"
	case CmdDestroy:
		return "destroy"
	}
	return fmt.Sprintf("CmdKind(%d)", int(c))
}
