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
)

func TestOidString(t *testing.T) {
	var testv = []struct {
		oid Oid
		str string
	}{
		{NewPersistentOid("Customer", "123"), "Customer:P#123"},
		{NewTransientOid("Customer", 7), "Customer:T#7"},
		{NewPersistentOid("Order", "5").Child("address").Child("line1"), "Order:P#5~address/line1"},
		{NewTransientOid("Order", 1).Child("address"), "Order:T#1~address"},
		{NewPersistentOid("Note", "a:b#c"), "Note:P#a:b#c"},
	}

	for _, tt := range testv {
		s := tt.oid.String()
		if s != tt.str {
			t.Errorf("%#v: str = %q  ; want %q", tt.oid, s, tt.str)
		}

		oid, err := ParseOid(tt.str)
		if err != nil {
			t.Errorf("parse %q: %s", tt.str, err)
			continue
		}
		if oid != tt.oid {
			t.Errorf("parse %q: got %#v  ; want %#v", tt.str, oid, tt.oid)
		}
	}
}

func TestParseOidInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"Customer",
		"Customer:",
		"Customer:P",
		"Customer:P#",
		"Customer:X#1",
		"Customer:P1",
		":P#1",
		"Customer:P#1~",
		"Customer:P#1~a//b",
		"Cus tomer:P#1",
	} {
		oid, err := ParseOid(s)
		if err == nil {
			t.Errorf("parse %q: no error; got %s", s, oid)
		}
	}
}

func TestOidAggregation(t *testing.T) {
	root := NewPersistentOid("Order", "5")
	a := root.Child("address")
	line := a.Child("line1")

	if root.IsAggregated() || !a.IsAggregated() || !line.IsAggregated() {
		t.Fatal("IsAggregated wrong")
	}
	if line.Parent() != a || a.Parent() != root || root.Parent() != (Oid{}) {
		t.Fatalf("Parent wrong: %s %s %s", line.Parent(), a.Parent(), root.Parent())
	}
	if line.Root() != root || a.Root() != root {
		t.Fatal("Root wrong")
	}
	if line.AggregatedID() != "line1" || a.AggregatedID() != "address" {
		t.Fatalf("AggregatedID wrong: %q %q", line.AggregatedID(), a.AggregatedID())
	}

	// transient and persistent oids with the same key differ
	if NewTransientOid("Order", 5) == NewPersistentOid("Order", "5") {
		t.Fatal("transient == persistent")
	}

	rebased := NewTransientOid("Order", 1).Child("address").WithRoot(root)
	if rebased != a {
		t.Fatalf("WithRoot: got %s  ; want %s", rebased, a)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Child with invalid id did not panic")
			}
		}()
		root.Child("a/b")
	}()
}
