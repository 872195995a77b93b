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


// Package wks links-in well-known isis store drivers.
//
// The only purpose of this package is so that users could import it
//
//	import _ "lab.nexedi.com/kirr/isis/go/isis/wks"
//
// and this way automatically link in support for mem://, sqlite://,
// postgres:// and isis:// stores.
package wks

import (
	_ "lab.nexedi.com/kirr/isis/go/isis/storage/mem"
	_ "lab.nexedi.com/kirr/isis/go/isis/storage/pg"
	_ "lab.nexedi.com/kirr/isis/go/isis/storage/remote"
	_ "lab.nexedi.com/kirr/isis/go/isis/storage/sqlite"
)
