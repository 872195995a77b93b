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


package isistools
// registry for all help topics

import "lab.nexedi.com/kirr/go123/prog"

const helpURL = `Almost every isis command works with an object store.
A store is specified by its URL:

- mem://<name>                          in-RAM store, shared by name inside one process
- sqlite:///path/to/file.sqlite         SQLite database
- postgres://user@host/db               PostgreSQL database
- isis://<host>:<port>                  store exported by 'isis serve'

Query parameters common to all stores:

- ro=1          open the store read-only

SQLite store additionally understands

- compress=1    compress object records with zlib
`

const helpOid = `An object is addressed by its oid, which is specified as follows:

	<type>:<T|P>#<key>[~<aggregate>]

for example

	Customer:P#12           - persistent customer with key 12
	Customer:P#12~address   - address aggregated into customer 12

Only persistent oids (P) can be used to address objects in a store.
`

var helpTopics = prog.HelpRegistry{
	{"url", "specifying store URL", helpURL},
	{"oid", "specifying object address", helpOid},
}
