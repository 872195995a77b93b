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
// Info - print general information about an object store

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/isis/go/isis"
)

// Info prints general information about an object store.
//
// The store URL is always printed. For every class name in specv the
// number of its instances in the store is printed too.
func Info(ctx context.Context, w io.Writer, stor isis.ObjectStore, specv []string) error {
	fmt.Fprintf(w, "name=%s\n", stor.URL())

	for _, spec := range specv {
		datav, err := stor.FindInstances(ctx, &isis.QueryData{Kind: isis.QueryFindAll, Spec: spec})
		if err != nil {
			return fmt.Errorf("getting %s: %w", spec, err)
		}
		fmt.Fprintf(w, "%s=%d\n", spec, len(datav))
	}
	return nil
}

// ----------------------------------------

const infoSummary = "print general information about an object store"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: isis info [OPTIONS] <store> [class ...]
Print general information about an object store.

<store> is an URL (see 'isis help url') of an object store.

Info prints the store URL. If one or more class names are given as
arguments, info also prints the number of instances of each named class
on its own line.

Options:

    -h  --help      show this help
`)
}

func infoMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { infoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 {
		flags.Usage()
		prog.Exit(2)
	}
	storURL := argv[0]

	ctx := context.Background()

	stor, err := isis.OpenStore(ctx, storURL, &isis.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	err = Info(ctx, os.Stdout, stor, argv[1:])
	if err != nil {
		prog.Fatal(err)
	}
}
