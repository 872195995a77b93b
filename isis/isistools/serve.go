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
// Serve - export an object store over the network

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/isis/go/internal/log"
	"lab.nexedi.com/kirr/isis/go/isis"
	"lab.nexedi.com/kirr/isis/go/isis/storage/remote"
)

// Serve exports stor to clients connecting to l until ctx is canceled.
//
// If debug, HTTP requests on l are answered with debug information about
// the server. See remote.Server.Handler for details.
func Serve(ctx context.Context, l net.Listener, stor isis.ObjectStore, debug bool) error {
	srv := remote.NewServer(stor)
	log.Infof(ctx, "serving %s on %s", stor.URL(), l.Addr())
	if debug {
		return srv.ServeWithDebug(ctx, l)
	}
	return srv.Serve(ctx, l)
}

// ----------------------------------------

const serveSummary = "export an object store over the network"

func serveUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: isis serve [OPTIONS] <bind> <store>
Export an object store over the network.

<bind> is the address to listen on, e.g. localhost:4040.
<store> is an URL (see 'isis help url') of the object store to export.

Clients access the exported store via isis://<bind> URL.

Options:

    -ro         export the store read-only
    -debug      answer HTTP requests on <bind> with /debug/ pages
    -h --help   this help text.
`)
}

func serveMain(argv []string) {
	readOnly := false
	debug := false

	flags := flag.FlagSet{Usage: func() { serveUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&readOnly, "ro", readOnly, "export read-only")
	flags.BoolVar(&debug, "debug", debug, "serve debug HTTP")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 2 {
		flags.Usage()
		prog.Exit(2)
	}
	bind, storURL := argv[0], argv[1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stor, err := isis.OpenStore(ctx, storURL, &isis.OpenOptions{ReadOnly: readOnly})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	l, err := net.Listen("tcp", bind)
	if err != nil {
		prog.Fatal(err)
	}

	err = Serve(ctx, l, stor, debug)
	log.Flush()
	if err != nil {
		prog.Fatal(err)
	}
}
