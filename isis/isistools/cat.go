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
// Cat - dump content of a stored object

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kylelemons/godebug/pretty"
	"gopkg.in/yaml.v2"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/isis/go/isis"
)

// Cat formats.
const (
	CatYAML   = "yaml"
	CatPretty = "pretty"
	CatRaw    = "raw"
)

// Cat dumps content of object oid loaded from stor.
//
// format is one of CatYAML, CatPretty or CatRaw. With CatRaw the object is
// printed in its msgpack form as stored in a record.
func Cat(ctx context.Context, w io.Writer, stor isis.ObjectStore, oid isis.Oid, format string) error {
	data, err := stor.Load(ctx, oid)
	if err != nil {
		return err
	}

	var out []byte
	switch format {
	case CatRaw:
		out, err = data.Marshal()
	case CatPretty:
		out = []byte(pretty.Sprint(data) + "\n")
	case CatYAML:
		out, err = yaml.Marshal(yamlObject(data))
	default:
		err = fmt.Errorf("invalid format %q", format)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(out)
	return err
}

// yamlObject converts object data into tree suitable for YAML output.
//
// Oids are represented by their strings and fields are ordered by name.
func yamlObject(data *isis.ObjectData) yaml.MapSlice {
	obj := yaml.MapSlice{
		{Key: "oid", Value: data.Oid.String()},
		{Key: "version", Value: data.Version},
	}
	if !data.Resolved {
		return obj
	}

	idv := make([]string, 0, len(data.Fields))
	for id := range data.Fields {
		idv = append(idv, id)
	}
	sort.Strings(idv)

	fields := yaml.MapSlice{}
	for _, id := range idv {
		f := data.Fields[id]
		var v interface{}
		switch {
		case f.Null:
			v = nil
		case f.Object != nil:
			v = yamlObject(f.Object)
		case f.Codec != "":
			v = yaml.MapSlice{{Key: f.Codec, Value: f.Value}}
		default:
			elemv := make([]string, len(f.Elems))
			for i, e := range f.Elems {
				elemv[i] = e.Oid.String()
			}
			v = elemv
		}
		fields = append(fields, yaml.MapItem{Key: id, Value: v})
	}
	return append(obj, yaml.MapItem{Key: "fields", Value: fields})
}

// ----------------------------------------

const catSummary = "dump content of a stored object"

func catUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: isis cat [OPTIONS] <store> <oid> ...
Dump content of stored objects.

<store> is an URL (see 'isis help url') of an object store.
<oid> is object address (see 'isis help oid').

Options:

    -format F   output format: yaml (default), pretty or raw
    -h --help   this help text.
`)
}

func catMain(argv []string) {
	format := CatYAML

	flags := flag.FlagSet{Usage: func() { catUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&format, "format", format, "output format")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 2 {
		flags.Usage()
		prog.Exit(2)
	}
	storURL := argv[0]

	if format == CatRaw && len(argv) > 2 {
		prog.Fatal("only 1 object allowed with -format=raw")
	}

	oidv := []isis.Oid{}
	for _, arg := range argv[1:] {
		oid, err := isis.ParseOid(arg)
		if err != nil {
			prog.Fatal(err)
		}
		oidv = append(oidv, oid)
	}

	ctx := context.Background()

	stor, err := isis.OpenStore(ctx, storURL, &isis.OpenOptions{ReadOnly: true})
	if err != nil {
		prog.Fatal(err)
	}
	defer stor.Close()

	for i, oid := range oidv {
		if i > 0 && format == CatYAML {
			fmt.Println("---")
		}
		err = Cat(ctx, os.Stdout, stor, oid, format)
		if err != nil {
			prog.Fatal(err)
		}
	}
}
