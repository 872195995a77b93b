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
// loading specifications from YAML metamodel files.

import (
	"os"

	"gopkg.in/yaml.v2"

	"lab.nexedi.com/kirr/go123/xerr"
)

// A metamodel file looks like
//
//	classes:
//	  - name: Customer
//	    fields:
//	      - {id: name,    kind: value, codec: string}
//	      - {id: born,    kind: value, codec: time}
//	      - {id: address, kind: aggregated, type: Address}
//	      - {id: orders,  kind: collection, type: Order}
//	  - name: Address
//	    immutable: true
//	    fields:
//	      - {id: city, kind: value}
type yamlMetamodel struct {
	Classes []yamlClass `yaml:"classes"`
}

type yamlClass struct {
	Name      string      `yaml:"name"`
	Immutable bool        `yaml:"immutable"`
	Service   bool        `yaml:"service"`
	Fields    []yamlField `yaml:"fields"`
}

type yamlField struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Type  string `yaml:"type"`
	Codec string `yaml:"codec"`
}

// LoadYAML parses class specifications from YAML metamodel data.
//
// The returned specifications are not registered anywhere.
func LoadYAML(data []byte) (_ []*Specification, err error) {
	defer xerr.Context(&err, "metamodel")

	var mm yamlMetamodel
	err = yaml.UnmarshalStrict(data, &mm)
	if err != nil {
		return nil, err
	}

	var specv []*Specification
	for _, c := range mm.Classes {
		spec := &Specification{Name: c.Name, Immutable: c.Immutable, Service: c.Service}
		for _, f := range c.Fields {
			kind := Value
			if f.Kind != "" {
				kind, err = parseAssocKind(f.Kind)
				if err != nil {
					return nil, err
				}
			}
			spec.Associations = append(spec.Associations, &Association{
				ID: f.ID, Kind: kind, Type: f.Type, Codec: f.Codec,
			})
		}
		specv = append(specv, spec)
	}
	return specv, nil
}

// LoadSpecifications loads YAML metamodel file and registers its classes.
//
// Classes already registered, for example together with their Go types,
// are left as is. Newly registered classes are represented as *Record.
func (l *SpecificationLoader) LoadSpecifications(path string) (err error) {
	defer xerr.Contextf(&err, "%s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	specv, err := LoadYAML(data)
	if err != nil {
		return err
	}
	for _, spec := range specv {
		if l.Lookup(spec.Name) != nil {
			continue
		}
		err = l.Register(spec, nil)
		if err != nil {
			return err
		}
	}
	return nil
}
