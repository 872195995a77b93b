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
// value codecs.

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	pickle "github.com/kisielk/og-rek"
)

// ValueCodec encodes values of value associations to opaque strings and back.
type ValueCodec interface {
	Encode(v interface{}) (string, error)
	Decode(s string) (interface{}, error)
}

// ValueCodecFuncs is ValueCodec implemented by a pair of functions.
type ValueCodecFuncs struct {
	EncodeFunc func(v interface{}) (string, error)
	DecodeFunc func(s string) (interface{}, error)
}

func (c ValueCodecFuncs) Encode(v interface{}) (string, error) { return c.EncodeFunc(v) }
func (c ValueCodecFuncs) Decode(s string) (interface{}, error) { return c.DecodeFunc(s) }

var (
	codecMu sync.RWMutex

	// name -> codec
	codecTab = map[string]ValueCodec{
		"string": stringCodec,
		"int":    intCodec,
		"float":  floatCodec,
		"bool":   boolCodec,
		"time":   timeCodec,
		"bytes":  bytesCodec,
		"pickle": pickleCodec,
	}
)

// RegisterValueCodec registers codec under name.
//
// Must be called from global init().
func RegisterValueCodec(name string, codec ValueCodec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if _, already := codecTab[name]; already {
		panic(fmt.Errorf("value codec %q already registered", name))
	}
	codecTab[name] = codec
}

// LookupValueCodec returns codec registered under name, or nil.
func LookupValueCodec(name string) ValueCodec {
	codecMu.RLock()
	defer codecMu.RUnlock()
	return codecTab[name]
}

func wrongType(what string, v interface{}) error {
	return fmt.Errorf("%s: unsupported value type %T", what, v)
}

var stringCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		switch v := v.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return "", wrongType("string", v)
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return s, nil
	},
}

var intCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(rv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(rv.Uint(), 10), nil
		}
		return "", wrongType("int", v)
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return strconv.ParseInt(s, 10, 64)
	},
}

var floatCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		switch v := v.(type) {
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
		}
		return "", wrongType("float", v)
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return strconv.ParseFloat(s, 64)
	},
}

var boolCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		b, ok := v.(bool)
		if !ok {
			return "", wrongType("bool", v)
		}
		return strconv.FormatBool(b), nil
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return strconv.ParseBool(s)
	},
}

var timeCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		t, ok := v.(time.Time)
		if !ok {
			return "", wrongType("time", v)
		}
		return t.Format(time.RFC3339Nano), nil
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return time.Parse(time.RFC3339Nano, s)
	},
}

var bytesCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		b, ok := v.([]byte)
		if !ok {
			return "", wrongType("bytes", v)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	},
	DecodeFunc: func(s string) (interface{}, error) {
		return base64.StdEncoding.DecodeString(s)
	},
}

// pickle handles arbitrary values compatible with Python pickles:
// numbers, strings, lists, tuples, dicts, None, ...
var pickleCodec = ValueCodecFuncs{
	EncodeFunc: func(v interface{}) (string, error) {
		buf := &bytes.Buffer{}
		err := pickle.NewEncoder(buf).Encode(v)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
	},
	DecodeFunc: func(s string) (interface{}, error) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return pickle.NewDecoder(bytes.NewReader(data)).Decode()
	},
}
