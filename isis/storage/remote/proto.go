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


package remote
// Protocol for exchanged messages.
//
// Each message is wrapped into packet with be32 header of whole packet size.
// Message is msgpack array (msgid, flags, method, arg) where arg is
// msgpack-encoded request or reply of the method.

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"
	"github.com/tinylib/msgp/msgp"

	"lab.nexedi.com/kirr/isis/go/isis"
)

// msg represents 1 message.
type msg struct {
	msgid  uint64
	flags  msgFlags
	method string
	arg    []byte // msgpack-encoded argument
}

type msgFlags uint8

const (
	msgExcept msgFlags = 1 // exception was raised on remote side
)

// ---- message encode/decode ↔ packet ----

// pktEncode encodes message with argument arg into new packet.
func pktEncode(m msg, arg interface{}) (*pktBuf, error) {
	argb, err := marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %s", m.method, err)
	}

	pkb := allocPkb()
	b := pkb.data
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint64(b, m.msgid)
	b = msgp.AppendUint8(b, uint8(m.flags))
	b = msgp.AppendString(b, m.method)
	b = msgp.AppendBytes(b, argb)
	pkb.data = b
	return pkb, nil
}

// pktDecode decodes raw packet into message.
func pktDecode(pkb *pktBuf) (m msg, err error) {
	b := pkb.Payload()

	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return m, derrf("%s", err)
	}
	if n != 4 {
		return m, derrf("len(msg-array)=%d; expected 4", n)
	}

	m.msgid, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return m, derrf("msgid: %s", err)
	}
	flags, b, err := msgp.ReadUint8Bytes(b)
	if err != nil {
		return m, derrf(".%d: flags: %s", m.msgid, err)
	}
	m.flags = msgFlags(flags)
	m.method, b, err = msgp.ReadStringBytes(b)
	if err != nil {
		return m, derrf(".%d: method: %s", m.msgid, err)
	}
	// copy: packet buffer is reused after decode
	m.arg, b, err = msgp.ReadBytesBytes(b, nil)
	if err != nil {
		return m, derrf(".%d: arg: %s", m.msgid, err)
	}
	if len(b) != 0 {
		return m, derrf(".%d: %d bytes of trailing garbage", m.msgid, len(b))
	}
	return m, nil
}

func derrf(format string, argv ...interface{}) error {
	return fmt.Errorf("decode: "+format, argv...)
}

func marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return msgpack.Unmarshal(data, v)
}

// ---- exceptions ----

// RemoteError represents error raised on remote side.
//
// Well-known errors are transferred with enough details to be turned back
// into corresponding local errors, so that e.g. isis.IsConflict works on
// errors coming from remote store.
type RemoteError struct {
	Kind string // "noobject", "conflict", "readonly", "vetoed" or "error"
	Msg  string
	Oid  isis.Oid
	Have uint64
	Want uint64
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Msg
}

// encodeExcept converts err into RemoteError to be sent to peer.
func encodeExcept(err error) *RemoteError {
	e := &RemoteError{Kind: "error", Msg: err.Error()}

	var eNoObject *isis.NoObjectError
	var eConflict *isis.ConflictError
	switch {
	case errors.As(err, &eNoObject):
		e.Kind, e.Oid = "noobject", eNoObject.Oid
	case errors.As(err, &eConflict):
		e.Kind, e.Oid, e.Have, e.Want = "conflict", eConflict.Oid, eConflict.Have, eConflict.Want
	case errors.Is(err, isis.ErrReadOnly):
		e.Kind = "readonly"
	case errors.Is(err, isis.ErrVetoed):
		e.Kind = "vetoed"
	}
	return e
}

// decodeExcept decodes exception reply into corresponding error.
func decodeExcept(arg []byte) error {
	e := &RemoteError{}
	err := unmarshal(arg, e)
	if err != nil {
		return derrf("exception: %s", err)
	}

	switch e.Kind {
	case "noobject":
		return &isis.NoObjectError{Oid: e.Oid}
	case "conflict":
		return &isis.ConflictError{Oid: e.Oid, Have: e.Have, Want: e.Want}
	case "readonly":
		return errors.Wrap(isis.ErrReadOnly, "remote")
	case "vetoed":
		return errors.Wrap(isis.ErrVetoed, "remote")
	}
	return e
}

// ---- requests & replies ----

type oidReq struct {
	Oid isis.Oid
}

type loadFieldReq struct {
	Oid   isis.Oid
	Field string
}

// dataReply carries possibly nil object data.
type dataReply struct {
	Data *isis.ObjectData
}

type findReply struct {
	Datav []*isis.ObjectData
}

type specReq struct {
	Spec string
}

type boolReply struct {
	Ok bool
}

type serviceReq struct {
	Name string
	Oid  isis.Oid
}

type serviceReply struct {
	Oid isis.Oid
	Ok  bool
}

// voteReq asks server to vote commands of transaction Txn.
type voteReq struct {
	Txn  uint64
	Cmdv []*isis.Command
}

type txnReq struct {
	Txn uint64
}
