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


// Package remote provides access to object store served over network.
//
// Server exports any isis.ObjectStore; client is isis.ObjectStore itself and
// is opened with isis://host:port URL. Clients talk to the server over
// RPC link: msgpack messages framed by be32 length, with client-first
// "M<version>" handshake.
//
// The two-phase commit of store transactions is carried to the server: vote
// stages and applies the commands under server-side store transaction which
// is finished or aborted by subsequent calls. If the link goes down, the
// server aborts transactions of that link that were not finished.
package remote

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"

	"lab.nexedi.com/kirr/isis/go/isis"
)

// Store is client of remote object store.
type Store struct {
	srv   *link
	url   string
	txnID uint64 // last used transaction id
}

var _ isis.ObjectStore = (*Store)(nil)

// NewStore wraps established connection to server as remote store client.
//
// It performs protocol handshake over conn. url is what the store reports via URL.
func NewStore(ctx context.Context, conn net.Conn, url string) (*Store, error) {
	l, err := handshake(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	return &Store{srv: l, url: url}, nil
}

// Dial connects to remote store server at addr.
func Dial(ctx context.Context, addr string) (*Store, error) {
	l, err := dialLink(ctx, xnet.NetPlain("tcp"), addr)
	if err != nil {
		return nil, err
	}
	return &Store{srv: l, url: "isis://" + addr}, nil
}

func (s *Store) URL() string  { return s.url }
func (s *Store) Close() error { return s.srv.Close() }

func (s *Store) Load(ctx context.Context, oid isis.Oid) (*isis.ObjectData, error) {
	var reply dataReply
	err := s.srv.call(ctx, "load", oidReq{Oid: oid}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Data == nil {
		return nil, &isis.NoObjectError{Oid: oid}
	}
	return reply.Data, nil
}

func (s *Store) LoadField(ctx context.Context, oid isis.Oid, field string) (*isis.ObjectData, error) {
	var reply dataReply
	err := s.srv.call(ctx, "loadField", loadFieldReq{Oid: oid, Field: field}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (s *Store) FindInstances(ctx context.Context, q *isis.QueryData) ([]*isis.ObjectData, error) {
	var reply findReply
	err := s.srv.call(ctx, "findInstances", q, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Datav, nil
}

func (s *Store) HasInstances(ctx context.Context, spec string) (bool, error) {
	var reply boolReply
	err := s.srv.call(ctx, "hasInstances", specReq{Spec: spec}, &reply)
	return reply.Ok, err
}

func (s *Store) OidForService(ctx context.Context, name string) (isis.Oid, bool, error) {
	var reply serviceReply
	err := s.srv.call(ctx, "oidForService", serviceReq{Name: name}, &reply)
	if err != nil {
		return isis.Oid{}, false, err
	}
	return reply.Oid, reply.Ok, nil
}

func (s *Store) RegisterService(ctx context.Context, name string, oid isis.Oid) error {
	return s.srv.call(ctx, "registerService", serviceReq{Name: name, Oid: oid}, nil)
}

func (s *Store) Begin(_ context.Context) (isis.StoreTxn, error) {
	return &clientTxn{s: s, id: atomic.AddUint64(&s.txnID, 1)}, nil
}

// clientTxn is transaction of remote store.
//
// Commands are kept locally till vote.
type clientTxn struct {
	s     *Store
	id    uint64
	cmdv  []*isis.Command
	voted bool
}

func (t *clientTxn) Store(_ context.Context, cmd *isis.Command) error {
	if t.voted {
		return fmt.Errorf("store after vote")
	}
	t.cmdv = append(t.cmdv, cmd)
	return nil
}

func (t *clientTxn) Vote(ctx context.Context) (*isis.CommitResult, error) {
	if t.voted {
		return nil, fmt.Errorf("vote twice")
	}
	res := &isis.CommitResult{}
	err := t.s.srv.call(ctx, "vote", voteReq{Txn: t.id, Cmdv: t.cmdv}, res)
	if err != nil {
		return nil, err
	}
	t.voted = true
	return res, nil
}

func (t *clientTxn) Finish(ctx context.Context) (err error) {
	defer xerr.Contextf(&err, "txn %d: finish", t.id)
	if !t.voted {
		return fmt.Errorf("finish without vote")
	}
	t.voted = false
	return t.s.srv.call(ctx, "finish", txnReq{Txn: t.id}, nil)
}

func (t *clientTxn) Abort(ctx context.Context) {
	if t.voted {
		t.voted = false
		// link going down aborts the transaction on server side as well
		t.s.srv.call(context.WithoutCancel(ctx), "abort", txnReq{Txn: t.id}, nil)
	}
	t.cmdv = nil
}

// ---- open by URL ----

func openByURL(ctx context.Context, u *url.URL, opt *isis.OpenOptions) (_ isis.ObjectStore, err error) {
	defer xerr.Contextf(&err, "open %s", u)

	// isis://host:port
	if u.Host == "" {
		return nil, fmt.Errorf("no server address")
	}
	return Dial(ctx, u.Host)
}

func init() {
	isis.RegisterDriver("isis", openByURL)
}
