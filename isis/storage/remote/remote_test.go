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

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/isis/go/internal/xtesting"
	"lab.nexedi.com/kirr/isis/go/isis"
	"lab.nexedi.com/kirr/isis/go/isis/storage/mem"
)

// pipeStore connects client to server serving backend over net.Pipe.
//
// done is closed after server finished serving the connection.
func pipeStore(t *testing.T, backend isis.ObjectStore) (client *Store, done chan error) {
	t.Helper()
	ctx := context.Background()
	c1, c2 := net.Pipe()

	srv := NewServer(backend)
	done = make(chan error, 1)
	go func() {
		done <- srv.ServeConn(ctx, c2)
	}()

	client, err := NewStore(ctx, c1, "isis://pipe")
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})
	return client, done
}

func TestStore(t *testing.T) {
	xtesting.DrvTestStore(t, func(t *testing.T) isis.ObjectStore {
		client, _ := pipeStore(t, mem.New(mem.NewDB()))
		return client
	})
}

// errors raised by backend must reach client with their type preserved.
func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)
	client, _ := pipeStore(t, mem.New(mem.NewDB()))

	_, err := client.Load(ctx, isis.NewPersistentOid("Note", "77"))
	require.True(t, isis.IsNoObject(err), "err = %v", err)

	data := xtesting.Obj(isis.NewTransientOid("Note", 1), map[string]*isis.FieldData{
		"text": xtesting.Str("hello"),
	})
	res, err := xtesting.Commit(ctx, client, xtesting.Persist(data)); X(err)
	oid, ok := res.AssignedOid(data.Oid)
	require.True(t, ok)

	stale := xtesting.Obj(oid, map[string]*isis.FieldData{"text": xtesting.Str("bye")})
	_, err = xtesting.Commit(ctx, client, xtesting.Update(stale, 0))
	var conflict *isis.ConflictError
	require.True(t, errors.As(err, &conflict), "err = %v", err)
	require.Equal(t, oid, conflict.Oid)
	require.Equal(t, uint64(1), conflict.Have)

	// read-only backend
	backend, err := isis.OpenStore(ctx, "mem://remote-errors?ro=1", nil); X(err)
	ro, _ := pipeStore(t, backend)
	_, err = xtesting.Commit(ctx, ro, xtesting.Persist(data))
	require.True(t, errors.Is(err, isis.ErrReadOnly), "err = %v", err)
	_, err = ro.Load(ctx, oid)
	require.True(t, isis.IsNoObject(err), "err = %v", err)
}

// a transaction voted but not finished is aborted when its link goes down.
func TestLinkDownAborts(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)
	backend := mem.New(mem.NewDB())
	client, done := pipeStore(t, backend)

	stxn, err := client.Begin(ctx); X(err)
	err = stxn.Store(ctx, xtesting.Persist(xtesting.Obj(isis.NewTransientOid("Note", 1), nil))); X(err)
	_, err = stxn.Vote(ctx); X(err)

	err = client.Close(); X(err)
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not notice link down")
	}

	// backend commit lock must be released by now
	_, err = xtesting.Commit(ctx, backend, xtesting.Persist(xtesting.Obj(isis.NewTransientOid("Note", 1), nil))); X(err)
}

func TestHandshakeBad(t *testing.T) {
	ctx := context.Background()
	c1, c2 := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- NewServer(mem.New(mem.NewDB())).ServeConn(ctx, c2)
	}()

	peer := &link{conn: c1}
	pkb := allocPkb()
	pkb.data = append(pkb.data, "M9"...)
	err := peer.sendPkt(pkb)
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported peer version")
	c1.Close()
}

func TestDebugHTTP(t *testing.T) {
	ctx := context.Background()
	X := xtesting.FatalIf(t)
	backend := mem.New(mem.NewDB())

	data := xtesting.Obj(isis.NewTransientOid("Note", 1), map[string]*isis.FieldData{
		"text": xtesting.Str("hello"),
	})
	res, err := xtesting.Commit(ctx, backend, xtesting.Persist(data)); X(err)
	oid, _ := res.AssignedOid(data.Oid)

	hsrv := httptest.NewServer(NewServer(backend).Handler())
	defer hsrv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(hsrv.URL + path); X(err)
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(resp.Body); X(err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/debug/store")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, backend.URL()+"\n", body)

	code, body = get("/debug/stats")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "links\t0\n")

	code, body = get("/debug/object/" + url.PathEscape(oid.String()))
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "hello")

	code, _ = get("/debug/object/" + url.PathEscape(isis.NewPersistentOid("Note", "99").String()))
	require.Equal(t, http.StatusNotFound, code)

	code, _ = get("/debug/object/zzz")
	require.Equal(t, http.StatusBadRequest, code)
}

// protocol and HTTP share one TCP port.
func TestMatchHello(t *testing.T) {
	for _, tt := range []struct {
		in string
		ok bool
	}{
		{"\x00\x00\x00\x02M1", true},
		{"\x00\x00\x00\x03M12", true},
		{"\x00\x00\x00\x02X1", false},
		{"\x00\x00\x10\x00M1", false},
		{"\x00\x00\x00", false},
		{"GET /debug/stats HTTP/1.1\r\n\r\n", false},
		{"POST / HTTP/1.1\r\n\r\n", false},
	} {
		ok := matchHello(bytes.NewReader([]byte(tt.in)))
		if ok != tt.ok {
			t.Errorf("matchHello(%q) = %v;  want %v", tt.in, ok, tt.ok)
		}
	}
}

func TestServeWithDebug(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	X := xtesting.FatalIf(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0"); X(err)
	srv := NewServer(mem.New(mem.NewDB()))
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeWithDebug(ctx, ln)
	}()

	addr := ln.Addr().String()
	client, err := Dial(ctx, addr); X(err)
	require.Equal(t, "isis://"+addr, client.URL())

	data := xtesting.Obj(isis.NewTransientOid("Note", 1), nil)
	res, err := xtesting.Commit(ctx, client, xtesting.Persist(data)); X(err)
	oid, _ := res.AssignedOid(data.Oid)
	_, err = client.Load(ctx, oid); X(err)

	resp, err := http.Get("http://" + addr + "/debug/stats"); X(err)
	body, err := ioutil.ReadAll(resp.Body); X(err)
	resp.Body.Close()
	require.True(t, strings.Contains(string(body), "commits\t1\n"), "stats:\n%s", body)

	// via URL
	s, err := isis.OpenStore(ctx, "isis://"+addr, nil); X(err)
	_, err = s.Load(ctx, oid); X(err)
	err = s.Close(); X(err)

	err = client.Close(); X(err)
	cancel()
	select {
	case err = <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}
