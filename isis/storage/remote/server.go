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
// server side

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/kylelemons/godebug/pretty"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/isis/go/internal/log"
	"lab.nexedi.com/kirr/isis/go/internal/task"
	"lab.nexedi.com/kirr/isis/go/isis"
)

// Server serves an object store to remote clients.
type Server struct {
	store isis.ObjectStore

	nlink   int64 // links currently served
	ncall   int64 // calls served so far
	ncommit int64 // transactions finished so far
}

// NewServer creates new server for store.
func NewServer(store isis.ObjectStore) *Server {
	return &Server{store: store}
}

// serverLink is server state associated with one client link.
type serverLink struct {
	srv *Server
	l   *link

	txnMu  sync.Mutex
	txnTab map[uint64]isis.StoreTxn // voted, not yet finished transactions
}

// ServeConn serves one client connection.
//
// It returns when the connection is closed by client, or when ctx is canceled.
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn) (err error) {
	defer task.Runningf(&ctx, "serve %s", conn.RemoteAddr())(&err)

	l, err := handshake(ctx, conn, false)
	if err != nil {
		return err
	}

	atomic.AddInt64(&srv.nlink, 1)
	defer atomic.AddInt64(&srv.nlink, -1)

	sl := &serverLink{srv: srv, l: l, txnTab: make(map[uint64]isis.StoreTxn)}
	defer sl.abortAll(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	return l.serve(sl.serveTab())
}

// abortAll aborts transactions which were voted but not finished.
func (sl *serverLink) abortAll(ctx context.Context) {
	sl.txnMu.Lock()
	txnTab := sl.txnTab
	sl.txnTab = make(map[uint64]isis.StoreTxn)
	sl.txnMu.Unlock()

	for id, stxn := range txnTab {
		log.Warningf(ctx, "txn %d: link down before finish; aborting", id)
		stxn.Abort(context.WithoutCancel(ctx))
	}
}

func (sl *serverLink) serveTab() map[string]handler {
	store := sl.srv.store
	count := func(h handler) handler {
		return func(ctx context.Context, arg []byte) (interface{}, error) {
			atomic.AddInt64(&sl.srv.ncall, 1)
			return h(ctx, arg)
		}
	}

	tab := map[string]handler{
		"load": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req oidReq
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			data, err := store.Load(ctx, req.Oid)
			return dataReply{Data: data}, err
		},

		"loadField": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req loadFieldReq
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			data, err := store.LoadField(ctx, req.Oid, req.Field)
			return dataReply{Data: data}, err
		},

		"findInstances": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req isis.QueryData
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			datav, err := store.FindInstances(ctx, &req)
			return findReply{Datav: datav}, err
		},

		"hasInstances": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req specReq
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			ok, err := store.HasInstances(ctx, req.Spec)
			return boolReply{Ok: ok}, err
		},

		"oidForService": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req serviceReq
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			oid, ok, err := store.OidForService(ctx, req.Name)
			return serviceReply{Oid: oid, Ok: ok}, err
		},

		"registerService": func(ctx context.Context, arg []byte) (interface{}, error) {
			var req serviceReq
			if err := unmarshal(arg, &req); err != nil {
				return nil, err
			}
			return nil, store.RegisterService(ctx, req.Name, req.Oid)
		},

		"vote":   sl.vote,
		"finish": sl.finish,
		"abort":  sl.abort,
	}

	for method, h := range tab {
		tab[method] = count(h)
	}
	return tab
}

func (sl *serverLink) vote(ctx context.Context, arg []byte) (_ interface{}, err error) {
	var req voteReq
	if err := unmarshal(arg, &req); err != nil {
		return nil, err
	}

	sl.txnMu.Lock()
	_, dup := sl.txnTab[req.Txn]
	sl.txnMu.Unlock()
	if dup {
		return nil, fmt.Errorf("txn %d: already voted", req.Txn)
	}

	stxn, err := sl.srv.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			stxn.Abort(ctx)
		}
	}()
	for _, cmd := range req.Cmdv {
		err = stxn.Store(ctx, cmd)
		if err != nil {
			return nil, err
		}
	}
	res, err := stxn.Vote(ctx)
	if err != nil {
		return nil, err
	}

	sl.txnMu.Lock()
	sl.txnTab[req.Txn] = stxn
	sl.txnMu.Unlock()
	return res, nil
}

// takeTxn removes voted transaction id from txnTab and returns it.
func (sl *serverLink) takeTxn(arg []byte) (isis.StoreTxn, uint64, error) {
	var req txnReq
	if err := unmarshal(arg, &req); err != nil {
		return nil, 0, err
	}
	sl.txnMu.Lock()
	stxn := sl.txnTab[req.Txn]
	delete(sl.txnTab, req.Txn)
	sl.txnMu.Unlock()
	if stxn == nil {
		return nil, req.Txn, fmt.Errorf("txn %d: not voted", req.Txn)
	}
	return stxn, req.Txn, nil
}

func (sl *serverLink) finish(ctx context.Context, arg []byte) (interface{}, error) {
	stxn, _, err := sl.takeTxn(arg)
	if err != nil {
		return nil, err
	}
	err = stxn.Finish(ctx)
	if err == nil {
		atomic.AddInt64(&sl.srv.ncommit, 1)
	}
	return nil, err
}

func (sl *serverLink) abort(ctx context.Context, arg []byte) (interface{}, error) {
	stxn, _, err := sl.takeTxn(arg)
	if err != nil {
		return nil, err
	}
	stxn.Abort(ctx)
	return nil, nil
}

// Serve accepts client connections on l and serves them.
//
// It returns when ctx is canceled or on accept error.
func (srv *Server) Serve(ctx context.Context, l net.Listener) (err error) {
	defer task.Runningf(&ctx, "serve %s", l.Addr())(&err)

	wg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	wg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		l.Close()
		return nil
	})

	wg.Go(func() error {
		defer close(done)
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			wg.Go(func() error {
				err := srv.ServeConn(ctx, conn)
				if err != nil {
					log.Error(ctx, err)
				}
				return nil
			})
		}
	})

	return wg.Wait()
}

// ServeWithDebug serves clients and HTTP debug interface on the same listener.
//
// Connections starting with client handshake are served as protocol links.
// HTTP/1 requests are routed to Handler.
func (srv *Server) ServeWithDebug(ctx context.Context, l net.Listener) error {
	m := cmux.New(l)
	rpcL := m.Match(matchHello)
	httpL := m.Match(cmux.HTTP1Fast())

	hsrv := &http.Server{Handler: srv.Handler()}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return srv.Serve(ctx, rpcL)
	})
	wg.Go(func() error {
		err := hsrv.Serve(httpL)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	wg.Go(func() error {
		err := m.Serve()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	wg.Go(func() error {
		<-ctx.Done()
		hsrv.Close()
		l.Close()
		return nil
	})

	err := wg.Wait()
	if err == context.Canceled {
		err = nil
	}
	return err
}

// matchHello reports whether r starts with client handshake packet.
//
// The client hello is shorter than what HTTP matchers want to read, so it
// has to be tried first.
func matchHello(r io.Reader) bool {
	var hdr [pktHeaderLen + 1]byte
	_, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return false
	}
	n := binary.BigEndian.Uint32(hdr[:])
	return 2 <= n && n <= maxHelloLen && hdr[pktHeaderLen] == 'M'
}

// maxHelloLen limits payload of handshake packet.
const maxHelloLen = 16

// Handler returns HTTP handler with debug information about the server.
//
//	/debug/stats		counters
//	/debug/store		URL of served store
//	/debug/object/<oid>	data of object <oid>
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "links\t%d\n", atomic.LoadInt64(&srv.nlink))
		fmt.Fprintf(w, "calls\t%d\n", atomic.LoadInt64(&srv.ncall))
		fmt.Fprintf(w, "commits\t%d\n", atomic.LoadInt64(&srv.ncommit))
	})

	r.Get("/debug/store", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, srv.store.URL())
	})

	r.Get("/debug/object/{oid}", func(w http.ResponseWriter, r *http.Request) {
		oid, err := isis.ParseOid(chi.URLParam(r, "oid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := srv.store.Load(r.Context(), oid)
		switch {
		case isis.IsNoObject(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			fmt.Fprintln(w, pretty.Sprint(data))
		}
	})

	return r
}
