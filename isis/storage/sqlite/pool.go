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


package sqlite
// connection pool

import (
	"errors"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	sqlite3 "github.com/gwenn/gosqlite"
)

// maxIdleConns is how many idle connections a pool keeps by default.
const maxIdleConns = 4

// connPool keeps idle sqlite3 connections for reuse.
//
// Store transactions hold their connection from vote till finish or abort,
// so several connections can be in use at the same time. Only up to maxIdle
// of them are kept after they are returned.
type connPool struct {
	open    func() (*sqlite3.Conn, error)
	maxIdle int

	mu     sync.Mutex
	closed bool
	idle   []*sqlite3.Conn // LIFO
	nopen  int             // connections opened and not yet closed
}

func newConnPool(open func() (*sqlite3.Conn, error)) *connPool {
	return &connPool{open: open, maxIdle: maxIdleConns}
}

var errClosedPool = errors.New("sqlite: connection pool is closed")

// getConn returns idle connection, or opens a new one if there is none.
func (p *connPool) getConn() (*sqlite3.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosedPool
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.nopen++
	p.mu.Unlock()

	conn, err := p.open()
	if err != nil {
		p.mu.Lock()
		p.nopen--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// putConn returns conn obtained via getConn back to the pool.
//
// conn is closed if the pool is closed or already has enough idle
// connections. conn must not be used after putConn.
func (p *connPool) putConn(conn *sqlite3.Conn) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		return
	}
	p.nopen--
	p.mu.Unlock()
	conn.Close()
}

// Close closes the pool and its idle connections.
//
// Connections in use are closed when they are put back.
func (p *connPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.nopen -= len(idle)
	p.mu.Unlock()

	var errv xerr.Errorv
	for _, conn := range idle {
		errv.Appendif(conn.Close())
	}
	return errv.Err()
}

// stats returns number of open connections and how many of them are idle.
func (p *connPool) stats() (nopen, nidle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nopen, len(p.idle)
}
