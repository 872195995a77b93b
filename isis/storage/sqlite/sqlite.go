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


// Package sqlite provides object store that uses SQLite database for persistence.
//
// URL of the store is sqlite://<path>[?compress=0]. Plain path given to
// isis.OpenStore is treated as sqlite URL too.
//
// Every root object is kept as one row in table "obj". The row holds msgpack
// of the object data; data larger than 512 bytes is zlib-compressed unless
// compress=0 is given.
package sqlite

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/isis/go/internal/xzlib"
	"lab.nexedi.com/kirr/isis/go/isis"
)

const schemaVersion = 1

// compressThreshold is size starting from which record data is compressed.
const compressThreshold = 512

// ---- schema ----

// table "config" stores configuration parameters of the database.
//
// (version, head)
const config = `
	name	TEXT NOT NULL PRIMARY KEY,
	value	TEXT
`

// table "obj" stores records of root objects.
const obj = `
	type		TEXT NOT NULL,
	key		TEXT NOT NULL,
	version		INTEGER NOT NULL,
	compressed	INTEGER NOT NULL,
	data		BLOB NOT NULL,

	PRIMARY KEY (type, key)
`

// table "service" stores oids of registered services.
const service = `
	name	TEXT NOT NULL PRIMARY KEY,
	oid	TEXT NOT NULL
`

// table "counter" stores last key assigned to new objects of a type.
const counter = `
	type	TEXT NOT NULL PRIMARY KEY,
	last	INTEGER NOT NULL
`

var schema = []struct{ table, columns string }{
	{"config", config},
	{"obj", obj},
	{"service", service},
	{"counter", counter},
}

// Store is isis.ObjectStore backed by SQLite database.
type Store struct {
	pool     *connPool
	url      string
	compress bool
}

var _ isis.ObjectStore = (*Store)(nil)

// Open opens SQLite database at path as object store.
//
// The database is created if it does not exist, unless opened read-only.
func Open(path string, readOnly, compress bool) (_ *Store, err error) {
	defer xerr.Contextf(&err, "sqlite: open %s", path)

	flags := sqlite3.OpenReadWrite | sqlite3.OpenCreate | sqlite3.OpenFullMutex
	if readOnly {
		flags = sqlite3.OpenReadOnly | sqlite3.OpenFullMutex
	}

	s := &Store{
		url:      "sqlite://" + path,
		compress: compress,
	}
	s.pool = newConnPool(func() (*sqlite3.Conn, error) {
		conn, err := sqlite3.Open(path, flags)
		if err != nil {
			return nil, err
		}
		err = conn.BusyTimeout(10 * time.Second)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})

	err = s.withConn(func(conn *sqlite3.Conn) error {
		if !readOnly {
			for _, t := range schema {
				err := conn.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.table, t.columns))
				if err != nil {
					return err
				}
			}
			err := conn.Exec("INSERT OR IGNORE INTO config (name, value) VALUES ('version', ?)",
				strconv.Itoa(schemaVersion))
			if err != nil {
				return err
			}
		}

		var v string
		err := conn.OneValue("SELECT value FROM config WHERE name = 'version'", &v)
		if err != nil {
			return fmt.Errorf("read schema version: %s", err)
		}
		if v != strconv.Itoa(schemaVersion) {
			return fmt.Errorf("schema version %s; supported %d", v, schemaVersion)
		}
		return nil
	})
	if err != nil {
		s.pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) URL() string  { return s.url }
func (s *Store) Close() error { return s.pool.Close() }

// withConn runs f with a connection from the pool.
func (s *Store) withConn(f func(conn *sqlite3.Conn) error) error {
	conn, err := s.pool.getConn()
	if err != nil {
		return err
	}
	defer s.pool.putConn(conn)
	return f(conn)
}

// decodeRecord decodes object data stored in obj row.
func decodeRecord(compressed bool, blob []byte) (*isis.ObjectData, error) {
	if compressed {
		var err error
		blob, err = xzlib.Decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("decompress: %s", err)
		}
	}
	return isis.UnmarshalObjectData(blob)
}

func (s *Store) loadRecord(_ context.Context, oid isis.Oid) (data *isis.ObjectData, err error) {
	err = s.withConn(func(conn *sqlite3.Conn) error {
		data, err = loadRecord(conn, oid)
		return err
	})
	return data, err
}

func loadRecord(conn *sqlite3.Conn, oid isis.Oid) (*isis.ObjectData, error) {
	found := false
	var compressed bool
	var blob []byte
	err := conn.Select("SELECT compressed, data FROM obj WHERE type = ? AND key = ?",
		func(stmt *sqlite3.Stmt) error {
			found = true
			return stmt.Scan(&compressed, &blob)
		}, oid.Type, oid.Key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &isis.NoObjectError{Oid: oid}
	}
	return decodeRecord(compressed, blob)
}

func (s *Store) Load(ctx context.Context, oid isis.Oid) (*isis.ObjectData, error) {
	return isis.LoadRecordObject(ctx, s.loadRecord, oid)
}

func (s *Store) LoadField(ctx context.Context, oid isis.Oid, field string) (*isis.ObjectData, error) {
	return isis.LoadRecordField(ctx, s.loadRecord, oid, field)
}

func (s *Store) FindInstances(_ context.Context, q *isis.QueryData) ([]*isis.ObjectData, error) {
	m, err := isis.CompileQuery(q)
	if err != nil {
		return nil, err
	}

	var datav []*isis.ObjectData
	err = s.withConn(func(conn *sqlite3.Conn) error {
		return conn.Select("SELECT compressed, data FROM obj WHERE type = ?"+
			" ORDER BY length(key), key",
			func(stmt *sqlite3.Stmt) error {
				var compressed bool
				var blob []byte
				err := stmt.Scan(&compressed, &blob)
				if err != nil {
					return err
				}
				data, err := decodeRecord(compressed, blob)
				if err != nil {
					return err
				}
				ok, err := m.Match(data)
				if ok {
					datav = append(datav, data)
				}
				return err
			}, q.Spec)
	})
	if err != nil {
		return nil, err
	}
	return datav, nil
}

func (s *Store) HasInstances(_ context.Context, spec string) (has bool, err error) {
	err = s.withConn(func(conn *sqlite3.Conn) error {
		var n int
		err := conn.OneValue("SELECT EXISTS (SELECT 1 FROM obj WHERE type = ?)", &n, spec)
		has = (n != 0)
		return err
	})
	return has, err
}

func (s *Store) OidForService(_ context.Context, name string) (oid isis.Oid, ok bool, err error) {
	err = s.withConn(func(conn *sqlite3.Conn) error {
		var soid string
		err := conn.OneValue("SELECT oid FROM service WHERE name = ?", &soid, name)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		oid, err = isis.ParseOid(soid)
		ok = (err == nil)
		return err
	})
	return oid, ok, err
}

func (s *Store) RegisterService(_ context.Context, name string, oid isis.Oid) error {
	return s.withConn(func(conn *sqlite3.Conn) error {
		return conn.Exec("INSERT OR REPLACE INTO service (name, oid) VALUES (?, ?)", name, oid.String())
	})
}

func (s *Store) Begin(_ context.Context) (isis.StoreTxn, error) {
	return &txn{s: s}, nil
}

// txn is transaction of SQLite store.
//
// Vote runs the writes inside SQL transaction started with BEGIN IMMEDIATE,
// which is committed on Finish and rolled back on Abort. The immediate
// transaction holds the database write lock from vote till finish.
type txn struct {
	s    *Store
	cmdv []*isis.Command
	conn *sqlite3.Conn // != nil between vote and finish/abort
}

func (t *txn) Store(_ context.Context, cmd *isis.Command) error {
	if t.conn != nil {
		return fmt.Errorf("store after vote")
	}
	t.cmdv = append(t.cmdv, cmd)
	return nil
}

func (t *txn) Vote(_ context.Context) (_ *isis.CommitResult, err error) {
	if t.conn != nil {
		return nil, fmt.Errorf("vote twice")
	}
	conn, err := t.s.pool.getConn()
	if err != nil {
		return nil, err
	}
	err = conn.Exec("BEGIN IMMEDIATE")
	if err != nil {
		t.s.pool.putConn(conn)
		return nil, err
	}
	t.conn = conn
	defer func() {
		if err != nil {
			t.rollback()
		}
	}()

	plan, err := isis.PrepareCommit(t.cmdv, t.newKey)
	if err != nil {
		return nil, err
	}

	var head int64
	err = conn.Select("SELECT value FROM config WHERE name = 'head'", func(stmt *sqlite3.Stmt) error {
		var v string
		if err := stmt.Scan(&v); err != nil {
			return err
		}
		head, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	if err != nil {
		return nil, err
	}
	head++

	for _, w := range plan.Writes {
		var have int64
		err = conn.OneValue("SELECT version FROM obj WHERE type = ? AND key = ?", &have, w.Oid.Type, w.Oid.Key)
		exists := true
		if err == io.EOF {
			exists, err = false, nil
		}
		if err != nil {
			return nil, err
		}
		err = w.Check(exists, uint64(have))
		if err != nil {
			return nil, err
		}

		if w.Delete {
			err = conn.Exec("DELETE FROM obj WHERE type = ? AND key = ?", w.Oid.Type, w.Oid.Key)
			if err != nil {
				return nil, err
			}
			continue
		}

		w.Stamp(uint64(head))
		blob, err := w.Data.Marshal()
		if err != nil {
			return nil, err
		}
		threshold := compressThreshold
		if !t.s.compress {
			threshold = 0
		}
		blob, compressed := xzlib.MaybeCompress(blob, threshold)
		err = conn.Exec("INSERT OR REPLACE INTO obj (type, key, version, compressed, data) VALUES (?, ?, ?, ?, ?)",
			w.Oid.Type, w.Oid.Key, head, compressed, blob)
		if err != nil {
			return nil, err
		}
		plan.Result.Versions = append(plan.Result.Versions, isis.Stamp{Oid: w.Oid, Version: uint64(head)})
	}

	err = conn.Exec("INSERT OR REPLACE INTO config (name, value) VALUES ('head', ?)", strconv.FormatInt(head, 10))
	if err != nil {
		return nil, err
	}
	return plan.Result, nil
}

// newKey assigns next key for type typ inside voting SQL transaction.
func (t *txn) newKey(typ string) (string, error) {
	err := t.conn.Exec("INSERT OR IGNORE INTO counter (type, last) VALUES (?, 0)", typ)
	if err != nil {
		return "", err
	}
	err = t.conn.Exec("UPDATE counter SET last = last + 1 WHERE type = ?", typ)
	if err != nil {
		return "", err
	}
	var last int64
	err = t.conn.OneValue("SELECT last FROM counter WHERE type = ?", &last, typ)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(last, 10), nil
}

func (t *txn) Finish(_ context.Context) error {
	if t.conn == nil {
		return fmt.Errorf("finish without vote")
	}
	conn := t.conn
	t.conn = nil
	err := conn.Exec("COMMIT")
	if err != nil {
		conn.Exec("ROLLBACK")
	}
	t.s.pool.putConn(conn)
	return err
}

func (t *txn) Abort(_ context.Context) {
	if t.conn != nil {
		t.rollback()
	}
	t.cmdv = nil
}

func (t *txn) rollback() {
	conn := t.conn
	t.conn = nil
	conn.Exec("ROLLBACK")
	t.s.pool.putConn(conn)
}

// ---- open by URL ----

func openByURL(_ context.Context, u *url.URL, opt *isis.OpenOptions) (isis.ObjectStore, error) {
	path := u.Host + u.Path
	compress := true
	if c := u.Query().Get("compress"); c != "" {
		var err error
		compress, err = strconv.ParseBool(c)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: invalid compress=%q", path, c)
		}
	}
	return Open(path, opt.ReadOnly, compress)
}

func init() {
	isis.RegisterDriver("sqlite", openByURL)
}
