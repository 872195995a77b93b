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

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	sqlite3 "github.com/gwenn/gosqlite"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/isis/go/internal/xtesting"
	"lab.nexedi.com/kirr/isis/go/isis"
)

var bg = context.Background()

func TestStore(t *testing.T) {
	for _, compress := range []bool{true, false} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			xtesting.DrvTestStore(t, func(t *testing.T) isis.ObjectStore {
				s, err := Open(filepath.Join(t.TempDir(), "1.sqlite"), false, compress)
				exc.Raiseif(err)
				return s
			})
		})
	}
}

func TestPersistentReopen(t *testing.T) {
	X := xtesting.FatalIf(t)
	path := filepath.Join(t.TempDir(), "1.sqlite")

	s, err := isis.OpenStore(bg, path, nil); X(err)
	require.Equal(t, "sqlite://"+path, s.URL())

	big := strings.Repeat("lorem ipsum ", 200)
	data := xtesting.Obj(isis.NewTransientOid("Note", 1), map[string]*isis.FieldData{
		"text": xtesting.Str(big),
	})
	res, err := xtesting.Commit(bg, s, xtesting.Persist(data)); X(err)
	oid, _ := res.AssignedOid(data.Oid)
	err = s.RegisterService(bg, "notes", oid); X(err)
	err = s.Close(); X(err)

	// the record was stored compressed
	ss, err := Open(path, true, true); X(err)
	var compressed bool
	err = ss.withConn(func(conn *sqlite3.Conn) error {
		return conn.OneValue("SELECT compressed FROM obj WHERE key = ?", &compressed, oid.Key)
	}); X(err)
	require.True(t, compressed)
	err = ss.Close(); X(err)

	s, err = isis.OpenStore(bg, "sqlite://"+path+"?ro=1", nil); X(err)
	defer func() {
		err := s.Close(); X(err)
	}()

	loaded, err := s.Load(bg, oid); X(err)
	require.Equal(t, big, loaded.Field("text").Value)

	soid, ok, err := s.OidForService(bg, "notes"); X(err)
	require.True(t, ok)
	require.Equal(t, oid, soid)

	_, err = s.Begin(bg)
	require.Error(t, err)
}

func TestOpenBadURL(t *testing.T) {
	_, err := isis.OpenStore(bg, "sqlite://"+filepath.Join(t.TempDir(), "1.sqlite")+"?compress=maybe", nil)
	require.Error(t, err)
}

func TestConnPool(t *testing.T) {
	X := xtesting.FatalIf(t)
	s, err := Open(filepath.Join(t.TempDir(), "1.sqlite"), false, true); X(err)

	inUse := func() int {
		nopen, nidle := s.pool.stats()
		return nopen - nidle
	}

	data := xtesting.Obj(isis.NewTransientOid("Note", 1), map[string]*isis.FieldData{
		"text": xtesting.Str("hello"),
	})
	_, err = xtesting.Commit(bg, s, xtesting.Persist(data)); X(err)
	require.Equal(t, 0, inUse())

	// voted transaction holds its connection till abort
	txn, err := s.Begin(bg); X(err)
	err = txn.Store(bg, xtesting.Persist(data)); X(err)
	_, err = txn.Vote(bg); X(err)
	require.Equal(t, 1, inUse())
	txn.Abort(bg)
	require.Equal(t, 0, inUse())

	// idle connections are bounded
	var connv []*sqlite3.Conn
	for i := 0; i < maxIdleConns+2; i++ {
		conn, err := s.pool.getConn(); X(err)
		connv = append(connv, conn)
	}
	for _, conn := range connv {
		s.pool.putConn(conn)
	}
	nopen, nidle := s.pool.stats()
	require.Equal(t, maxIdleConns, nopen)
	require.Equal(t, maxIdleConns, nidle)

	err = s.Close(); X(err)
	nopen, _ = s.pool.stats()
	require.Equal(t, 0, nopen)
	_, err = s.Load(bg, isis.NewPersistentOid("Note", "1"))
	require.Error(t, err)
}
