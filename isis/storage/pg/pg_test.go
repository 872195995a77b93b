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


package pg

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/isis/go/internal/xtesting"
	"lab.nexedi.com/kirr/isis/go/isis"
)

// $ISIS_TEST_PGURL points to database where tests can create schemas, e.g.
//
//	postgres://postgres@localhost/isis_test?sslmode=disable
const pgEnv = "ISIS_TEST_PGURL"

// openTemp opens store in new schema that is dropped when t finishes.
func openTemp(t *testing.T, pgurl string) *Store {
	ctx := context.Background()
	name := "isis_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := pgxpool.New(ctx, pgurl)
	exc.Raiseif(err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+name)
	exc.Raiseif(err)
	t.Cleanup(func() {
		_, err := admin.Exec(ctx, "DROP SCHEMA "+name+" CASCADE")
		if err != nil {
			t.Error(err)
		}
		admin.Close()
	})

	u, err := url.Parse(pgurl)
	exc.Raiseif(err)
	q := u.Query()
	q.Set("search_path", name)
	u.RawQuery = q.Encode()

	s, err := Open(ctx, u.String(), false)
	exc.Raiseif(err)
	return s
}

func TestStore(t *testing.T) {
	pgurl := xtesting.NeedEnv(t, pgEnv)
	xtesting.DrvTestStore(t, func(t *testing.T) isis.ObjectStore {
		return openTemp(t, pgurl)
	})
}

func TestOpenByURL(t *testing.T) {
	pgurl := xtesting.NeedEnv(t, pgEnv)
	X := xtesting.FatalIf(t)
	ctx := context.Background()

	s, err := isis.OpenStore(ctx, pgurl, &isis.OpenOptions{ReadOnly: true}); X(err)
	defer func() {
		err := s.Close(); X(err)
	}()

	u, err := url.Parse(pgurl); X(err)
	if s.URL() != u.Redacted() {
		t.Errorf("url: have %q; want %q", s.URL(), u.Redacted())
	}
	_, err = s.Begin(ctx)
	if err == nil {
		t.Error("begin on read-only store: no error")
	}
}
