// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sqlstore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect holds what differs between the supported databases. Queries are
// written with "?" placeholders and rebound for databases that number
// their parameters.
type dialect struct {
	// name is the dialect's configuration name and driver is the
	// database/sql driver it uses.
	name   string
	driver string

	// system is the database's OpenTelemetry db.system.name.
	system string

	numbered bool

	// maxParams bounds the parameters of one statement.
	maxParams int

	// unavailable reports whether an error means the database could not be
	// reached, as opposed to a fault in the request.
	unavailable func(err error) bool
}

var dialects = map[string]*dialect{
	"pg": {
		name:        "pg",
		driver:      "postgres",
		system:      "postgresql",
		numbered:    true,
		maxParams:   65535,
		unavailable: pgUnavailable,
	},
	"sqlite": {
		name:        "sqlite",
		driver:      "sqlite",
		system:      "sqlite",
		maxParams:   32766,
		unavailable: sqliteUnavailable,
	},
}

func lookupDialect(name string) (*dialect, error) {
	if name == "postgres" || name == "postgresql" {
		name = "pg"
	}
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("unsupported SQL dialect %q; must be \"pg\" or \"sqlite\"", name)
	}
	return d, nil
}

// rebind rewrites "?" placeholders for the dialect.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns n comma-separated placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// qualifiedTable returns the quoted table name, within the schema if one
// is given.
func qualifiedTable(schema, table string) string {
	if schema == "" {
		return pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func pgUnavailable(err error) bool {
	if isConnectionError(err) {
		return true
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "08", // connection exception
		"53", // insufficient resources
		"57", // operator intervention
		"40": // transaction rollback, such as a serialization failure
		return true
	}
	return false
}

func sqliteUnavailable(err error) bool {
	if isConnectionError(err) {
		return true
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr)
}
