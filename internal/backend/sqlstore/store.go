// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package sqlstore implements a state store over a SQL database table,
// with PostgreSQL and SQLite dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/opentofu/statestore/internal/statestore"
	"github.com/opentofu/statestore/internal/tracing"
	"github.com/opentofu/statestore/internal/tracing/traceattrs"
)

const (
	defaultSchemaName = "statestore"
	defaultTableName  = "records"
)

// Config is the configuration of a SQL store.
type Config struct {
	// Dialect is "pg" or "sqlite".
	Dialect string `hcl:"dialect"`

	// ConnStr is a PostgreSQL connection string or URL, or the path of a
	// SQLite database file.
	ConnStr string `hcl:"conn_str"`

	// SchemaName applies to PostgreSQL only.
	SchemaName        string `hcl:"schema_name,optional"`
	TableName         string `hcl:"table_name,optional"`
	SkipTableCreation bool   `hcl:"skip_table_creation,optional"`

	BatchSize int `hcl:"batch_size,optional"`
}

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over one table keyed by namespace and key.
// Each batch of a Save runs in one transaction.
type Store struct {
	db        *sql.DB
	dialect   *dialect
	schema    string
	table     string
	skipTable bool
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

// New opens the configured database. The connection is established lazily,
// so an unreachable server surfaces on the first operation.
func New(cfg Config) (*Store, error) {
	d, err := lookupDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.ConnStr == "" {
		return nil, errors.New("sql state store requires conn_str")
	}
	db, err := sql.Open(d.driver, cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// SQLite allows one writer at a time; a single connection keeps
		// the pool from failing its own writes with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:        db,
		dialect:   d,
		table:     cfg.TableName,
		skipTable: cfg.SkipTableCreation,
		batchSize: cfg.BatchSize,
	}
	if s.table == "" {
		s.table = defaultTableName
	}
	if d.name == "pg" {
		s.schema = cfg.SchemaName
		if s.schema == "" {
			s.schema = defaultSchemaName
		}
	}
	return s, nil
}

func (s *Store) Backend() string {
	return "sql/" + s.dialect.name
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

func (s *Store) tableName() string {
	return qualifiedTable(s.schema, s.table)
}

// query rebinds the query and fills in the table name for each %[1]s.
func (s *Store) query(format string) string {
	return s.dialect.rebind(fmt.Sprintf(format, s.tableName()))
}

// EnsureReady creates the schema and table unless table creation is
// skipped, and checks that the table can be queried.
func (s *Store) EnsureReady(ctx context.Context) error {
	if !s.skipTable {
		var stmts []string
		if s.schema != "" {
			stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, qualifiedTable("", s.schema)))
		}
		stmts = append(stmts, s.query(`CREATE TABLE IF NOT EXISTS %[1]s (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			etag TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`))
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return s.wrap("prepare", err)
			}
		}
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.query(`SELECT COUNT(1) FROM %[1]s WHERE 1 = 0`)).Scan(&n); err != nil {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.query(`SELECT namespace, key, etag, value FROM %[1]s WHERE namespace = ? ORDER BY key`), namespace)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	ret, err := scanEntries(rows)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	// The database collation need not order keys bytewise.
	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}
	var etag, value string
	err := s.db.QueryRowContext(ctx, s.query(`SELECT etag, value FROM %[1]s WHERE namespace = ? AND key = ?`), namespace, key).Scan(&etag, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	return &Entry{Entry: statestore.LoadedEntry(namespace, key, statestore.ETag(etag), []byte(value))}, true, nil
}

// LoadKeys reads the requested records with one query per chunk of keys.
func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	keys = statestore.UniqueKeys(keys)

	found := make(map[string]*Entry, len(keys))
	for _, chunk := range statestore.Batches(keys, s.dialect.maxParams-1) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, namespace)
		for _, k := range chunk {
			args = append(args, k)
		}
		q := s.query(`SELECT namespace, key, etag, value FROM %[1]s WHERE namespace = ? AND key IN (` + placeholders(len(chunk)) + `)`)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, s.wrap("load", err)
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return nil, s.wrap("load", err)
		}
		for _, e := range entries {
			found[e.Key()] = e
		}
	}

	ret := make([]*Entry, 0, len(found))
	for _, k := range keys {
		if e, ok := found[k]; ok {
			ret = append(ret, e)
		}
	}
	return ret, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var ret []*Entry
	for rows.Next() {
		var namespace, key, etag, value string
		if err := rows.Scan(&namespace, &key, &etag, &value); err != nil {
			return nil, err
		}
		ret = append(ret, &Entry{Entry: statestore.LoadedEntry(namespace, key, statestore.ETag(etag), []byte(value))})
	}
	return ret, rows.Err()
}

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			if err := s.saveBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveBatch(ctx context.Context, batch []*Entry) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "Write SQL records",
		tracing.SpanAttributes(
			traceattrs.DBSystemName(s.dialect.system),
			traceattrs.DBCollectionName(s.table),
			traceattrs.DBOperationBatchSize(len(batch)),
		),
	)
	defer func() {
		tracing.SetSpanError(span, err)
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("save", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("[WARN] sqlstore: rollback failed: %s", rbErr)
			}
		}
	}()

	etags := make([]statestore.ETag, len(batch))
	for i, e := range batch {
		etags[i], err = s.writeEntry(ctx, tx, e)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("save", err)
	}

	for i, e := range batch {
		e.SetETag(etags[i])
	}
	return nil
}

// writeEntry applies one entry within the transaction and returns the
// record's ETag once it commits.
func (s *Store) writeEntry(ctx context.Context, tx *sql.Tx, e *Entry) (statestore.ETag, error) {
	expected := e.ETag()

	if e.IsAbsent() {
		if expected == statestore.NoETag {
			current, exists, err := s.currentETag(ctx, tx, e)
			if err != nil {
				return statestore.NoETag, err
			}
			if exists {
				return statestore.NoETag, statestore.WriteConflict(e, current)
			}
			return statestore.NoETag, nil
		}
		res, err := tx.ExecContext(ctx, s.query(`DELETE FROM %[1]s WHERE namespace = ? AND key = ? AND etag = ?`),
			e.Namespace(), e.Key(), string(expected))
		if err := s.checkWritten(ctx, tx, e, res, err); err != nil {
			return statestore.NoETag, err
		}
		return statestore.NoETag, nil
	}

	raw, err := e.Encode()
	if err != nil {
		return statestore.NoETag, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return statestore.NoETag, s.wrap("save", err)
	}
	etag := statestore.ETag(id)

	var res sql.Result
	if expected == statestore.NoETag {
		res, err = tx.ExecContext(ctx, s.query(`INSERT INTO %[1]s (namespace, key, etag, value) VALUES (?, ?, ?, ?) ON CONFLICT (namespace, key) DO NOTHING`),
			e.Namespace(), e.Key(), string(etag), string(raw))
	} else {
		res, err = tx.ExecContext(ctx, s.query(`UPDATE %[1]s SET etag = ?, value = ? WHERE namespace = ? AND key = ? AND etag = ?`),
			string(etag), string(raw), e.Namespace(), e.Key(), string(expected))
	}
	if err := s.checkWritten(ctx, tx, e, res, err); err != nil {
		return statestore.NoETag, err
	}
	return etag, nil
}

// checkWritten turns a conditional statement that matched no row into a
// write conflict.
func (s *Store) checkWritten(ctx context.Context, tx *sql.Tx, e *Entry, res sql.Result, err error) error {
	if err != nil {
		return s.wrap("save", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("save", err)
	}
	if n > 0 {
		return nil
	}
	current, _, err := s.currentETag(ctx, tx, e)
	if err != nil {
		return err
	}
	return statestore.WriteConflict(e, current)
}

func (s *Store) currentETag(ctx context.Context, tx *sql.Tx, e *Entry) (statestore.ETag, bool, error) {
	var etag string
	err := tx.QueryRowContext(ctx, s.query(`SELECT etag FROM %[1]s WHERE namespace = ? AND key = ?`), e.Namespace(), e.Key()).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return statestore.NoETag, false, nil
	}
	if err != nil {
		return statestore.NoETag, false, s.wrap("save", err)
	}
	return statestore.ETag(etag), true, nil
}

// DeleteNamespace removes the namespace's records with a single statement.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.query(`DELETE FROM %[1]s WHERE namespace = ?`), namespace); err != nil {
		return s.wrap("delete", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	keys = statestore.UniqueKeys(keys)
	for _, chunk := range statestore.Batches(keys, s.dialect.maxParams-1) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, namespace)
		for _, k := range chunk {
			args = append(args, k)
		}
		q := s.query(`DELETE FROM %[1]s WHERE namespace = ? AND key IN (` + placeholders(len(chunk)) + `)`)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return s.wrap("delete", err)
		}
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, s.dialect.unavailable(err))
}
