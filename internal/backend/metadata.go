package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/record"
)

// catalogQueries are the dictionary lookups of one driver. Every query takes
// the table name as its only argument.
type catalogQueries struct {
	// columns yields (name, type, nullable "YES"/"NO", auto 0/1).
	columns string
	// primaryKey yields column names in key order.
	primaryKey string
	// foreignKeys yields (constraint, column, referenced table, referenced column).
	foreignKeys string
	// estimate yields one integer.
	estimate string
}

var queries = map[string]catalogQueries{
	"postgres": {
		columns: `SELECT column_name, data_type, is_nullable,
	CASE WHEN is_identity = 'YES' OR column_default LIKE 'nextval(%' THEN 1 ELSE 0 END
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`,
		primaryKey: `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1
ORDER BY kcu.ordinal_position`,
		foreignKeys: `SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1
ORDER BY tc.constraint_name, kcu.ordinal_position`,
		estimate: `SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE relname = $1 AND relkind = 'r'`,
	},
	"mysql": {
		columns: `SELECT column_name, data_type, is_nullable,
	CASE WHEN extra LIKE '%auto_increment%' OR extra LIKE '%on update%' THEN 1 ELSE 0 END
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`,
		primaryKey: `SELECT column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY'
ORDER BY ordinal_position`,
		foreignKeys: `SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL
ORDER BY constraint_name, ordinal_position`,
		estimate: `SELECT COALESCE(table_rows, 0) FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`,
	},
	"sqlserver": {
		columns: `SELECT c.column_name, c.data_type, c.is_nullable,
	CASE WHEN COLUMNPROPERTY(OBJECT_ID(c.table_schema + '.' + c.table_name), c.column_name, 'IsIdentity') = 1
		OR c.data_type IN ('timestamp', 'rowversion') THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_name = @p1
ORDER BY c.ordinal_position`,
		primaryKey: `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON kcu.constraint_name = tc.constraint_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = @p1
ORDER BY kcu.ordinal_position`,
		foreignKeys: `SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON kcu.constraint_name = tc.constraint_name
JOIN information_schema.constraint_column_usage ccu ON ccu.constraint_name = tc.constraint_name
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = @p1
ORDER BY tc.constraint_name, kcu.ordinal_position`,
		estimate: `SELECT COALESCE(SUM(row_count), 0) FROM sys.dm_db_partition_stats
WHERE object_id = OBJECT_ID(@p1) AND index_id < 2`,
	},
}

var _ catalog.MetadataProvider = (*SQLMetadata)(nil)

// SQLMetadata reads table descriptions from the back-end's own dictionary:
// information_schema for postgres, mysql and sqlserver, PRAGMA for sqlite.
// Descriptions are cached for the provider's lifetime; row estimates go
// through the shared EstimateCache.
type SQLMetadata struct {
	reg       *Registry
	estimates *catalog.EstimateCache

	mu     sync.Mutex
	tables map[string]*catalog.TableMeta
}

func NewSQLMetadata(reg *Registry, estimates *catalog.EstimateCache) *SQLMetadata {
	return &SQLMetadata{reg: reg, estimates: estimates, tables: make(map[string]*catalog.TableMeta)}
}

func (m *SQLMetadata) Table(ctx context.Context, backend, name string) (*catalog.TableMeta, error) {
	k := strings.ToLower(backend + "\x00" + name)
	m.mu.Lock()
	tm, ok := m.tables[k]
	m.mu.Unlock()
	if ok {
		return m.withEstimate(ctx, backend, tm)
	}

	h, err := m.reg.get(backend)
	if err != nil {
		return nil, err
	}
	if h.driver == "sqlite" {
		tm, err = sqliteTable(ctx, h.db, name)
	} else {
		q, ok := queries[h.driver]
		if !ok {
			return nil, errors.Wrapf(catalog.ErrNoMetadata, "driver %s", h.driver)
		}
		tm, err = schemaTable(ctx, h.db, q, name)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tables[k] = tm
	m.mu.Unlock()
	return m.withEstimate(ctx, backend, tm)
}

// withEstimate returns a copy of tm carrying the current row estimate. A
// failed estimate is logged and left at zero.
func (m *SQLMetadata) withEstimate(ctx context.Context, backend string, tm *catalog.TableMeta) (*catalog.TableMeta, error) {
	h, err := m.reg.get(backend)
	if err != nil {
		return nil, err
	}
	rows, err := m.estimates.Get(backend, tm.Name, func() (int64, error) {
		return estimateRows(ctx, h, tm.Name)
	})
	if err != nil {
		slog.Warn("backend: row estimate", "backend", backend, "table", tm.Name, "err", err)
	}
	cp := *tm
	cp.RowEstimate = rows
	return &cp, nil
}

func estimateRows(ctx context.Context, h *handle, table string) (int64, error) {
	var n sql.NullInt64
	var err error
	if h.driver == "sqlite" {
		err = h.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteSQLite(table))).Scan(&n)
	} else {
		err = h.db.QueryRowContext(ctx, queries[h.driver].estimate, table).Scan(&n)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "backend: estimate %s", table)
	}
	return n.Int64, nil
}

func schemaTable(ctx context.Context, db *sql.DB, q catalogQueries, name string) (*catalog.TableMeta, error) {
	tm := &catalog.TableMeta{Name: name}

	err := eachRow(ctx, db, q.columns, name, func(scan func(...any) error) error {
		var col, typ, nullable string
		var auto int
		if err := scan(&col, &typ, &nullable, &auto); err != nil {
			return err
		}
		tm.Columns = append(tm.Columns, record.Column{
			Name:     col,
			Type:     record.TypeFromSQL(typ),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
		if auto == 1 {
			tm.AutoUpdate = append(tm.AutoUpdate, col)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(tm.Columns) == 0 {
		return nil, errors.Wrapf(catalog.ErrNoMetadata, "table %s not found", name)
	}

	err = eachRow(ctx, db, q.primaryKey, name, func(scan func(...any) error) error {
		var col string
		if err := scan(&col); err != nil {
			return err
		}
		tm.PrimaryKey = append(tm.PrimaryKey, col)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fks := newFKCollector()
	err = eachRow(ctx, db, q.foreignKeys, name, func(scan func(...any) error) error {
		var constraint, col, refTable, refCol string
		if err := scan(&constraint, &col, &refTable, &refCol); err != nil {
			return err
		}
		fks.add(constraint, col, refTable, refCol)
		return nil
	})
	if err != nil {
		return nil, err
	}
	tm.ForeignKeys = fks.list()
	return tm, nil
}

func sqliteTable(ctx context.Context, db *sql.DB, name string) (*catalog.TableMeta, error) {
	tm := &catalog.TableMeta{Name: name}
	quoted := quoteSQLite(name)

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	var intPK string
	err := eachRow(ctx, db, "PRAGMA table_info("+quoted+")", nil, func(scan func(...any) error) error {
		var (
			cid, notNull, pk int
			col, typ         string
			dflt             sql.NullString
		)
		if err := scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		tm.Columns = append(tm.Columns, record.Column{Name: col, Type: record.TypeFromSQL(typ), Nullable: notNull == 0 && pk == 0})
		if pk > 0 {
			pks = append(pks, pkCol{name: col, pos: pk})
			if strings.EqualFold(typ, "INTEGER") {
				intPK = col
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(tm.Columns) == 0 {
		return nil, errors.Wrapf(catalog.ErrNoMetadata, "table %s not found", name)
	}
	tm.PrimaryKey = make([]string, len(pks))
	for _, p := range pks {
		tm.PrimaryKey[p.pos-1] = p.name
	}
	// A lone INTEGER PRIMARY KEY aliases the rowid and is assigned by sqlite.
	if len(pks) == 1 && intPK != "" {
		tm.AutoUpdate = []string{intPK}
	}

	fks := newFKCollector()
	err = eachRow(ctx, db, "PRAGMA foreign_key_list("+quoted+")", nil, func(scan func(...any) error) error {
		var (
			id, seq                         int
			refTable, from                  string
			to                              sql.NullString
			onUpdate, onDelete, matchClause string
		)
		if err := scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchClause); err != nil {
			return err
		}
		fks.add(fmt.Sprint(id), from, refTable, to.String)
		return nil
	})
	if err != nil {
		return nil, err
	}
	tm.ForeignKeys = fks.list()
	return tm, nil
}

// eachRow runs query with arg (when not nil) and calls fn per row.
func eachRow(ctx context.Context, db *sql.DB, query string, arg any, fn func(scan func(...any) error) error) error {
	var args []any
	if arg != nil {
		args = append(args, arg)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "backend: read dictionary")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return errors.Wrap(err, "backend: scan dictionary")
		}
	}
	return errors.Wrap(rows.Err(), "backend: read dictionary")
}

// fkCollector groups foreign-key rows by constraint, keeping first-seen order.
type fkCollector struct {
	order []string
	byKey map[string]*catalog.ForeignKey
}

func newFKCollector() *fkCollector {
	return &fkCollector{byKey: make(map[string]*catalog.ForeignKey)}
}

func (c *fkCollector) add(constraint, col, refTable, refCol string) {
	fk, ok := c.byKey[constraint]
	if !ok {
		fk = &catalog.ForeignKey{RefTable: refTable}
		c.byKey[constraint] = fk
		c.order = append(c.order, constraint)
	}
	fk.Columns = append(fk.Columns, col)
	fk.RefColumns = append(fk.RefColumns, refCol)
}

func (c *fkCollector) list() []catalog.ForeignKey {
	out := make([]catalog.ForeignKey, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, *c.byKey[k])
	}
	return out
}

func quoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
