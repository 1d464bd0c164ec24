package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// dialect holds what differs between the SQL databases.
type dialect interface {
	quote(ident string) string
	columnType(t domain.SemanticType) string
	// replaceTable swaps target for an empty table built by create.
	replaceTable(ctx context.Context, db *sql.DB, target domain.SinkTarget, create func(table string) string) error
	// insertRows writes every row of batch inside tx.
	insertRows(ctx context.Context, tx *sql.Tx, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error)
	// describe lists the columns of target.
	describe(ctx context.Context, db *sql.DB, target domain.SinkTarget) ([]ColumnInfo, error)
}

// sqlSink is the shared BatchSink for MySQL, Postgres, and SQLite.
type sqlSink struct {
	driverName string
	db         *sql.DB
	d          dialect
	log        *zap.Logger
}

// newSQLSink creates a generic SQL sink.
func newSQLSink(driverName, dsn string, d dialect, logger *zap.Logger) (*sqlSink, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	// One run appends one batch at a time.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlSink{driverName: driverName, db: db, d: d, log: logger}, nil
}

func (s *sqlSink) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// qualified renders target as a quoted, optionally schema-qualified name.
func qualified(d dialect, target domain.SinkTarget) string {
	if target.Namespace == "" {
		return d.quote(target.Table)
	}
	return d.quote(target.Namespace) + "." + d.quote(target.Table)
}

// createTableSQL builds CREATE TABLE for schema under the given quoted name.
func createTableSQL(d dialect, table string, schema *domain.SchemaSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range schema.Columns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.quote(c.Name))
		b.WriteByte(' ')
		b.WriteString(d.columnType(c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func (s *sqlSink) Initialize(ctx context.Context, target domain.SinkTarget, schema *domain.SchemaSpec) error {
	create := func(table string) string { return createTableSQL(s.d, table, schema) }
	if err := s.d.replaceTable(ctx, s.db, target, create); err != nil {
		return errors.Wrapf(err, "replace %s", target)
	}
	s.log.Debug("table replaced", zap.String("table", target.String()), zap.Strings("columns", schema.Names()))
	return nil
}

// Append writes the batch in its own transaction: all rows land or none do.
func (s *sqlSink) Append(ctx context.Context, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	n, err := s.d.insertRows(ctx, tx, target, batch)
	if err != nil {
		tx.Rollback()
		return 0, errors.Wrapf(err, "insert into %s", target)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return n, nil
}

func (s *sqlSink) RowCount(ctx context.Context, target domain.SinkTarget) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualified(s.d, target)).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", target)
	}
	return n, nil
}

// Describe reports the columns of target as the database sees them.
func (s *sqlSink) Describe(ctx context.Context, target domain.SinkTarget) (*TableInfo, error) {
	cols, err := s.d.describe(ctx, s.db, target)
	if err != nil {
		return nil, errors.Wrapf(err, "describe %s", target)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", target)
	}
	return &TableInfo{Name: target.String(), Columns: cols}, nil
}

func (s *sqlSink) Close() error {
	return s.db.Close()
}

// ── Shared statements ──────────────────────────────────────

// execInTx runs stmts in one transaction. Postgres and SQLite both
// roll DDL back with the transaction.
func execInTx(ctx context.Context, db *sql.DB, stmts ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "exec %q", q)
		}
	}
	return tx.Commit()
}

// insertPrepared inserts rows one statement execution at a time.
func insertPrepared(ctx context.Context, tx *sql.Tx, query string, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, errors.Wrapf(err, "row %d", i)
		}
	}
	return int64(len(rows)), nil
}

// insertSQL builds INSERT INTO table (cols) VALUES followed by rowCount
// groups of placeholders produced by ph.
func insertSQL(d dialect, target domain.SinkTarget, cols []string, rowCount int, ph func(n int) string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified(d, target))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.quote(c))
	}
	b.WriteString(") VALUES ")
	n := 0
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(ph(n))
		}
		b.WriteByte(')')
	}
	return b.String()
}

func questionMark(int) string { return "?" }

// scanColumns reads (name, type) pairs from rows.
func scanColumns(rows *sql.Rows) ([]ColumnInfo, error) {
	defer rows.Close()
	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
