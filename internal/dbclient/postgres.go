package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// buildPostgresDSN constructs a Postgres connection string from a DatabaseConnection.
func buildPostgresDSN(conn *domain.DatabaseConnection, password string) string {
	port := conn.Port
	if port == 0 {
		port = DefaultPort(domain.DatabaseDriverPostgres)
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		conn.Host, port, conn.Username, dsnValue(password), conn.Database, sslMode,
	)
	keys := make([]string, 0, len(conn.Params))
	for k := range conn.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dsn += " " + k + "=" + dsnValue(conn.Params[k])
	}
	return dsn
}

// dsnValue quotes a key/value DSN value when it needs it.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// postgresDialect replaces tables with transactional DDL and appends with COPY.
type postgresDialect struct{}

func (postgresDialect) quote(ident string) string { return pq.QuoteIdentifier(ident) }

func (postgresDialect) columnType(t domain.SemanticType) string {
	switch t {
	case domain.TypeInt64Nullable:
		return "BIGINT"
	case domain.TypeFloat64:
		return "DOUBLE PRECISION"
	case domain.TypeTimestamp:
		return "TIMESTAMP WITHOUT TIME ZONE"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) replaceTable(ctx context.Context, db *sql.DB, target domain.SinkTarget, create func(string) string) error {
	name := qualified(d, target)
	var stmts []string
	if target.Namespace != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+d.quote(target.Namespace))
	}
	stmts = append(stmts, "DROP TABLE IF EXISTS "+name, create(name))
	return execInTx(ctx, db, stmts...)
}

func (postgresDialect) insertRows(ctx context.Context, tx *sql.Tx, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error) {
	cols := batch.ColumnNames()
	var copyStmt string
	if target.Namespace != "" {
		copyStmt = pq.CopyInSchema(target.Namespace, target.Table, cols...)
	} else {
		copyStmt = pq.CopyIn(target.Table, cols...)
	}
	stmt, err := tx.PrepareContext(ctx, copyStmt)
	if err != nil {
		return 0, errors.Wrap(err, "prepare copy")
	}
	for i, row := range batch.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return 0, errors.Wrapf(err, "copy row %d", batch.RowNum(i))
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, errors.Wrap(err, "flush copy")
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}
	return int64(batch.Len()), nil
}

func (postgresDialect) describe(ctx context.Context, db *sql.DB, target domain.SinkTarget) ([]ColumnInfo, error) {
	schema := target.Namespace
	if schema == "" {
		schema = "public"
	}
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		schema, target.Table)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}
