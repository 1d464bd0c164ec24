package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// newSQLiteSink opens the SQLite file named by conn.Host.
// Opens in WAL mode with busy timeout for concurrent access.
func newSQLiteSink(conn *domain.DatabaseConnection, logger *zap.Logger) (*sqlSink, error) {
	if conn.Host == "" {
		return nil, fmt.Errorf("sqlite sink needs a file path in host")
	}
	if conn.Host != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(conn.Host), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := conn.Host + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	s, err := newSQLSink("sqlite", dsn, sqliteDialect{}, logger)
	if err != nil {
		return nil, err
	}
	// SQLite only supports one writer; a recycled :memory: connection loses its data.
	s.db.SetMaxOpenConns(1)
	s.db.SetConnMaxLifetime(0)
	return s, nil
}

// sqliteDialect uses transactional DDL and prepared inserts.
type sqliteDialect struct{}

func (sqliteDialect) quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) columnType(t domain.SemanticType) string {
	switch t {
	case domain.TypeInt64Nullable:
		return "INTEGER"
	case domain.TypeFloat64:
		return "REAL"
	case domain.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) replaceTable(ctx context.Context, db *sql.DB, target domain.SinkTarget, create func(string) string) error {
	name := qualified(d, target)
	return execInTx(ctx, db, "DROP TABLE IF EXISTS "+name, create(name))
}

func (d sqliteDialect) insertRows(ctx context.Context, tx *sql.Tx, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error) {
	return insertPrepared(ctx, tx, insertSQL(d, target, batch.ColumnNames(), 1, questionMark), batch.Rows)
}

func (d sqliteDialect) describe(ctx context.Context, db *sql.DB, target domain.SinkTarget) ([]ColumnInfo, error) {
	q := "SELECT name, type FROM pragma_table_info(?)"
	args := []any{target.Table}
	if target.Namespace != "" {
		q = "SELECT name, type FROM pragma_table_info(?, ?)"
		args = append(args, target.Namespace)
	}
	rows, err := db.QueryContext(ctx, q+" ORDER BY cid", args...)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}
