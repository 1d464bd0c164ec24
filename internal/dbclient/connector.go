package dbclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// Sink is a BatchSink bound to one database connection.
type Sink interface {
	etl.BatchSink

	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error
}

// TableInfo describes a destination table as the database reports it.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes a column/field.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewSink creates a Sink for the given database connection.
// The password must be provided separately (from SecretStore).
func NewSink(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sink." + string(conn.Driver))
	switch conn.Driver {
	case domain.DatabaseDriverSQLite:
		return newSQLiteSink(conn, logger)
	case domain.DatabaseDriverMySQL:
		return newSQLSink("mysql", buildMySQLDSN(conn, password), mysqlDialect{}, logger)
	case domain.DatabaseDriverPostgres:
		return newSQLSink("postgres", buildPostgresDSN(conn, password), postgresDialect{}, logger)
	case domain.DatabaseDriverMongoDB:
		return newMongoSink(conn, password, logger)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", conn.Driver)
	}
}

// DefaultPort returns the conventional port for driver, or 0.
func DefaultPort(driver domain.DatabaseDriver) int {
	switch driver {
	case domain.DatabaseDriverPostgres:
		return 5432
	case domain.DatabaseDriverMySQL:
		return 3306
	case domain.DatabaseDriverMongoDB:
		return 27017
	default:
		return 0
	}
}
