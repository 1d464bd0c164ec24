package domain

import "strings"

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverMongoDB  DatabaseDriver = "mongodb"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// DatabaseConnection holds the metadata for connecting to the destination store.
// The password is resolved separately through a secret.SecretStore.
type DatabaseConnection struct {
	Driver   DatabaseDriver `json:"driver"`
	Host     string         `json:"host"`     // hostname, file path (sqlite) or full URI (mongodb)
	Port     int            `json:"port"`     // 0 selects the driver default
	Database string         `json:"database"` // db name or empty for sqlite
	Username string         `json:"username"`
	SSLMode  string         `json:"sslMode"`

	// Params are extra driver options, e.g. replicaSet or authSource for MongoDB.
	Params map[string]string `json:"params,omitempty"`
}

// SecretKey is the key under which this connection's password is stored.
func (c *DatabaseConnection) SecretKey() string {
	return strings.Join([]string{string(c.Driver), c.Username, c.Host, c.Database}, "/")
}

// SinkTarget names the destination table. Namespace is the Postgres schema,
// the MySQL/MongoDB database override, or empty.
type SinkTarget struct {
	Namespace string `json:"namespace,omitempty"`
	Table     string `json:"table"`
}

// String renders the target as namespace.table.
func (t SinkTarget) String() string {
	if t.Namespace == "" {
		return t.Table
	}
	return t.Namespace + "." + t.Table
}
