package service

import (
	"context"

	"github.com/pkg/errors"

	"tripload/internal/dbclient"
	"tripload/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Sink helpers: passwords, connectivity, destination introspection
// ─────────────────────────────────────────────────────────────

// describer is implemented by the SQL sinks.
type describer interface {
	Describe(ctx context.Context, target domain.SinkTarget) (*dbclient.TableInfo, error)
}

// TargetInfo is what DescribeTarget reports about a destination.
type TargetInfo struct {
	Target   string                `json:"target"`
	RowCount int64                 `json:"rowCount"`
	Columns  []dbclient.ColumnInfo `json:"columns,omitempty"`
}

func (s *IngestService) password(conn domain.DatabaseConnection) (string, error) {
	pw, err := s.secrets.Get(conn.SecretKey())
	if err != nil {
		return "", errors.Wrap(err, "read sink password")
	}
	return string(pw), nil
}

func (s *IngestService) savePassword(conn domain.DatabaseConnection, password string) error {
	if password == "" {
		return nil
	}
	return errors.Wrap(s.secrets.Set(conn.SecretKey(), []byte(password)), "store sink password")
}

func (s *IngestService) openSink(conn domain.DatabaseConnection) (dbclient.Sink, error) {
	password, err := s.password(conn)
	if err != nil {
		return nil, err
	}
	newSink := s.NewSink
	if newSink == nil {
		newSink = dbclient.NewSink
	}
	return newSink(&conn, password, s.log)
}

// TestConnection verifies the sink database is reachable.
func (s *IngestService) TestConnection(ctx context.Context, conn domain.DatabaseConnection) error {
	sink, err := s.openSink(conn)
	if err != nil {
		return err
	}
	defer sink.Close()
	return sink.TestConnection(ctx)
}

// DescribeTarget reports the row count of target and, for SQL sinks, its
// columns as the database sees them.
func (s *IngestService) DescribeTarget(ctx context.Context, conn domain.DatabaseConnection, target domain.SinkTarget) (*TargetInfo, error) {
	sink, err := s.openSink(conn)
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	n, err := sink.RowCount(ctx, target)
	if err != nil {
		return nil, err
	}
	info := &TargetInfo{Target: target.String(), RowCount: n}
	if d, ok := sink.(describer); ok {
		t, err := d.Describe(ctx, target)
		if err != nil {
			return nil, err
		}
		info.Columns = t.Columns
	}
	return info, nil
}
