package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

const tableSchema = `
CREATE TABLE IF NOT EXISTS admitted_nodes (
	node_id  TEXT PRIMARY KEY,
	note     TEXT NOT NULL DEFAULT '',
	added_at INTEGER NOT NULL
);
`

// ErrEmptyNodeID is returned when admitting an empty node identifier.
var ErrEmptyNodeID = errors.New("node id cannot be empty")

// TableStore persists the admission table in SQLite.
// It is safe for concurrent use.
type TableStore struct {
	pool *sqlitex.Pool
	path string
}

// Ensure TableStore implements AdmissionSource
var _ AdmissionSource = (*TableStore)(nil)

// OpenTableStore opens (creating if needed) the admission table at path.
func OpenTableStore(path string) (*TableStore, error) {
	if path == "" {
		return nil, errors.New("table store: path is required")
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, tableSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("table store: opening %s: %w", path, err)
	}
	return &TableStore{pool: pool, path: path}, nil
}

// Admit adds node to the table. Admitting an admitted node updates its note.
func (s *TableStore) Admit(ctx context.Context, node envelope.ID, note string) error {
	if node == "" {
		return ErrEmptyNodeID
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("table store: admit: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO admitted_nodes (node_id, note, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET note = excluded.note`,
		&sqlitex.ExecOptions{Args: []any{string(node), note, time.Now().Unix()}})
}

// Revoke removes node from the table. Revoking an unknown node is not an error.
func (s *TableStore) Revoke(ctx context.Context, node envelope.ID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("table store: revoke: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `DELETE FROM admitted_nodes WHERE node_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(node)}})
}

// List returns every admitted node in id order.
func (s *TableStore) List(ctx context.Context) ([]envelope.ID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("table store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var nodes []envelope.ID
	err = sqlitex.Execute(conn, `SELECT node_id FROM admitted_nodes ORDER BY node_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nodes = append(nodes, envelope.ID(stmt.ColumnText(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("table store: list: %w", err)
	}
	return nodes, nil
}

// Close closes the underlying connection pool.
func (s *TableStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("table store: closing %s: %w", s.path, err)
	}
	return nil
}
