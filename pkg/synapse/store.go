package synapse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // dev/embedded driver

	_ "github.com/lib/pq" // production driver, selected by DSN scheme
)

// SnapshotStore persists periodic, best-effort durability snapshots of
// a Graph's nodes (§4.4: the CRDT graph itself lives in memory and is
// rebuilt from replication/snapshot on restart). It supports the same
// dual sqlite/postgres split used elsewhere in this codebase: sqlite
// for single-node and dev deployments, postgres when a DSN is given.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (and migrates) a sqlite-backed snapshot
// store at path, for single-node/dev deployments.
func OpenSQLiteSnapshotStore(path string) (*SnapshotStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("synapse: create sqlite data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("synapse: open sqlite snapshot store: %w", err)
	}
	return newSnapshotStore(db)
}

// OpenPostgresSnapshotStore opens (and migrates) a postgres-backed
// snapshot store, for clustered production deployments.
func OpenPostgresSnapshotStore(dsn string) (*SnapshotStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("synapse: open postgres snapshot store: %w", err)
	}
	return newSnapshotStore(db)
}

func newSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS synapse_nodes (
			node_id     TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			payload     TEXT,
			tags        TEXT,
			usage_count BIGINT NOT NULL DEFAULT 0,
			version     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMP NOT NULL
		)`)
	return err
}

// SaveNode upserts node's current snapshot. It does not persist vector
// clock or CRDT tombstone state: on restart, a node loaded from the
// snapshot store starts a fresh causal history and relies on
// anti-entropy with peers to catch up on concurrent writes it missed
// while down.
func (s *SnapshotStore) SaveNode(ctx context.Context, n *Node) error {
	tags, err := json.Marshal(n.Tags())
	if err != nil {
		return fmt.Errorf("synapse: marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO synapse_nodes (node_id, agent_id, kind, created_at, payload, tags, usage_count, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_id) DO UPDATE SET
			payload = excluded.payload,
			tags = excluded.tags,
			usage_count = excluded.usage_count,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, n.ID, n.AgentID, string(n.Kind), n.CreatedAt, string(n.Payload()), string(tags), n.UsageCount(), n.Version(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("synapse: save node snapshot: %w", err)
	}
	return nil
}

// snapshotRow is the durable shape of one node, as loaded back from
// disk. It intentionally does not carry CRDT replication state: callers
// use it to seed a fresh Graph/Node and let anti-entropy reconcile the
// rest.
type snapshotRow struct {
	NodeID     string
	AgentID    string
	Kind       NodeKind
	CreatedAt  time.Time
	Payload    json.RawMessage
	Tags       []string
	UsageCount int64
	Version    uint64
}

// LoadAll returns every persisted node snapshot, for warm-starting a
// Graph after a restart.
func (s *SnapshotStore) LoadAll(ctx context.Context) ([]snapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, agent_id, kind, created_at, payload, tags, usage_count, version
		FROM synapse_nodes
	`)
	if err != nil {
		return nil, fmt.Errorf("synapse: load node snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []snapshotRow
	for rows.Next() {
		var (
			row     snapshotRow
			payload sql.NullString
			tagsRaw sql.NullString
			kind    string
		)
		if err := rows.Scan(&row.NodeID, &row.AgentID, &kind, &row.CreatedAt, &payload, &tagsRaw, &row.UsageCount, &row.Version); err != nil {
			return nil, fmt.Errorf("synapse: scan node snapshot: %w", err)
		}
		row.Kind = NodeKind(kind)
		if payload.Valid && payload.String != "" {
			row.Payload = json.RawMessage(payload.String)
		}
		if tagsRaw.Valid && tagsRaw.String != "" {
			if err := json.Unmarshal([]byte(tagsRaw.String), &row.Tags); err != nil {
				return nil, fmt.Errorf("synapse: unmarshal tags: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *SnapshotStore) Close() error { return s.db.Close() }

// RestoreInto seeds g with every row loaded from the snapshot store,
// stamping restored writes with origin so they merge cleanly against
// any concurrent write a peer replays during anti-entropy.
func RestoreInto(g *Graph, rows []snapshotRow, origin ReplicaID) {
	now := time.Now().UTC()
	for _, row := range rows {
		n := NewNode(row.Kind, row.AgentID)
		n.ID = row.NodeID
		n.CreatedAt = row.CreatedAt
		if row.Payload != nil {
			n.SetPayload(row.Payload, now, origin)
		}
		for _, tag := range row.Tags {
			n.AddTag(tag, tag+":restore")
		}
		if row.UsageCount > 0 {
			n.IncrementUsage(origin, uint64(row.UsageCount))
		}
		g.PutNode(n)
	}
}
