package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-control/plane/pkg/config"
	"github.com/aegis-control/plane/pkg/synapse"
)

// synapseRuntime bundles the state-graph components one process needs:
// the in-memory graph and sync engine, an optional SQL snapshot store
// for restart durability, and an optional Redis fan-out queue for
// cross-process delivery in clustered deployments.
type synapseRuntime struct {
	Graph  *synapse.Graph
	Engine *synapse.SyncEngine
	store  *synapse.SnapshotStore
	fanout *synapse.RedisFanoutQueue
	cancel context.CancelFunc
}

// newSynapseRuntime wires the State Engine the way runServer wires
// every other subsystem: build the pieces, restore from durable
// storage if configured, and start any background loops.
func newSynapseRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*synapseRuntime, error) {
	replica := synapse.ReplicaID(cfg.RaftNodeID)
	graph := synapse.NewGraph()
	clock := synapse.NewVectorClock()

	var geofence synapse.GeoFencePolicy
	if cfg.GeofenceProfilesDir != "" {
		loaded, err := synapse.LoadProfileGeoFence(cfg.GeofenceProfilesDir, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("synapse: load geofence profile: %w", err)
		}
		geofence = loaded
	} else {
		geofence = synapse.NewProfileGeoFence(cfg.Region, nil, synapse.GeoFenceAllow)
	}

	engine := synapse.NewSyncEngine(replica, graph, clock, geofence, synapse.ConflictStrategy(cfg.ConflictStrategy), logger)

	rt := &synapseRuntime{Graph: graph, Engine: engine}

	store, err := openSnapshotStore(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		rt.store = store
		rows, err := store.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("synapse: load snapshots: %w", err)
		}
		store.RestoreInto(graph, rows, replica)
		logger.Info("synapse: restored snapshot rows", "count", len(rows))
	}

	if cfg.RedisAddr != "" {
		runCtx, cancel := context.WithCancel(ctx)
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		queue := synapse.NewRedisFanoutQueue(client, "aegis:synapse:fanout:"+cfg.ClusterID, 10000, logger)
		rt.fanout = queue
		rt.cancel = cancel
		go queue.Run(runCtx, engine)
		logger.Info("synapse: redis fan-out enabled", "addr", cfg.RedisAddr, "cluster", cfg.ClusterID)
	}

	return rt, nil
}

// openSnapshotStore returns a Postgres-backed store when DATABASE_URL is
// set, falls back to the embedded sqlite store otherwise, matching the
// DATABASE_URL-absent lite-mode fallback used for the rate limiter.
func openSnapshotStore(cfg *config.Config) (*synapse.SnapshotStore, error) {
	if cfg.PostgresURL != "" {
		store, err := synapse.OpenPostgresSnapshotStore(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("synapse: open postgres snapshot store: %w", err)
		}
		return store, nil
	}
	if cfg.SQLitePath == "" {
		return nil, nil
	}
	store, err := synapse.OpenSQLiteSnapshotStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("synapse: open sqlite snapshot store: %w", err)
	}
	return store, nil
}

// Close releases background loops and storage handles.
func (rt *synapseRuntime) Close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
