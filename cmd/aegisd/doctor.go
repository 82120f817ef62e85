package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-control/plane/pkg/config"
)

// runDoctor checks configuration sanity and the reachability of Redis
// without starting the server. The neural scoring service is not
// probed.
func runDoctor(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ok := true

	check := func(name string, pass bool, detail string) {
		mark := colorGreen + "ok" + colorReset
		if !pass {
			mark = "\033[31mfail\033[0m"
			ok = false
		}
		fmt.Fprintf(stdout, "  [%s] %-28s %s\n", mark, name, detail)
	}

	fmt.Fprintln(stdout, "aegisd doctor")

	check("port configured", cfg.Port != "", "PORT="+cfg.Port)
	check("ingress shard count", cfg.IngressShardCount > 0, fmt.Sprintf("INGRESS_SHARD_COUNT=%d", cfg.IngressShardCount))
	check("neural thresholds ordered", cfg.NeuralRiskThreshold <= cfg.NeuralBlockThreshold,
		fmt.Sprintf("risk=%d block=%d", cfg.NeuralRiskThreshold, cfg.NeuralBlockThreshold))

	if cfg.RedisAddr == "" {
		check("redis", true, "unset, rate limiting runs in-memory")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		err := client.Ping(ctx).Err()
		_ = client.Close()
		check("redis", err == nil, cfg.RedisAddr)
	}

	if cfg.ArbiterEnabled {
		check("arbiter data dir", cfg.RaftDataDir != "", cfg.RaftDataDir)
		check("arbiter bind addr", cfg.RaftBindAddr != "", cfg.RaftBindAddr)
	} else {
		check("arbiter", true, "disabled, no lock coordinator on this node")
	}

	if cfg.GeofenceProfilesDir == "" {
		check("geofence profiles", true, "unset, state engine runs without jurisdiction policy")
	} else {
		check("geofence profiles", true, cfg.GeofenceProfilesDir)
	}

	store, err := openSnapshotStore(cfg)
	switch {
	case err != nil:
		check("synapse snapshot store", false, err.Error())
	case store == nil:
		check("synapse snapshot store", true, "disabled")
	default:
		check("synapse snapshot store", true, snapshotStoreDetail(cfg))
		_ = store.Close()
	}

	if !ok {
		fmt.Fprintln(stderr, "doctor found configuration problems")
		return 64
	}
	return 0
}

func snapshotStoreDetail(cfg *config.Config) string {
	if cfg.PostgresURL != "" {
		return "postgres"
	}
	return "sqlite:" + cfg.SQLitePath
}
