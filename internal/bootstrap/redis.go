package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/config"
)

type redisMode string

const (
	redisModeDirect   redisMode = "direct"
	redisModeSentinel redisMode = "sentinel"
	redisModeCluster  redisMode = "cluster"
)

// redisTarget is a resolved Redis topology. Both the go-redis client used by
// the stores and the stream queue, and asynq's own connection pool, are built
// from the same target so they always agree on where Redis lives.
type redisTarget struct {
	mode             redisMode
	addrs            []string
	username         string
	password         string
	db               int
	tls              *tls.Config
	masterName       string
	sentinelPassword string
}

func resolveRedisTarget(cfg config.RedisConfig) (redisTarget, error) {
	t := redisTarget{password: cfg.Password, db: cfg.DB}

	switch {
	case cfg.UseCluster:
		t.mode = redisModeCluster
		t.addrs = trimAll(cfg.ClusterNodes)
		if len(t.addrs) == 0 {
			return redisTarget{}, errors.New("redis cluster configuration requires at least one address")
		}
		return t, nil
	case cfg.UseSentinel:
		t.mode = redisModeSentinel
		t.addrs = trimAll(cfg.SentinelNodes)
		if len(t.addrs) == 0 {
			return redisTarget{}, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		t.masterName = cfg.SentinelMasterName
		t.sentinelPassword = cfg.SentinelPassword
		return t, nil
	}

	t.mode = redisModeDirect
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return redisTarget{}, errors.New("redis direct configuration requires a URI")
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		t.addrs = []string{uri}
		return t, nil
	}

	opt, err := redis.ParseURL(uri)
	if err != nil {
		return redisTarget{}, fmt.Errorf("parse redis url: %w", err)
	}
	t.addrs = []string{opt.Addr}
	t.username = opt.Username
	if opt.Password != "" {
		t.password = opt.Password
	}
	if opt.DB != 0 {
		t.db = opt.DB
	}
	t.tls = opt.TLSConfig
	return t, nil
}

// describe names the target without credentials, for logs.
func (t redisTarget) describe() string {
	switch t.mode {
	case redisModeCluster:
		return "cluster:" + strings.Join(t.addrs, ",")
	case redisModeSentinel:
		return "sentinel:" + t.masterName
	case redisModeDirect:
	}
	return strings.Join(t.addrs, ",")
}

func (t redisTarget) universalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:            t.addrs,
		Username:         t.username,
		Password:         t.password,
		DB:               t.db,
		TLSConfig:        t.tls,
		MasterName:       t.masterName,
		SentinelPassword: t.sentinelPassword,
	}
}

//nolint:ireturn // go-redis picks the concrete client from the topology.
func (t redisTarget) newClient() redis.UniversalClient {
	opts := t.universalOptions()
	switch t.mode {
	case redisModeCluster:
		return redis.NewClusterClient(opts.Cluster())
	case redisModeSentinel:
		return redis.NewFailoverClient(opts.Failover())
	case redisModeDirect:
	}
	return redis.NewClient(opts.Simple())
}

// asynqConnOpt returns the equivalent connection options for asynq, which
// manages its own pool.
//
//nolint:ireturn // asynq accepts any RedisConnOpt implementation.
func (t redisTarget) asynqConnOpt() asynq.RedisConnOpt {
	switch t.mode {
	case redisModeCluster:
		return asynq.RedisClusterClientOpt{
			Addrs:     t.addrs,
			Username:  t.username,
			Password:  t.password,
			TLSConfig: t.tls,
		}
	case redisModeSentinel:
		return asynq.RedisFailoverClientOpt{
			MasterName:       t.masterName,
			SentinelAddrs:    t.addrs,
			SentinelPassword: t.sentinelPassword,
			Username:         t.username,
			Password:         t.password,
			DB:               t.db,
			TLSConfig:        t.tls,
		}
	case redisModeDirect:
	}
	return asynq.RedisClientOpt{
		Addr:      t.addrs[0],
		Username:  t.username,
		Password:  t.password,
		DB:        t.db,
		TLSConfig: t.tls,
	}
}

// ConnectRedis builds a client for the configured topology and pings it.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	target, err := resolveRedisTarget(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := target.newClient()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis %s: %w", target.describe(), pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "mode", string(target.mode), "addr", target.describe())
	}
	return client, nil
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
