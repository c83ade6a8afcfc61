// Command coordd runs the agent coordination broker.
//
// The broker serves its coordination tools over stdio MCP: one persistent
// child process per connected agent, all sharing state through Redis. Run one
// broker per client connection; any number of broker processes may share the
// same Redis instance and they observe identical state.
//
// # Configuration
//
// Environment variables:
//
//	STORE_URL                - Redis URL (default: "redis://localhost:6379")
//	LOG_LEVEL                - "debug" enables debug logs
//	HEARTBEAT_TIMEOUT        - Agent heartbeat TTL in seconds (default: 90)
//	MONITOR_INTERVAL         - Liveness scan interval in seconds (default: 30)
//	STATUS_DIR               - Completion marker directory (default: "/tmp/splitmind-status")
//	MAX_QUEUE_LEN            - Per-agent message queue bound (default: 1000)
//	RECENT_CHANGES_CAP       - Recent-change log bound (default: 100)
//	STORE_RECONNECT_DEADLINE - Startup store connect deadline in seconds (default: 30)
//
// # Example
//
//	STORE_URL=redis://localhost:6379 coordd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/splitmind/coord/broker"
	"github.com/splitmind/coord/broker/state/redisstate"
	"github.com/splitmind/coord/mcpserver"
)

const (
	serverName    = "splitmind-coord"
	serverVersion = "1.0.0"
)

func main() {
	var (
		dbgF = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Logs go to stderr: stdout carries the MCP session.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithOutput(os.Stderr))
	if *dbgF || envOr("LOG_LEVEL", "") == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "broker exited")
	}
}

func run(ctx context.Context) error {
	storeURL := envOr("STORE_URL", "redis://localhost:6379")
	heartbeatTimeout := envSecondsOr("HEARTBEAT_TIMEOUT", broker.DefaultHeartbeatTimeout)
	monitorInterval := envSecondsOr("MONITOR_INTERVAL", broker.DefaultMonitorInterval)
	statusDir := envOr("STATUS_DIR", broker.DefaultStatusDir)
	maxQueueLen := envIntOr("MAX_QUEUE_LEN", broker.DefaultMaxQueueLen)
	recentChangesCap := envIntOr("RECENT_CHANGES_CAP", broker.DefaultRecentChangesCap)
	connectDeadline := envSecondsOr("STORE_RECONNECT_DEADLINE", 30*time.Second)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return fmt.Errorf("parse STORE_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()

	if err := waitForStore(ctx, rdb, connectDeadline); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "connected to store"}, log.KV{K: "url", V: storeURL})

	b, err := broker.New(broker.Config{
		Gateway:          redisstate.New(rdb),
		HeartbeatTimeout: heartbeatTimeout,
		MonitorInterval:  monitorInterval,
		MaxQueueLen:      maxQueueLen,
		RecentChangesCap: recentChangesCap,
		StatusDir:        statusDir,
	})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	b.Start(ctx)
	defer func() {
		if err := b.Close(); err != nil {
			log.Errorf(ctx, err, "close broker")
		}
	}()

	log.Info(ctx, log.KV{K: "msg", V: "broker serving on stdio"},
		log.KV{K: "heartbeat_timeout", V: heartbeatTimeout},
		log.KV{K: "monitor_interval", V: monitorInterval})

	srv := mcpserver.New(b.Dispatcher(), serverName, serverVersion)
	if err := mcpserver.ServeStdio(ctx, srv, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	return nil
}

// waitForStore pings the store until it answers or the deadline passes. A
// store that stays unreachable past the deadline is fatal.
func waitForStore(ctx context.Context, rdb *redis.Client, deadline time.Duration) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	var err error
	for {
		if err = rdb.Ping(deadlineCtx).Err(); err == nil {
			return nil
		}
		select {
		case <-deadlineCtx.Done():
			return fmt.Errorf("store unreachable for %s: %w", deadline, err)
		case <-time.After(time.Second):
		}
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr returns the environment variable parsed as an int or a default.
func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// envSecondsOr returns the environment variable parsed as a number of seconds
// or a default.
func envSecondsOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
