// Package main provides the semswarm binary entry point.
// Semswarm is the inter-instance coordination substrate for multi-agent
// development: a Redis-backed message bus with presence tracking, a parallel
// reviewer-swarm orchestrator, and an activity projection over the event log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/semswarm/activity"
	"github.com/c360studio/semswarm/config"
	"github.com/c360studio/semswarm/coordination"
	"github.com/c360studio/semswarm/swarm"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semswarm"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		instanceID string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "semswarm",
		Short: "Inter-instance coordination substrate",
		Long: `Semswarm coordinates concurrent development agent instances.

It provides:
- A durable Redis-backed message bus with per-instance inboxes,
  acknowledgement tracking, and offline notification queues
- Presence heartbeats for liveness-aware delivery
- Parallel reviewer swarms with deduplicated unified reports
- An activity view reconstructed from the coordination event log

All instances share state through Redis; no instance talks to another
directly.`,
	}

	cmd.PersistentFlags().StringVar(&instanceID, "instance", defaultInstanceID(), "Instance identity on the substrate")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&instanceID, &logLevel))
	cmd.AddCommand(swarmCmd(&instanceID, &logLevel))
	cmd.AddCommand(statusCmd(&instanceID, &logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "semswarm-local"
}

// setup configures logging, loads config, and connects a coordination client.
func setup(ctx context.Context, instanceID, logLevel, sessionID string) (*coordination.Client, *config.Config, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := coordination.InitGlobal(cfg.Coordination, instanceID, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx, sessionID); err != nil {
		return nil, nil, wrapRedisError(err, cfg.Coordination.RedisURL)
	}
	return client, cfg, nil
}

// wrapRedisError provides helpful guidance when the Redis connection fails.
func wrapRedisError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`Redis connection failed: %w

Redis is not running at %s.

To start Redis:
  docker compose up -d redis

Or set SEMSWARM_REDIS_URL to point to your Redis server.`, err, url)
	}

	return fmt.Errorf("Redis connection failed: %w", err)
}

// ---------------------------------------------------------------------------
// run: notification listener daemon
// ---------------------------------------------------------------------------

func runCmd(instanceID, logLevel *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the notification listener daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*instanceID, *logLevel, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9109", "Prometheus metrics listen address")
	return cmd
}

func runDaemon(instanceID, logLevel, metricsAddr string) error {
	printBanner()

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	sessionID := fmt.Sprintf("%s-%d", instanceID, os.Getpid())
	client, cfg, err := setup(signalCtx, instanceID, logLevel, sessionID)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			slog.Error("Error closing coordination client", "error", err)
		}
	}()

	// Drain notifications queued while this instance was offline.
	queued, err := client.Bus().PopNotifications(signalCtx, instanceID, 100)
	if err != nil {
		slog.Warn("Failed to drain offline queue", "error", err)
	}
	for _, n := range queued {
		logNotification("Queued notification", n)
	}
	if len(queued) > 0 {
		slog.Info("Offline queue drained", "count", len(queued))
	}

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		slog.Info("Metrics server listening", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Presence heartbeat plus a HEARTBEAT broadcast each interval.
	heartbeatInterval := cfg.Coordination.PresenceTimeout() / 3
	if heartbeatInterval < time.Second {
		heartbeatInterval = time.Second
	}
	go heartbeatLoop(signalCtx, client, heartbeatInterval)

	slog.Info("Semswarm listener ready",
		"version", Version,
		"instance_id", instanceID,
		"key_prefix", cfg.Coordination.KeyPrefix)

	// Block listening; Subscribe returns when the context is cancelled.
	err = client.Bus().Subscribe(signalCtx, instanceID, true, func(n coordination.Notification) {
		logNotification("Notification", n)
	})
	if err != nil {
		return err
	}

	slog.Info("Semswarm shutdown complete")
	return nil
}

func heartbeatLoop(ctx context.Context, client *coordination.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := client.Heartbeat(ctx); err != nil {
			slog.Warn("Presence heartbeat failed", "error", err)
			continue
		}
		_, err := client.Publish(ctx, coordination.PublishParams{
			Type:       coordination.TypeHeartbeat,
			ToInstance: coordination.BroadcastInstance,
			Subject:    "heartbeat",
		})
		if err != nil {
			slog.Warn("Heartbeat publish failed", "error", err)
		}
	}
}

func logNotification(prefix string, n coordination.Notification) {
	slog.Info(prefix,
		"message_id", n.MessageID,
		"type", n.Type,
		"from_instance", n.From,
		"requires_ack", n.RequiresAck)
}

// ---------------------------------------------------------------------------
// swarm: dispatch a review swarm
// ---------------------------------------------------------------------------

func swarmCmd(instanceID, logLevel *string) *cobra.Command {
	var (
		targetPath string
		reviewers  []string
	)

	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Dispatch a parallel review swarm",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwarm(cmd.Context(), *instanceID, *logLevel, targetPath, reviewers)
		},
	}
	cmd.Flags().StringVar(&targetPath, "target", "", "Path to review")
	cmd.Flags().StringSliceVar(&reviewers, "reviewers", nil, "Reviewer types to dispatch (default from config)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runSwarm(ctx context.Context, instanceID, logLevel, targetPath string, reviewers []string) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	client, cfg, err := setup(signalCtx, instanceID, logLevel, "")
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	store := swarm.NewStore(client.Redis(), cfg.Swarm.KeyPrefix, cfg.Swarm.ResultTTL(), slog.Default())
	executor := coordinationExecutor(client, cfg.Swarm.TaskTimeout())
	dispatcher := swarm.NewDispatcher(store, client, executor, cfg.Swarm, slog.Default())

	sess, err := dispatcher.RunSwarm(signalCtx, targetPath, reviewers)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(sess.Report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// coordinationExecutor delegates one reviewer task to a reviewer instance on
// the substrate: publish a READY_FOR_REVIEW message to reviewer-<type>, then
// poll until the reviewer acknowledges with its result JSON in the ack
// comment.
func coordinationExecutor(client *coordination.Client, timeout time.Duration) swarm.ReviewExecutor {
	return func(ctx context.Context, sessionID, targetPath, reviewerType string) (*swarm.ReviewerResult, error) {
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		request, err := json.Marshal(map[string]string{
			"session_id":  sessionID,
			"target_path": targetPath,
		})
		if err != nil {
			return nil, fmt.Errorf("encode review request: %w", err)
		}

		m, err := client.Publish(taskCtx, coordination.PublishParams{
			Type:        coordination.TypeReadyForReview,
			ToInstance:  "reviewer-" + reviewerType,
			Subject:     fmt.Sprintf("Review %s", targetPath),
			Description: string(request),
			RequiresAck: true,
		})
		if err != nil {
			return nil, err
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-taskCtx.Done():
				return &swarm.ReviewerResult{
					Status:       swarm.ReviewerTimeout,
					ErrorMessage: fmt.Sprintf("no acknowledgement within %s", timeout),
				}, nil
			case <-ticker.C:
			}

			current, err := client.GetMessage(taskCtx, m.ID)
			if err != nil || current == nil || !current.Acknowledged {
				continue
			}

			var result swarm.ReviewerResult
			if err := json.Unmarshal([]byte(current.AckComment), &result); err != nil {
				return nil, fmt.Errorf("decode reviewer result: %w", err)
			}
			return &result, nil
		}
	}
}

// ---------------------------------------------------------------------------
// status: health + stats + activity view
// ---------------------------------------------------------------------------

func statusCmd(instanceID, logLevel *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show substrate health, stats, and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *instanceID, *logLevel, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Max recent activities to show")
	return cmd
}

func runStatus(ctx context.Context, instanceID, logLevel string, limit int) error {
	client, _, err := setup(ctx, instanceID, logLevel, "")
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	health := client.HealthCheck(ctx)

	stats, err := client.Stats(ctx)
	if err != nil {
		slog.Warn("Stats unavailable", "error", err)
	}

	view := activity.NewFolder(client, slog.Default()).View(ctx, limit)

	report := map[string]any{
		"health":   health,
		"stats":    stats,
		"activity": view,
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Semswarm v" + Version + "                    ║")
	fmt.Println("║     Inter-Instance Coordination Substrate     ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
