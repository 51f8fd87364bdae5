// Command gentei-but-jank runs the membership verification bot and its
// background jobs. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the Discord bot and the pending-verification loop, keeping
//     guild roles and DM notifications in sync with membership transitions.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Two maintenance subcommands run one-shot and exit: "syncroles" converges
// every configured guild's roles, "overpaired" runs the over-pairing purge.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/Yarn/gentei-but-jank/bot"
	"github.com/Yarn/gentei-but-jank/check"
	"github.com/Yarn/gentei-but-jank/config"
	"github.com/Yarn/gentei-but-jank/db"
	"github.com/Yarn/gentei-but-jank/ratelimit"
	"github.com/Yarn/gentei-but-jank/resolver"
	"github.com/Yarn/gentei-but-jank/roles"
	"github.com/Yarn/gentei-but-jank/server"
	"github.com/Yarn/gentei-but-jank/telemetry"
	"github.com/Yarn/gentei-but-jank/verify"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("gentei-but-jank", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared external-call budget: checker and resolver draw from one limiter.
	limiter := ratelimit.New(ratelimit.DefaultOpsPerSecond)
	checker := &check.Checker{
		Program: cfg.CheckProgram,
		Args:    cfg.CheckArgs,
		Cookie:  cfg.SessionCookie,
		Limiter: limiter,
	}
	res := resolver.New(&http.Client{Timeout: 30 * time.Second}, cfg.SessionCookie, limiter)
	verifier := &verify.Verifier{DB: database, Checker: checker, OverpairLimit: cfg.OverpairLimit}

	switch cmd := flagArg(); cmd {
	case "overpaired":
		purged, err := verify.PurgeOverPaired(ctx, database, cfg.OverpairLimit)
		if err != nil {
			slog.Error("over-paired purge failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("over-paired purge complete", slog.Int("purged", len(purged)), slog.Any("accounts", purged))
		return
	case "syncroles":
		if err := runSyncRoles(ctx, cfg, database); err != nil {
			slog.Error("role sync failed", slog.Any("err", err))
			os.Exit(1)
		}
		return
	case "":
	default:
		slog.Error("unknown subcommand", slog.String("cmd", cmd))
		os.Exit(1)
	}

	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("bot not configured", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateCheckerReady(); err != nil {
		slog.Error("checker not configured", slog.Any("err", err))
		os.Exit(1)
	}

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		slog.Error("failed to create discord session", slog.Any("err", err))
		os.Exit(1)
	}
	reconciler := &roles.Reconciler{DB: database, Mgr: session}
	b := &bot.Bot{
		Session:    session,
		DB:         database,
		Cfg:        cfg,
		Verifier:   verifier,
		Reconciler: reconciler,
		Resolver:   res,
	}
	if err := b.Start(); err != nil {
		slog.Error("failed to start bot", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := b.Stop(); err != nil {
			slog.Warn("bot shutdown", slog.Any("err", err))
		}
	}()

	// Pending-verification loop; transitions fan out to roles and DMs.
	go verify.StartVerifyJob(ctx, database, verifier, cfg.PollInterval, cfg.BatchSize,
		func(tctx context.Context, r *verify.Result) {
			for _, rerr := range reconciler.ApplyTransition(tctx, r) {
				slog.Warn("role update", slog.Any("err", rerr))
			}
			b.NotifyTransition(tctx, r)
		})

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

func flagArg() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return ""
}

// runSyncRoles converges roles for every guild with a configured mapping.
func runSyncRoles(ctx context.Context, cfg *config.Config, database *sql.DB) error {
	if err := cfg.ValidateBotReady(); err != nil {
		return err
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	reconciler := &roles.Reconciler{DB: database, Mgr: session}

	rows, err := database.QueryContext(ctx, `SELECT server_id FROM servers`)
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}
	var guilds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, guildID := range guilds {
		slog.Info("syncing roles", slog.String("guild_id", guildID))
		res, err := reconciler.SyncGuild(ctx, guildID)
		if err != nil {
			slog.Error("guild sync failed", slog.String("guild_id", guildID), slog.Any("err", err))
			continue
		}
		for _, serr := range res.Errors {
			slog.Warn("guild sync", slog.String("guild_id", guildID), slog.Any("err", serr))
		}
	}
	slog.Info("sync complete")
	return nil
}
