package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dagbolade/toolgate/internal/approvals"
	"github.com/dagbolade/toolgate/internal/auth"
	"github.com/dagbolade/toolgate/internal/policy"
	"github.com/dagbolade/toolgate/internal/server"
	"github.com/dagbolade/toolgate/internal/store"
	"github.com/dagbolade/toolgate/internal/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	setupLogger()

	log.Info().Msg("starting toolgate")

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("toolgate stopped successfully")
}

func run(ctx context.Context) error {
	st, err := initStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	gate, closeGate, err := initPolicyGate()
	if err != nil {
		return err
	}
	defer closeGate()

	hub := server.NewHub()

	orch := approvals.New(st, gate, approvals.Options{
		Sink:         hub,
		Runners:      initRunners(),
		Killers:      initKillers(),
		AutoApplyCap: getEnvInt("AUTO_APPLY_CAP", 25),
	})

	startPruner(ctx, st)

	authManager := initAuthManager()

	cfg := server.LoadConfig()
	srv := server.New(cfg, orch, authManager, hub)

	return runServer(ctx, srv)
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func initStore() (store.Store, error) {
	dbPath := getEnv("DB_PATH", "./db/toolgate.db")

	log.Info().Str("path", dbPath).Msg("initializing store")

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("store initialized")
	return st, nil
}

func initPolicyGate() (policy.Gate, func(), error) {
	path := os.Getenv("POLICY_CONFIG")
	if path == "" {
		log.Info().Msg("no POLICY_CONFIG set, using default policy")
		return policy.Static{Cfg: policy.DefaultConfig()}, func() {}, nil
	}

	log.Info().Str("path", path).Msg("initializing policy gate")

	gate, err := policy.NewFileGate(path)
	if err != nil {
		return nil, nil, err
	}

	closeGate := func() {
		if err := gate.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy gate")
		}
	}

	log.Info().Msg("policy gate initialized")
	return gate, closeGate, nil
}

// initRunners wires each known tool to its HTTP upstream. TOOL_UPSTREAMS
// accepts "tool=url" pairs separated by semicolons; TOOL_UPSTREAM is the
// fallback for all of them.
func initRunners() map[string]approvals.Runner {
	defaultUpstream := getEnv("TOOL_UPSTREAM", "http://localhost:9000/execute")
	timeout := getEnvInt("UPSTREAM_TIMEOUT", 30)

	upstreams := map[string]string{
		"file":     defaultUpstream,
		"terminal": defaultUpstream,
		"search":   defaultUpstream,
	}

	for _, pair := range strings.Split(os.Getenv("TOOL_UPSTREAMS"), ";") {
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		upstreams[name] = url
	}

	runners := make(map[string]approvals.Runner, len(upstreams))
	for name, url := range upstreams {
		runners[name] = tools.NewUpstreamRunner(name, url, timeout)
		log.Info().Str("tool", name).Str("upstream", url).Msg("runner registered")
	}

	return runners
}

func initKillers() map[string]approvals.Killer {
	killURL := os.Getenv("TERMINAL_KILL_UPSTREAM")
	if killURL == "" {
		return nil
	}

	timeout := getEnvInt("UPSTREAM_TIMEOUT", 30)
	log.Info().Str("upstream", killURL).Msg("terminal cancellation adapter registered")

	return map[string]approvals.Killer{
		"terminal": tools.NewUpstreamKiller(killURL, timeout),
	}
}

func initAuthManager() *auth.Manager {
	requireAuth := getEnv("REQUIRE_AUTH", "false") == "true"

	log.Info().Bool("required", requireAuth).Msg("initializing auth manager")

	return auth.NewManager(auth.Config{
		JWTSecret:       os.Getenv("JWT_SECRET"),
		TokenExpiration: 24 * time.Hour,
		RequireAuth:     requireAuth,
	})
}

// startPruner removes resolved approvals and superseded previews past the
// retention window. Pending approvals are never pruned.
func startPruner(ctx context.Context, st store.Store) {
	retentionDays := getEnvInt("RETENTION_DAYS", 30)
	interval := time.Duration(getEnvInt("PRUNE_INTERVAL_HOURS", 6)) * time.Hour

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				pruned, err := st.PruneResolved(ctx, cutoff)
				if err != nil {
					log.Warn().Err(err).Msg("prune failed")
					continue
				}
				if pruned > 0 {
					log.Info().Int64("rows", pruned).Msg("pruned resolved approvals")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
