package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/browser"
	"github.com/voxcraft/vox-cli/internal/config"
	"github.com/voxcraft/vox-cli/internal/contextstore"
	"github.com/voxcraft/vox-cli/internal/engine"
	"github.com/voxcraft/vox-cli/internal/memory"
	"github.com/voxcraft/vox-cli/internal/normalizer"
	"github.com/voxcraft/vox-cli/internal/observability"
	"github.com/voxcraft/vox-cli/internal/planner"
	"github.com/voxcraft/vox-cli/internal/service"
	"github.com/voxcraft/vox-cli/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newRunCmd creates the `run` command: read parsed intents from stdin, one
// JSON record per line, and print one response record per intent.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Executes intents from stdin against a browser session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := observability.GetLogger()

			sessionID, _ := cmd.Flags().GetString("session")
			if headless := cmd.Flags().Lookup("headless"); headless != nil && headless.Changed {
				v, _ := cmd.Flags().GetBool("headless")
				cfg.SetBrowserHeadless(v)
			}
			if conc, _ := cmd.Flags().GetInt("concurrency"); conc > 0 {
				cfg.SetEngineConcurrency(conc)
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			sweepCtx, stopSweeper := context.WithCancel(ctx)
			defer stopSweeper()
			go components.Sessions.RunSweeper(sweepCtx)

			source := &stdinSource{scanner: bufio.NewScanner(os.Stdin)}
			return runLoop(ctx, logger, components.Service, source, sessionID, os.Stdout)
		},
	}

	runCmd.Flags().StringP("session", "s", "default", "Session ID to execute intents under")
	runCmd.Flags().Bool("headless", true, "Run the browser headless (overrides config)")
	runCmd.Flags().IntP("concurrency", "j", 0, "Per-session step concurrency (overrides config)")

	return runCmd
}

// runLoop drains the intent source, submitting each record and writing the
// aggregated response as one JSON line. Rejected intents produce an error
// record instead of ending the loop; only EOF and cancellation do that.
func runLoop(ctx context.Context, logger *zap.Logger, svc *service.Service, source schemas.IntentSource, sessionID string, out io.Writer) error {
	for {
		if ctx.Err() != nil {
			logger.Warn("Interrupted, shutting down")
			return nil
		}

		raw, err := source.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			logger.Warn("Skipping unreadable intent", zap.Error(err))
			continue
		}

		resp, err := svc.SubmitIntent(ctx, sessionID, raw)
		if err != nil {
			var exhausted *schemas.ResourceExhaustedError
			if errors.As(err, &exhausted) {
				return err
			}
			writeJSON(out, map[string]any{"error": err.Error(), "intent": raw.Intent})
			continue
		}
		writeJSON(out, resp)
	}
}

func writeJSON(out io.Writer, v any) {
	encoded, err := json.MarshalToString(v)
	if err != nil {
		return
	}
	fmt.Fprintln(out, encoded)
}

// stdinSource implements schemas.IntentSource over newline-delimited JSON.
type stdinSource struct {
	scanner *bufio.Scanner
}

func (s *stdinSource) Next() (schemas.RawIntent, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var raw schemas.RawIntent
		if err := json.UnmarshalFromString(line, &raw); err != nil {
			return schemas.RawIntent{}, &schemas.ParseError{Reason: err.Error()}
		}
		return raw, nil
	}
	if err := s.scanner.Err(); err != nil {
		return schemas.RawIntent{}, err
	}
	return schemas.RawIntent{}, io.EOF
}

// components holds the initialized service graph.
type components struct {
	Service  *service.Service
	Sessions *session.Manager
	DBPool   *pgxpool.Pool
}

// Shutdown closes every live session and the database pool.
func (c *components) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.Sessions != nil {
		c.Sessions.Shutdown(shutdownCtx)
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

// initializeComponents handles dependency injection for the run command.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{}

	// 1. Context store
	var ctxStore schemas.ContextStore
	switch cfg.ContextStore().Backend {
	case "redis":
		store, err := contextstore.NewRedisStore(ctx, cfg.ContextStore(), logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize redis context store: %w", err)
		}
		ctxStore = store
	default:
		ctxStore = contextstore.NewMemStore()
	}

	// 2. Memory layer
	var factStore schemas.MemoryStore
	switch cfg.Memory().Backend {
	case "postgres":
		if cfg.Memory().DSN == "" {
			return c, fmt.Errorf("memory DSN is not configured (VOX_MEMORY_DSN)")
		}
		pool, err := pgxpool.New(ctx, cfg.Memory().DSN)
		if err != nil {
			return c, fmt.Errorf("failed to connect to memory database: %w", err)
		}
		c.DBPool = pool
		pgStore, err := memory.NewPGStore(ctx, pool, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize memory store: %w", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return c, err
		}
		factStore = pgStore
	default:
		factStore = memory.NewMemStore()
	}
	memLayer := memory.NewLayer(cfg.Memory(), factStore, logger)

	// 3. Sessions and browser factory
	factory := func(ctx context.Context) (schemas.BrowserAutomator, error) {
		return browser.NewDriver(ctx, cfg.Browser(), logger)
	}
	sessions := session.NewManager(cfg, logger, factory, ctxStore)
	c.Sessions = sessions

	// 4. Pipeline
	eng, err := engine.New(cfg, logger, ctxStore, memLayer)
	if err != nil {
		return c, fmt.Errorf("failed to initialize engine: %w", err)
	}
	svc, err := service.New(cfg, logger, sessions, normalizer.New(cfg, logger), planner.New(cfg, logger), eng, ctxStore, memLayer)
	if err != nil {
		return c, fmt.Errorf("failed to initialize service: %w", err)
	}
	c.Service = svc

	return c, nil
}
