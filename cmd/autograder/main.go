package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/autograder/internal/handler"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/store"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// defaultGrader is the account seeded for external graders on first start.
const defaultGrader = "xqueue"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autograder",
		Short: "Grades assessment problem responses",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), deliverCmd(), outboxCmd(), exportCmd(), graderCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `autograder --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "autograder.db", "SQLite database path")
	f.StringP("problems", "p", "problems", "Directory of problem definition files (.yaml, .json)")
	f.String("base-url", "http://localhost:8080", "Public URL external graders post results to")
	f.StringP("lang", "l", "en", "Label language (en, ru)")
	f.Bool("llm-grading", false, "Grade queued code answers with an LLM")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("grader-password", "", "Initial password of the xqueue grader account (or set AUTOGRADER_GRADER_PASSWORD)")
	addLogFlags(cmd)
	return cmd
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AUTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("autograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/autograder")
	v.AddConfigPath("/etc/autograder")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedGrader(ctx, db, v.GetString("grader-password")); err != nil {
		return fmt.Errorf("seed grader: %w", err)
	}

	defs, err := loadProblems(ctx, db, v.GetString("problems"))
	if err != nil {
		return fmt.Errorf("load problems: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}

	var submitter xqueue.Submitter = db.Outbox()
	var grader *llm.Grader
	if v.GetBool("llm-grading") {
		grader, err = llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), promptVariant, nil)
		if err != nil {
			return fmt.Errorf("create LLM grader: %w", err)
		}
		if err := grader.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		if err := db.SetMetadata(ctx, store.MetaPromptVariant, promptVariant); err != nil {
			return fmt.Errorf("record prompt variant: %w", err)
		}
		submitter = xqueue.Multi(submitter, grader)
	}

	cfg := model.ServerConfig{
		BaseURL:       v.GetString("base-url"),
		Lang:          lang,
		PromptVariant: promptVariant,
		LLMGrading:    grader != nil,
	}
	reg, err := problem.NewRegistry(defs, problem.RegistryConfig{
		Store:     db,
		Submitter: submitter,
		Observer:  metrics.New(prometheus.DefaultRegisterer),
		Recorder:  db,
		BaseURL:   cfg.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	if grader != nil {
		grader.SetDeliverer(reg)
		defer grader.Wait()
		if err := resubmitPending(ctx, db, grader); err != nil {
			return fmt.Errorf("resubmit pending requests: %w", err)
		}
	}

	h, err := handler.New(reg, db, prometheus.DefaultGatherer, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"base_url", cfg.BaseURL,
		"problems", len(defs),
		"lang", lang,
		"llm_grading", cfg.LLMGrading,
		"prompt_variant", promptVariant,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// resubmitPending hands requests still waiting from a previous run to the
// LLM grader.
func resubmitPending(ctx context.Context, db *store.Store, g *llm.Grader) error {
	pending, err := db.PendingRequests(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		var body xqueue.Body
		if err := json.Unmarshal([]byte(p.Body), &body); err != nil {
			slog.Warn("skipping unreadable queue request", "id", p.ID, "error", err)
			continue
		}
		req := xqueue.Request{
			Header: xqueue.Header{
				LMSCallbackURL: p.CallbackURL,
				LMSKey:         fmt.Sprint(p.QueueKey),
				QueueName:      p.QueueName,
			},
			Body: body,
		}
		if err := g.Submit(ctx, req); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		slog.Info("resubmitted pending requests", "count", len(pending))
	}
	return nil
}

// loadProblems reads every definition in dir and records file hashes. A file
// that changed after instances of its problem were graded is logged, since
// stored maps may no longer match its answer ids.
func loadProblems(ctx context.Context, db *store.Store, dir string) ([]*problem.Definition, error) {
	defs, err := problem.LoadDir(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !problem.IsDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			continue
		}
		if storedHash != "" {
			if err := warnIfGraded(ctx, db, path); err != nil {
				return nil, err
			}
		}
		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return nil, fmt.Errorf("record import for %s: %w", path, err)
		}
	}

	slog.Info("loaded problems", "dir", dir, "count", len(defs))
	return defs, nil
}

func warnIfGraded(ctx context.Context, db *store.Store, path string) error {
	def, err := problem.LoadDefinition(path)
	if err != nil {
		return err
	}
	n, err := db.SnapshotCount(ctx, def.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("problem file changed since instances were graded",
			"path", path, "problem", def.ID, "instances", n)
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedGrader(ctx context.Context, db *store.Store, password string) error {
	count, err := db.GraderCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		slog.Warn("no grader accounts: external graders cannot post results until one is added (set --grader-password or run `autograder grader add`)")
		return nil
	}
	if err := createGrader(ctx, db, defaultGrader, password); err != nil {
		return err
	}
	slog.Info("seeded default grader account", "username", defaultGrader)
	return nil
}

func createGrader(ctx context.Context, db *store.Store, username, password string) error {
	hash, err := handler.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash grader password: %w", err)
	}
	_, err = db.CreateGrader(ctx, model.Grader{
		Username:     username,
		PasswordHash: hash,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create grader %s: %w", username, err)
	}
	return nil
}
