package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinsim/ecos/internal/exam"
	"github.com/clinsim/ecos/internal/handler"
	appI18n "github.com/clinsim/ecos/internal/i18n"
	"github.com/clinsim/ecos/internal/llm"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/quota"
	"github.com/clinsim/ecos/internal/retrieval"
	"github.com/clinsim/ecos/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ecos",
		Short: "Simulated clinical examination (ECOS) server powered by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ECOS HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "ecos.db", "SQLite database path")
	f.StringSliceP("scenarios", "s", nil, "Paths to scenario JSON files (repeatable)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("retrieval-url", "", "Vector-search service base URL (empty disables retrieval)")
	f.Int("retrieval-top-k", 3, "Number of passages per retrieval call")
	f.StringP("lang", "l", "fr", "Report language (fr, en)")
	f.Int("daily-limit", quota.DefaultDailyLimit, "Daily question limit per student")
	f.Int("quota-utc-offset", 2, "Hours added to UTC when computing the quota day")
	f.Duration("eval-timeout", 0, "Timeout for one grading call (0 = default)")
	f.String("instructor-key", "", "Initial instructor access key (or set ECOS_INSTRUCTOR_KEY)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all sessions with transcripts and reports as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "ecos.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
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

	v.SetEnvPrefix("ECOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("ecos")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/ecos")
	v.AddConfigPath("/etc/ecos")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedInstructor(db, v.GetString("instructor-key")); err != nil {
		return fmt.Errorf("seed instructor: %w", err)
	}

	if err := loadScenarios(db, v.GetStringSlice("scenarios")); err != nil {
		return fmt.Errorf("load scenarios: %w", err)
	}
	scenarioCount, err := db.ScenarioCount()
	if err != nil {
		return fmt.Errorf("count scenarios: %w", err)
	}
	if scenarioCount == 0 {
		slog.Warn("no scenarios available, sessions cannot be started until an instructor creates one")
	} else {
		slog.Info("scenario catalog ready", "count", scenarioCount)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)
	if err := llmClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	var retriever retrieval.Retriever = retrieval.Noop{}
	if url := v.GetString("retrieval-url"); url != "" {
		retriever = retrieval.NewClient(url, v.GetInt("retrieval-top-k"))
		slog.Info("vector search enabled", "url", url)
	}

	reporter := exam.NewReporter(db, lang)
	evaluator := exam.NewEvaluator(db, llmClient, reporter, v.GetDuration("eval-timeout"))
	queue := exam.NewQueue(evaluator, 0)
	queue.Start()
	defer queue.Stop()

	manager := exam.NewManager(db, llmClient, retriever, queue)
	tracker := quota.New(db, v.GetInt("daily-limit"), v.GetInt("quota-utc-offset"))

	h := handler.New(db, manager, evaluator, tracker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"daily_limit", v.GetInt("daily-limit"),
		"quota_utc_offset", v.GetInt("quota-utc-offset"),
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAllSessions()
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	return nil
}

// loadScenarios imports scenario JSON files, skipping files already imported
// with the same content hash. A changed file is skipped with a warning so
// sessions referencing its scenarios keep a stable rubric.
func loadScenarios(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("scenario file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("scenario file changed since last import, skipping to keep existing sessions stable",
				"path", path)
			continue
		}

		var imports []model.ScenarioImport
		if err := json.Unmarshal(data, &imports); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, si := range imports {
			id := si.ID
			if id == "" {
				id = uuid.New().String()
			}
			err := db.CreateScenario(model.Scenario{
				ID:            id,
				Title:         si.Title,
				Description:   si.Description,
				PersonaPrompt: si.PersonaPrompt,
				KnowledgeRef:  si.KnowledgeRef,
				Rubric:        si.Rubric,
			})
			if err != nil {
				return fmt.Errorf("insert scenario from %s: %w", path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported scenarios", "path", path, "count", len(imports))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedInstructor(db *store.Store, key string) error {
	count, err := db.InstructorCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if key == "" {
		return fmt.Errorf("instructor key is required: set --instructor-key flag or ECOS_INSTRUCTOR_KEY env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash instructor key: %w", err)
	}

	_, err = db.CreateInstructor(model.Instructor{
		Name:    "instructor",
		KeyHash: string(hash),
		Active:  true,
	})
	if err != nil {
		return fmt.Errorf("create instructor: %w", err)
	}

	slog.Info("seeded default instructor", "name", "instructor")
	return nil
}
