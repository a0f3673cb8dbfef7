package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/exam"
	"github.com/pavelanni/sprechen/internal/handler"
	appI18n "github.com/pavelanni/sprechen/internal/i18n"
	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/llm/prompts"
	"github.com/pavelanni/sprechen/internal/model"
	"github.com/pavelanni/sprechen/internal/speech"
	"github.com/pavelanni/sprechen/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: reading .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sprechen",
		Short: "German A1 speaking exam simulator",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), catalogCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `sprechen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "sprechen.db", "SQLite journal path")
	f.String("catalog", "", "Card catalog YAML file (empty = built-in catalog)")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM service")
	f.String("llm-model", "gpt-4o-mini", "Chat model used for evaluation")
	f.String("stt-model", "whisper-1", "Speech-to-text model")
	f.String("tts-model", "tts-1", "Text-to-speech model")
	f.String("tts-voice", "alloy", "Voice of the examiner")
	f.StringP("lang", "l", "en", "UI language (de, en, fa)")
	f.String("feedback-lang", "English", "Language the examiner writes feedback in")
	f.String("prompt-variant", string(prompts.PromptStandard), "Examiner prompt variant (strict, standard, lenient)")
	f.Duration("eval-timeout", exam.DefaultEvalTimeout, "Timeout of a single remote call")
	f.Duration("max-recording", audio.DefaultMaxDuration, "Longest recording before the microphone is released")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /sprechen)")
	f.StringSlice("allowed-origins", nil, "Origins allowed to call the API from another host (CORS)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.Uint64("seed", 0, "Seed for the examiner's card choice (0 = random)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the attempt journal as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "sprechen.db", "SQLite journal path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the card catalog",
		RunE:  runCatalog,
	}
	f := cmd.Flags()
	f.String("catalog", "", "Card catalog YAML file (empty = built-in catalog)")
	f.String("format", "text", "Output format (text, yaml)")
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

	v.SetEnvPrefix("SPRECHEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sprechen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/sprechen")
	v.AddConfigPath("/etc/sprechen")
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
	ctx := context.Background()

	// Open the journal.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cat, err := catalog.Load(v.GetString("catalog"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	builder, err := prompts.New(prompts.PromptVariant(promptVariant), v.GetString("feedback-lang"))
	if err != nil {
		return fmt.Errorf("create prompt builder: %w", err)
	}

	// Create LLM client.
	llmClient, err := llm.New(llm.Options{
		BaseURL:            v.GetString("llm-url"),
		APIKey:             v.GetString("llm-key"),
		Model:              v.GetString("llm-model"),
		TranscriptionModel: v.GetString("stt-model"),
		SpeechModel:        v.GetString("tts-model"),
		Language:           "de",
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	if err := db.SetExamInfo(ctx, model.ExamInfo{
		CatalogHash:   cat.Hash(),
		PromptVariant: promptVariant,
		Model:         llmClient.Model(),
	}); err != nil {
		return fmt.Errorf("record exam info: %w", err)
	}

	clips := audio.NewClips()
	upload := audio.NewUploadDevice()
	recorder := audio.NewRecorder(upload, clips, v.GetDuration("max-recording"))
	player := speech.NewPlayer(llmClient, clips, v.GetString("tts-voice"))

	var rng *rand.Rand
	if seed := v.GetUint64("seed"); seed != 0 {
		rng = rand.New(rand.NewPCG(seed, seed))
	}
	ex, err := exam.New(exam.Config{
		Catalog: cat,
		Deps: exam.Deps{
			Prompts:   builder,
			Evaluator: llmClient,
			Speaker:   player,
			Timeout:   v.GetDuration("eval-timeout"),
			Rand:      rng,
		},
		Journal: db,
	})
	if err != nil {
		return fmt.Errorf("create exam: %w", err)
	}
	ex.OnRestart(player.Reset)

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	examCfg := model.ExamConfig{
		Lang:             lang,
		FeedbackLanguage: v.GetString("feedback-lang"),
		PromptVariant:    promptVariant,
		Voice:            v.GetString("tts-voice"),
		BasePath:         basePath,
		SecureCookies:    v.GetBool("secure-cookies"),
		EvalTimeout:      v.GetDuration("eval-timeout"),
	}

	h, err := handler.New(handler.Deps{
		Exam:     ex,
		Recorder: recorder,
		Upload:   upload,
		Clips:    clips,
		Autoplay: speech.NewAutoplayGuard(),
		History:  db,
	}, examCfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("allowed-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token", "X-Fragment"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", promptVariant,
		"catalog", cat.Hash()[:12],
		"eval_timeout", examCfg.EvalTimeout,
		"base_path", basePath,
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAttempts(context.Background())
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	w, closeOut, err := openOutput(v.GetString("output"))
	if err != nil {
		return err
	}
	defer closeOut()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "count", len(export.Attempts))
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func runCatalog(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cat, err := catalog.Load(v.GetString("catalog"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	return printCatalog(os.Stdout, cat, v.GetString("format"))
}

func printCatalog(w io.Writer, cat *catalog.Catalog, format string) error {
	if strings.ToLower(format) == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cat); err != nil {
			return fmt.Errorf("encode catalog: %w", err)
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "catalog\t%s\n\n", cat.Hash())
	fmt.Fprintf(tw, "PART\tID\tTHEME\tLABEL\n")
	for _, p := range cat.Prompts() {
		fmt.Fprintf(tw, "%s\t%s\t\t%s\n", model.SectionIntro, p.ID(), p.Label())
	}
	for _, c := range cat.TopicCards() {
		theme := ""
		if tc, ok := c.(catalog.TopicCard); ok {
			theme = tc.Theme
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", model.SectionInfo, c.ID(), theme, c.Label())
	}
	for _, c := range cat.RequestCards() {
		fmt.Fprintf(tw, "%s\t%s\t\t%s\n", model.SectionRequests, c.ID(), c.Label())
	}
	return tw.Flush()
}
