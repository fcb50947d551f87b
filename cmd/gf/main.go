package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"gameforge/internal/agent"
	"gameforge/internal/app"
	"gameforge/internal/config"
	"gameforge/internal/db"
	"gameforge/internal/domain"
	"gameforge/internal/engine"
	"gameforge/internal/engine/auth"
	"gameforge/internal/logging"
	"gameforge/internal/pipeline"
	"gameforge/internal/repo"
	"gameforge/internal/server"
	"gameforge/internal/store"
	"gameforge/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Gameforge CLI",
	Long: `Gameforge turns a one-line game idea into a reviewed design package.
Core concepts:
- Workspace: a directory holding gameforge.yml, the .gameforge ledger and the output folder.
- Run: one pass of the pipeline for a project id; runs are recorded with their score and usage.
- Stages: concept, levels and narrative design, then optional asset, style, animation and audio stages.
- Quality gate: every stage output is scored; low scores are reported, they never stop a run.
- Event log: every stage event is recorded, view it with 'gf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GAMEFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on runs")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create gameforge.yml and the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			conn, err := db.OpenMigrated(cmd.Context(), db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path, "ledger": db.Path(workspace)})
			}
			fmt.Printf("Wrote %s\nLedger at %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "gameforge", "project name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		opts      engine.RunOptions
		overrides app.Overrides
		mock      bool
		assets    bool
	)
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run the pipeline for a game idea",
		Long:  "Runs every stage for the request and writes the design package to the output folder. A failing stage stops the run; low quality scores only show up in the report.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mock {
				overrides.Backend = config.BackendMock
			}
			if cmd.Flags().Changed("assets") {
				overrides.Assets = &assets
			}
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, overrides)
			if err != nil {
				return err
			}
			var reviewer agent.Reviewer
			if cfg.Pipeline.ReviewMode == string(agent.ReviewManual) && cfg.Pipeline.Assets {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("manual review needs an interactive terminal; use --review-mode auto")
				}
				reviewer = &agent.PromptReviewer{In: os.Stdin, Out: os.Stderr}
			}
			opts.UserRequest = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), cfg, reviewer, func(ctx context.Context, a *app.App) error {
				run, res, runErr := a.Engine.StartRun(ctx, opts)
				if runErr != nil && (run.ID == "" || errors.Is(runErr, engine.ErrRunInProgress)) {
					return runErr
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"run": run, "result": res}); err != nil {
						return err
					}
					return runErr
				}
				printRunSummary(run, res)
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Genre, "genre", "", "genre (inferred from the request when empty)")
	cmd.Flags().StringVar(&opts.TargetAudience, "target-audience", "", "target audience")
	cmd.Flags().StringSliceVar(&opts.Platforms, "platform", nil, "target platform (repeatable)")
	cmd.Flags().IntVar(&overrides.Levels, "levels", 0, "number of levels to design")
	cmd.Flags().BoolVar(&assets, "assets", false, "run the asset stages")
	cmd.Flags().StringVar(&overrides.ReviewMode, "review-mode", "", "asset review mode: auto or manual")
	cmd.Flags().BoolVar(&mock, "mock", false, "use canned generator responses")
	cmd.Flags().StringVar(&overrides.Backend, "backend", "", "generator backend: mock, proxy or gemini")
	cmd.Flags().StringVar(&overrides.Model, "model", "", "generator model")
	cmd.Flags().StringVar(&overrides.OutputDir, "output-dir", "", "output directory")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	runs.AddCommand(runsListCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Status", "Score", "Genre", "By", "Created"})
				for _, r := range runs {
					score := ""
					if r.Score != nil {
						score = fmt.Sprintf("%d", *r.Score)
					}
					tw.AppendRow(table.Row{r.ID, r.ProjectID, r.Status, score, r.Genre, r.RequestedBy, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of runs")
	return cmd
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "context",
		Short: "Inspect project contexts",
		Long:  "The project context is the shared document every stage reads from and writes to; it is saved after each run.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show <project_id>",
		Short: "Print the saved project context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pc, err := e.Context(args[0])
				if err != nil {
					return err
				}
				return printJSON(pc)
			})
		},
	})
	return c
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <project_id>",
		Short: "Show the quality report of the latest completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.QualityReport(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Score", "Passed", "Issues"})
				for _, s := range report.Stages {
					tw.AppendRow(table.Row{s.Stage, s.Score, s.Passed, len(s.Issues)})
				}
				tw.AppendFooter(table.Row{"overall", report.OverallScore, report.Passed, len(report.Issues)})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every event emitted during a run, in the order the bus delivered it.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Type", "Agent", "Project", "TS"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.Seq, evt.Type, evt.SourceAgent, evt.ProjectID, evt.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project-id", "", "project filter")
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "run filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect gameforge.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate gameforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var mock bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides app.Overrides
			if mock {
				overrides.Backend = config.BackendMock
			}
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), overrides)
			if err != nil {
				return err
			}
			secrets, err := config.LoadSecrets()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, nil, func(ctx context.Context, a *app.App) error {
				logger := a.Engine.Logger
				if n, err := a.Engine.RecoverStale(ctx); err != nil {
					return err
				} else if n > 0 {
					logger.Warn("marked interrupted runs as failed", slog.Int64("runs", n))
				}
				if secrets.JWTSecret == "" {
					logger.Warn("GAMEFORGE_JWT_SECRET not set; every request acts as the local admin")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secrets.JWTSecret},
					Stages:   a.Stages,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Gameforge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&mock, "mock", false, "use canned generator responses")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, err := config.LoadSecrets()
			if err != nil {
				return err
			}
			if secrets.JWTSecret == "" {
				return fmt.Errorf("GAMEFORGE_JWT_SECRET is required to sign tokens")
			}
			for _, r := range roles {
				if !auth.KnownRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			token, err := auth.Issue(secrets.JWTSecret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (actor id)")
	cmd.Flags().StringArrayVar(&roles, "role", []string{"designer"}, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	return logging.New(os.Stderr, level, cfg.Logging.Format)
}

func withApp(ctx context.Context, cfg *config.Config, reviewer agent.Reviewer, fn func(context.Context, *app.App) error) error {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(ctx, "gameforge")
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))
	logger := newLogger(cfg)
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Secrets:   secrets,
		Reviewer:  reviewer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.NewContext(ctx, logger), a)
}

// withLedger opens the ledger and the output store without building a
// generator, for commands that only read.
func withLedger(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	conn, err := db.OpenMigrated(ctx, db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, nil, store.FileStore{Root: app.OutputRoot(workspace, cfg)})
	e.Logger = newLogger(cfg)
	return fn(ctx, e)
}

func printRunSummary(run domain.Run, res *pipeline.Result) {
	fmt.Printf("Run %s for %s: %s\n", run.ID, run.ProjectID, run.Status)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}
	if res == nil {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Agent", "State", "Duration", "Error"})
	for _, s := range res.Stages {
		tw.AppendRow(table.Row{s.Name, s.Agent, s.State, s.Duration.Round(time.Millisecond), s.Error})
	}
	tw.Render()

	if len(res.Report.Stages) > 0 {
		rw := table.NewWriter()
		rw.SetOutputMirror(os.Stdout)
		rw.AppendHeader(table.Row{"Stage", "Score", "Passed"})
		for _, s := range res.Report.Stages {
			rw.AppendRow(table.Row{s.Stage, s.Score, s.Passed})
		}
		rw.AppendFooter(table.Row{"overall", res.Report.OverallScore, res.Report.Passed})
		rw.Render()
	}
	for _, issue := range res.Report.Issues {
		fmt.Printf("  issue: %s\n", issue)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Printf("Events: %d (handler failures: %d)\n", res.Events, res.HandlerFailures)
	fmt.Printf("API calls: %d, tokens: %d, estimated cost: $%.4f\n", res.Usage.APICalls, res.Usage.TotalTokens, res.Usage.EstimatedCostUSD)
	if run.OutputDir != "" {
		fmt.Printf("Output: %s\n", run.OutputDir)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
