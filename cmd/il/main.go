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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"incidentline/internal/aggregate"
	"incidentline/internal/app"
	"incidentline/internal/config"
	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
	"incidentline/internal/resolve"
	"incidentline/internal/server"
	"incidentline/internal/stream"
	"incidentline/internal/ticket"
	incidentlinesdk "incidentline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "incidentline CLI",
	Long: `incidentline turns raw service logs into tracked incidents.
- Session: one uploaded log batch, analysed into an ordered narrative of reasoning steps.
- Ticket: one qualifying issue per dataset, service and issue type, routed to its owner.
- Runbook: the ordered Web, CLI and API steps that remediate a ticket.
- Resolution: a bounded background run of a runbook that moves a ticket to Resolved or Failed.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INCIDENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/incidentline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().String("server", "", "API base URL; commands that support it talk to a running server")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-json", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(runbookCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := viper.GetString("log-level")
	asJSON := viper.GetBool("log-json")
	if cfg != nil {
		if level == "" {
			level = cfg.Logging.Level
		}
		asJSON = asJSON || cfg.Logging.JSON
	}
	return logging.New(level, asJSON)
}

// withRuntime opens the workspace for the duration of fn.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace:  workspace,
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(cfg),
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.Logger.Warn("shutdown", slog.Any("error", err))
		}
	}()
	return fn(ctx, rt)
}

// jwtSecret prefers the command's --jwt-secret flag over the environment.
func jwtSecret(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("jwt-secret"); v != "" {
		return v
	}
	return viper.GetString("jwt-secret")
}

func remoteClient() (*incidentlinesdk.Client, bool) {
	base := viper.GetString("server")
	if base == "" {
		return nil, false
	}
	c := incidentlinesdk.New(base)
	c.BearerToken = viper.GetString("token")
	return c, true
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
					return err
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(cmd), Logger: rt.Logger}
				if authCfg.JWTSecret == "" {
					rt.Logger.Warn("INCIDENTLINE_JWT_SECRET not set; mutations are unauthenticated")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, rt.Engine, rt.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving incidentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for operator tokens (env INCIDENTLINE_JWT_SECRET)")
	return cmd
}

func formatOf(path, override string) string {
	if override != "" {
		return override
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl", ".json":
		return "ndjson"
	default:
		return "csv"
	}
}

func analyzeCmd() *cobra.Command {
	var dataset, mode, format string
	var autoResolve bool
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Analyse a log file and print the session narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := aggregate.ParseMode(mode)
			if err != nil {
				return err
			}
			if c, ok := remoteClient(); ok {
				opts := incidentlinesdk.UploadOptions{Dataset: dataset, Mode: mode}
				if formatOf(args[0], format) == "ndjson" {
					opts.ContentType = "application/x-ndjson"
				}
				if cmd.Flags().Changed("auto-resolve") {
					opts.AutoResolve = &autoResolve
				}
				sess, err := c.CreateSession(cmd.Context(), raw, opts)
				if err != nil {
					return err
				}
				return printResult(sess)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in := engine.Input{Dataset: dataset, Format: formatOf(args[0], format), Raw: raw, Mode: m}
				if cmd.Flags().Changed("auto-resolve") {
					in.AutoResolve = &autoResolve
				}
				info, err := rt.Engine.StartSession(ctx, in)
				if err != nil {
					return err
				}
				printed := make(chan struct{})
				if b, ok := rt.Engine.Hub.Get(info.ID); ok && !viper.GetBool("json") {
					sub := b.Subscribe(0)
					go func() {
						defer close(printed)
						defer sub.Close()
						for {
							frame, err := sub.Next(ctx)
							if err != nil {
								return
							}
							if !frame.Keepalive {
								printStep(frame.Step)
							}
						}
					}()
				} else {
					close(printed)
				}
				if err := rt.Engine.Wait(ctx, info.ID); err != nil {
					return err
				}
				waitResolutions(ctx, rt.Engine)
				snap, err := rt.Engine.Snapshot(ctx, info.ID)
				if err != nil {
					return err
				}
				if _, err := rt.Engine.CloseSession(ctx, info.ID); err != nil {
					return err
				}
				<-printed
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Println()
				printTickets(snap.Tickets)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name (default content digest)")
	cmd.Flags().StringVar(&mode, "mode", "auto", "aggregation mode: auto, passthrough, fallback")
	cmd.Flags().StringVar(&format, "format", "", "input format: csv or ndjson (default from extension)")
	cmd.Flags().BoolVar(&autoResolve, "auto-resolve", false, "trigger resolution for new tickets")
	return cmd
}

func waitResolutions(ctx context.Context, e *engine.Engine) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for len(e.Resolver.Running()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printStep(s domain.ReasoningStep) {
	suffix := ""
	if s.TicketID != "" {
		suffix = " [" + s.TicketID + "]"
	}
	fmt.Printf("%4d %-16s %s%s\n", s.SequenceNo, s.Type, s.Content, suffix)
}

func watchCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "watch SESSION",
		Short: "Follow the reasoning stream of a session on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := remoteClient()
			if !ok {
				return fmt.Errorf("--server required")
			}
			return c.Follow(cmd.Context(), args[0], nil, func(s incidentlinesdk.Step) {
				printStep(domain.ReasoningStep{SequenceNo: s.SequenceNo, Type: domain.StepType(s.Type), Content: s.Content, TicketID: s.TicketID})
			}, incidentlinesdk.FollowOptions{After: after})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "resume after this sequence number")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Inspect analysis sessions"}
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionReplayCmd())
	return sess
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Dataset", "Mode", "Entries", "Started", "Finished"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Dataset, s.Mode, s.Entries, s.StartedAt, s.FinishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions")
	return cmd
}

func sessionReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay SESSION|ARCHIVE",
		Short: "Print the archived narrative of a closed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			show := func(steps []domain.ReasoningStep) error {
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				for _, s := range steps {
					printStep(s)
				}
				return nil
			}
			if strings.HasSuffix(args[0], ".zst") {
				steps, err := stream.ReadArchive(args[0])
				if err != nil {
					return err
				}
				return show(steps)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return show(snap.ReasoningSteps)
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{
		Use:     "ticket",
		Aliases: []string{"tickets"},
		Short:   "Manage tickets",
	}
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketShowCmd())
	tk.AddCommand(ticketEventsCmd())
	tk.AddCommand(ticketResolveCmd())
	tk.AddCommand(ticketCancelCmd())
	return tk
}

func printTickets(items []domain.Ticket) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Priority", "Status", "Service", "Issue", "Count", "Assignee", "Team"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Priority, t.Status, t.Issue.Service, t.Issue.IssueType, t.Issue.Count, t.AssignedTo.Name, t.AssignedTo.Team})
	}
	tw.Render()
}

func ticketListCmd() *cobra.Command {
	var f ticket.Filter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				items, err := c.Tickets(cmd.Context(), status)
				if err != nil {
					return err
				}
				return printResult(items)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.Status = domain.TicketStatus(status)
				items := rt.Engine.Tickets.List(f)
				ticket.SortByPriority(items)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTickets(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (Open, InProgress, Resolved, Failed)")
	cmd.Flags().StringVar(&f.Dataset, "dataset", "", "dataset filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				t, err := c.Ticket(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(t)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Tickets.Get(args[0])
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
}

func ticketEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events ID",
		Short: "Show the audit journal of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.TicketEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q; want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

func ticketResolveCmd() *cobra.Command {
	var envPairs []string
	var runbookPath string
	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Run the ticket's runbook and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnv(envPairs)
			if err != nil {
				return err
			}
			if c, ok := remoteClient(); ok {
				t, err := c.Resolve(cmd.Context(), args[0], env)
				if err != nil {
					return err
				}
				return printResult(t)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts := resolve.TriggerOptions{Env: env}
				if runbookPath != "" {
					rb, err := loadRunbook(runbookPath)
					if err != nil {
						return err
					}
					opts.Runbook = &rb
				}
				if _, err := rt.Engine.Resolve(ctx, args[0], opts); err != nil {
					return err
				}
				waitResolutions(ctx, rt.Engine)
				t, err := rt.Engine.Tickets.Get(args[0])
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	cmd.Flags().StringSliceVar(&envPairs, "env", nil, "KEY=VALUE passed to CLI steps (repeatable)")
	cmd.Flags().StringVar(&runbookPath, "runbook", "", "runbook file overriding the configured catalog")
	return cmd
}

func ticketCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running resolution on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := remoteClient()
			if !ok {
				return fmt.Errorf("--server required: resolutions only outlive a command on a running server")
			}
			t, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(t)
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage incidentline.yml",
		Long:  "Config holds analysis thresholds, service owners, the knowledge base, runbook routing and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default incidentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and the runbooks it routes to",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
			if err == nil {
				err = resolve.CatalogFromConfig(workspace, cfg).Validate()
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT signed with INCIDENTLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(jwtSecret(cmd), subject, roles, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role: admin, responder, analyst (repeatable)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "direct permission grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime; 0 for none")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (env INCIDENTLINE_JWT_SECRET)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// printResult prints single records; they are nested, so both output modes
// use indented JSON.
func printResult(v any) error {
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
