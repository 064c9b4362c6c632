package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"incidentline/internal/app"
	"incidentline/internal/domain"
	"incidentline/internal/resolve"
	"incidentline/internal/runbook"
)

func runbookCmd() *cobra.Command {
	rb := &cobra.Command{
		Use:   "runbook",
		Short: "Validate and run runbooks",
	}
	rb.AddCommand(runbookValidateCmd())
	rb.AddCommand(runbookRunCmd())
	rb.AddCommand(runbookExecCmd())
	return rb
}

func loadRunbook(path string) (domain.Runbook, error) {
	rb, err := runbook.Load(path)
	if err != nil {
		return domain.Runbook{}, err
	}
	if len(rb.Steps) == 0 {
		return domain.Runbook{}, fmt.Errorf("%s: no ACTION steps", path)
	}
	return rb, nil
}

func runbookValidateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Parse runbook files, or every runbook the config routes to with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				workspace := viper.GetString("workspace")
				cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
				if err != nil {
					return err
				}
				if err := resolve.CatalogFromConfig(workspace, cfg).Validate(); err != nil {
					return err
				}
				fmt.Println("runbook catalog OK")
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("runbook file or --all required")
			}
			for _, path := range args {
				rb, err := loadRunbook(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s, %d step(s)\n", path, rb.Name, len(rb.Steps))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "validate the configured catalog")
	return cmd
}

func runbookRunCmd() *cobra.Command {
	var envPairs []string
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a runbook locally and print its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rb, err := loadRunbook(args[0])
			if err != nil {
				return err
			}
			env, err := parseEnv(envPairs)
			if err != nil {
				return err
			}
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ResolutionTimeout())
			defer cancel()
			report, runErr := runbook.NewExecutor(newLogger(cfg)).Run(ctx, rb, runbook.RunOptions{Env: env})
			if viper.GetBool("json") {
				if err := printJSON(report.Result); err != nil {
					return err
				}
				return runErr
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Kind", "Action", "Status", "Attempts", "Error"})
			for _, sr := range report.Result.StepResults {
				tw.AppendRow(table.Row{sr.Order, sr.Kind, sr.Action, sr.Status, sr.Attempts, sr.Error})
			}
			tw.AppendFooter(table.Row{"", "", "", report.Result.OverallStatus, "", fmt.Sprintf("%d artifact(s)", len(report.Result.Artifacts))})
			tw.Render()
			return runErr
		},
	}
	cmd.Flags().StringSliceVar(&envPairs, "env", nil, "KEY=VALUE passed to CLI steps (repeatable)")
	return cmd
}

// runbookExecCmd is the child side of the process resolution backend.
func runbookExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "exec",
		Short:  "Run one resolution request read from stdin",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			code, err := resolve.ServeProcess(cmd.Context(), os.Stdin, os.Stdout, runbook.NewExecutor(newLogger(cfg)))
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			os.Exit(code)
			return nil
		},
	}
}
