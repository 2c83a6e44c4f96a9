package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tdva/internal/app"
	"tdva/internal/deploy"
	"tdva/internal/progress"
)

func packagesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "packages", Short: "Starter packs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List starter packs offered by the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, source, err := a.Packages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"packages": items, "source": source})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Description})
				}
				tw.SetCaption("source: %s", source)
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func deployCmd() *cobra.Command {
	var req app.DeployRequest
	var createRuleset, noPrompt bool
	var mode string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a starter pack into a new repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("create-ruleset") {
				req.CreateRuleset = &createRuleset
			}
			m := deploy.Mode(mode)
			if m != deploy.ModeCopyPackage && m != deploy.ModeCreate {
				return fmt.Errorf("invalid mode %q: use copy-package or create", mode)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, warnings, err := a.DeploymentConfig(req)
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "Warning:", w)
				}
				o, err := a.NewDeployment(ctx, cfg, m)
				if err != nil {
					return err
				}
				jsonOut := viper.GetBool("json")
				if !jsonOut {
					fmt.Printf("Deploying %s to %s (run %s)\n", cfg.SelectedPackage, cfg.RepoName(), o.ID())
					o.Observe(func(u deploy.Update) {
						if u.Kind != deploy.UpdateStep {
							return
						}
						if st, ok := u.Snapshot.Step(u.StepID); ok {
							fmt.Println(progress.StepLine(st))
						}
					})
				}

				if err := o.Start(ctx, nil); err != nil {
					return err
				}
				for {
					snap := o.Snapshot()
					if jsonOut {
						if err := printJSON(snap); err != nil {
							return err
						}
					} else {
						fmt.Println()
						progress.Render(os.Stdout, snap)
					}
					if snap.Success {
						return nil
					}
					if noPrompt || jsonOut || !confirm("Try again?") {
						return errors.New("deployment failed")
					}
					if err := o.Retry(ctx, nil); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&req.ClientName, "client", "", "client name; the repository is va-<client>")
	cmd.Flags().StringVar(&req.ProjectName, "project", "", "TD workflow project name")
	cmd.Flags().StringVar(&req.Package, "package", "", "starter pack id (see tdva packages list)")
	cmd.Flags().BoolVar(&createRuleset, "create-ruleset", true, "apply branch rules (defaults to tdva.yml)")
	cmd.Flags().StringVar(&mode, "mode", string(deploy.ModeCopyPackage), "backend flow: copy-package or create")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "do not offer a retry on failure")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("package")
	cmd.AddCommand(deployProgressCmd())
	return cmd
}

func deployProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <run-id>",
		Short: "Show file copy progress reported by the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if run.SessionID == "" {
					return fmt.Errorf("run %s has no copy session", run.ID)
				}
				p, err := a.Backend.CopyProgress(ctx, run.SessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Status: %s\nFiles: %d/%d processed, %d created, %d failed\n",
					p.Status, p.FilesProcessed, p.TotalFiles, p.FilesCreated, p.FilesFailed)
				if p.CurrentFile != "" {
					fmt.Println("Current:", p.CurrentFile)
				}
				for _, e := range p.Errors {
					fmt.Println("  -", e)
				}
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Deployment history"}
	cmd.AddCommand(runsListCmd(), runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployment runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repository", "Package", "Status", "Progress", "Attempt", "Updated"})
				for _, r := range runs {
					repoCol := r.RepoName
					if r.RepositoryURL != "" {
						repoCol = r.RepositoryURL
					}
					tw.AppendRow(table.Row{r.ID, repoCol, r.Package, r.Status, fmt.Sprintf("%d%%", r.Progress), r.Attempt, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps and troubleshooting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				snap := deploy.SnapshotFromRun(run)
				if viper.GetBool("json") {
					out := map[string]any{"run": run, "snapshot": snap}
					if events {
						items, err := a.Repo.RunEvents(ctx, run.ID, 0)
						if err != nil {
							return err
						}
						out["events"] = items
					}
					return printJSON(out)
				}
				fmt.Printf("Run %s: %s (%s) attempt %d\n", run.ID, run.RepoName, run.Status, run.Attempt)
				progress.Render(os.Stdout, snap)
				if events {
					items, err := a.Repo.RunEvents(ctx, run.ID, 0)
					if err != nil {
						return err
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Time", "Type", "Step", "Payload"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.TS, e.Type, e.StepID, e.Payload})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "include the step transition log")
	return cmd
}
