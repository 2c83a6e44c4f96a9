package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tdva/internal/app"
	"tdva/internal/domain"
)

// githubCmd exposes the direct GitHub operations. A normal deployment goes
// through the backend; these are for repairing a partially provisioned repo.
func githubCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "github", Short: "Provision a repository directly through the GitHub API"}
	cmd.AddCommand(ghCreateRepoCmd(), ghSecretsCmd(), ghVariablesCmd(), ghRulesetsCmd(), ghBranchCmd())
	return cmd
}

func ghCreateRepoCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "create-repo",
		Short: "Create the va-<client> repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gh, err := a.GitHub()
				if err != nil {
					return err
				}
				repo, err := gh.CreateRepository(ctx, client)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(repo)
				}
				fmt.Printf("Created %s: %s\n", repo.FullName, repo.HTMLURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func ghSecretsCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Create environments and store the TD environment tokens as secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				td := a.Store.TD()
				if td == nil {
					return app.ErrNoTDCredentials
				}
				if !td.EnvironmentTokens.Any() {
					return fmt.Errorf("no environment tokens stored; run tdva credentials td set with --prod-token, --qa-token or --dev-token")
				}
				gh, err := a.GitHub()
				if err != nil {
					return err
				}
				results, err := gh.CreateEnvironmentSecrets(ctx, repo, td.EnvironmentTokens)
				if viper.GetBool("json") {
					if perr := printJSON(results); perr != nil {
						return perr
					}
					return err
				}
				for _, r := range results {
					fmt.Printf("✔ %s: %v\n", r.Environment, r.Secrets)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func ghVariablesCmd() *cobra.Command {
	var repo, project string
	cmd := &cobra.Command{
		Use:   "variables",
		Short: "Create the TD workflow repository variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				region := domain.RegionUS01
				if td := a.Store.TD(); td != nil {
					region = td.Region
				}
				gh, err := a.GitHub()
				if err != nil {
					return err
				}
				vars, err := gh.CreateRepositoryVariables(ctx, repo, region, project)
				if viper.GetBool("json") {
					if perr := printJSON(vars); perr != nil {
						return perr
					}
					return err
				}
				for _, v := range vars {
					fmt.Printf("✔ %s=%s\n", v.Name, v.Value)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&project, "project", "", "TD workflow project name")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func ghRulesetsCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "rulesets",
		Short: "Apply the branch naming and main protection rulesets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gh, err := a.GitHub()
				if err != nil {
					return err
				}
				rulesets, err := gh.CreateRuleset(ctx, repo)
				if viper.GetBool("json") {
					if perr := printJSON(rulesets); perr != nil {
						return perr
					}
					return err
				}
				for _, r := range rulesets {
					fmt.Printf("✔ ruleset %s (%s)\n", r.Name, r.Enforcement)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func ghBranchCmd() *cobra.Command {
	var repo, branch string
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Create the development branch from main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if branch == "" {
					branch = a.Config.GitHub.DevelopmentBranch
				}
				gh, err := a.GitHub()
				if err != nil {
					return err
				}
				b, err := gh.CreateBranch(ctx, repo, branch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("✔ %s at %s\n", b.Ref, b.SHA)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name (defaults to github.development_branch)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}
