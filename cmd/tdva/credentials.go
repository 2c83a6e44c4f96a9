package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tdva/internal/app"
	"tdva/internal/domain"
)

const obfuscationNotice = "Note: stored tokens are obfuscated, not encrypted. Protect the workspace directory."

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Short: "Manage TD and GitHub credentials"}
	td := &cobra.Command{Use: "td", Short: "Manage Treasure Data credentials"}
	td.AddCommand(tdSetCmd(), tdShowCmd(), tdClearCmd(), tdTestCmd())
	gh := &cobra.Command{Use: "github", Short: "Manage GitHub credentials"}
	gh.AddCommand(githubSetCmd(), githubShowCmd(), githubClearCmd())
	cmd.AddCommand(td, gh, credentialsClearCmd())
	return cmd
}

func tdSetCmd() *cobra.Command {
	var apiKey, region, prod, qa, dev string
	var test bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store TD API key, region and environment tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if apiKey == "" {
				if apiKey, err = prompt("TD API key: ", true); err != nil {
					return err
				}
			}
			if apiKey == "" {
				return fmt.Errorf("api key is required")
			}
			r := domain.Region(region)
			if !r.Valid() {
				return fmt.Errorf("invalid region %q: use us01 or eu01", region)
			}
			creds := domain.TDCredentials{
				APIKey:            apiKey,
				Region:            r,
				EnvironmentTokens: domain.EnvironmentTokens{Prod: prod, QA: qa, Dev: dev},
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.SetTD(ctx, &creds); err != nil {
					return err
				}
				fmt.Println("TD credentials saved.")
				if !creds.Ready() {
					fmt.Println("Warning: no environment tokens set; environment secrets will be skipped during deployment.")
				}
				if test {
					return runConnectionTest(ctx, a, creds)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "TD API key (prompted when omitted)")
	cmd.Flags().StringVar(&region, "region", string(domain.RegionUS01), "TD region (us01, eu01)")
	cmd.Flags().StringVar(&prod, "prod-token", "", "TD API token for the prod environment")
	cmd.Flags().StringVar(&qa, "qa-token", "", "TD API token for the qa environment")
	cmd.Flags().StringVar(&dev, "dev-token", "", "TD API token for the dev environment")
	cmd.Flags().BoolVar(&test, "test", false, "test the connection after saving")
	return cmd
}

func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 4:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

func tdShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored TD credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				td := a.Store.TD()
				if viper.GetBool("json") {
					if td == nil {
						return printJSON(map[string]any{"configured": false})
					}
					return printJSON(map[string]any{
						"configured": true,
						"apiKey":     mask(td.APIKey),
						"region":     td.Region,
						"ready":      td.Ready(),
						"connected":  a.Store.Connected(),
					})
				}
				if td == nil {
					fmt.Println("TD credentials are not configured. Run tdva credentials td set.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRow(table.Row{"API key", mask(td.APIKey)})
				tw.AppendRow(table.Row{"Region", td.Region})
				tw.AppendRow(table.Row{"Prod token", mask(td.EnvironmentTokens.Prod)})
				tw.AppendRow(table.Row{"QA token", mask(td.EnvironmentTokens.QA)})
				tw.AppendRow(table.Row{"Dev token", mask(td.EnvironmentTokens.Dev)})
				tw.AppendRow(table.Row{"Connected", a.Store.Connected()})
				tw.Render()
				fmt.Println(obfuscationNotice)
				return nil
			})
		},
	}
}

func tdClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove TD credentials and the connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("TD credentials cleared.")
				return nil
			})
		},
	}
}

func tdTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the stored TD credentials through the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				td := a.Store.TD()
				if td == nil {
					return app.ErrNoTDCredentials
				}
				return runConnectionTest(ctx, a, *td)
			})
		},
	}
}

func runConnectionTest(ctx context.Context, a *app.App, creds domain.TDCredentials) error {
	res, err := a.TestConnection(ctx, creds)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.OK {
		fmt.Printf("✔ %s\n", res.Message)
		return nil
	}
	fmt.Printf("✗ %s\n", res.Message)
	if res.Details != "" {
		fmt.Println("  " + res.Details)
	}
	if res.Suggestion != "" {
		fmt.Println("  " + res.Suggestion)
	}
	return fmt.Errorf("connection test failed")
}

func githubSetCmd() *cobra.Command {
	var token, org string
	var skipValidate bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a GitHub personal access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if token == "" {
				if token, err = prompt("GitHub personal access token: ", true); err != nil {
					return err
				}
			}
			if token == "" {
				return fmt.Errorf("token is required")
			}
			creds := domain.GitHubCredentials{PersonalAccessToken: token, Organization: org}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !skipValidate {
					gh, err := a.GitHubFor(creds)
					if err != nil {
						return err
					}
					user, err := gh.CurrentUser(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Authenticated as %s.\n", user.Login)
				}
				if err := a.Store.SetGitHub(ctx, &creds); err != nil {
					return err
				}
				fmt.Println("GitHub credentials saved.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "personal access token (prompted when omitted)")
	cmd.Flags().StringVar(&org, "org", "", "organization that owns new repositories (defaults to the token's user)")
	cmd.Flags().BoolVar(&skipValidate, "skip-validate", false, "store without calling the GitHub API")
	return cmd
}

func githubShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored GitHub credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gh := a.Store.GitHub()
				if viper.GetBool("json") {
					if gh == nil {
						return printJSON(map[string]any{"configured": false})
					}
					return printJSON(map[string]any{"configured": true, "token": mask(gh.PersonalAccessToken), "organization": gh.Organization})
				}
				if gh == nil {
					fmt.Println("GitHub credentials are not configured. Run tdva credentials github set.")
					return nil
				}
				org := gh.Organization
				if org == "" {
					org = "(token owner)"
				}
				fmt.Printf("Token:        %s\nOrganization: %s\n%s\n", mask(gh.PersonalAccessToken), org, obfuscationNotice)
				return nil
			})
		},
	}
}

func githubClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove GitHub credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.ClearGitHub(ctx); err != nil {
					return err
				}
				fmt.Println("GitHub credentials cleared.")
				return nil
			})
		},
	}
}

func credentialsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.Clear(ctx); err != nil {
					return err
				}
				if err := a.Store.ClearGitHub(ctx); err != nil {
					return err
				}
				fmt.Println("All credentials cleared.")
				return nil
			})
		},
	}
}
