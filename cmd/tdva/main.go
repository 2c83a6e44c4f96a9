package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"tdva/internal/app"
	"tdva/internal/config"
	"tdva/internal/db"
	"tdva/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "tdva",
	Short: "TD Value Accelerator deployment client",
	Long: `tdva deploys Treasure Data starter packs into new GitHub repositories.
Core concepts:
- Credentials: a TD API key with region and per-environment tokens, plus a GitHub personal access token. Both are kept in the workspace database, obfuscated but not encrypted.
- Packages: starter packs of TD workflows offered by the deployment backend.
- Deployment: one call to the backend creates the repository, copies the package, and provisions secrets, variables and branch rules; tdva then creates the development branch.
- Runs: every deployment and its step history are recorded; view them with 'tdva runs'.`,
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
	viper.SetEnvPrefix("TDVA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if _, err := os.Stat(envFile); err == nil {
		viper.SetConfigFile(envFile)
		viper.SetConfigType("env")
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: read %s: %v\n", envFile, err)
		}
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(packagesCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(githubCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var backendURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create tdva.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			content := config.GenerateDefault(backendURL)
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error { return nil })
			if err != nil {
				return err
			}
			if jwtSecret() == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(workspace, ".env"), "TDVA_JWT_SECRET", secret); err != nil {
					return err
				}
				fmt.Printf("Generated TDVA_JWT_SECRET in %s\n", filepath.Join(workspace, ".env"))
			}
			fmt.Printf("Initialized workspace %s (config %s, database %s)\n", workspace, path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "deployment backend base URL")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing tdva.yml")
	return cmd
}

func newLogger() *slog.Logger {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withAppOptions(ctx, app.Options{}, fn)
}

func withAppOptions(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jwtSecret reads TDVA_JWT_SECRET from the environment or the workspace .env.
func jwtSecret() string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return viper.GetString("tdva_jwt_secret")
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var stdin = bufio.NewReader(os.Stdin)

// prompt reads one line. Hidden input is used for tokens when stdin is a terminal.
func prompt(label string, hidden bool) (string, error) {
	fmt.Fprint(os.Stderr, label)
	fd := int(os.Stdin.Fd())
	if hidden && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func confirm(label string) bool {
	answer, err := prompt(label+" [y/N] ", false)
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
