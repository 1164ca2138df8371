// Command worldcore runs the request dispatch core: it loads configuration,
// decrypts provider keys, starts the kernel and serves the event, stats and
// metrics endpoints until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"worldcore/internal/kernel"
	"worldcore/pkg/config"
	"worldcore/pkg/logx"
	"worldcore/pkg/metrics"
	"worldcore/pkg/version"
)

// EnvPassword supplies the secrets passphrase without a terminal prompt.
const EnvPassword = "WORLDCORE_PASSWORD"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to the subcommand and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "secrets":
			return runSecrets(args[1:], stdout, stderr)
		case "stats":
			return runStats(args[1:], stdout, stderr)
		}
	}
	return runServe(args, stdout, stderr)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worldcore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "worldcore.yaml", "Path to the configuration file (.yaml or .json)")
	secretsPath := fs.String("secrets", config.SecretsFileName, "Path to the encrypted secrets file")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	logger := logx.NewLogger("main")

	cfg, err := loadConfig(*configPath, *secretsPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := kernel.New(cfg, kernel.WithRegistry(metrics.NewRegistry().WithProcessCollectors()))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create kernel: %v\n", err)
		return 1
	}
	if err := k.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Failed to start kernel: %v\n", err)
		return 1
	}

	api, err := newServer(k)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create server: %v\n", err)
		_ = k.Stop(context.Background())
		return 1
	}
	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed: %v", err)
			exitCode = 1
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}
	if err := k.Stop(stopCtx); err != nil {
		logger.Error("Error stopping kernel: %v", err)
		exitCode = 1
	}
	return exitCode
}

// loadConfig reads the configuration and fills provider keys from the
// secrets file when one exists.
func loadConfig(configPath, secretsPath string, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	secrets := map[string]string{}
	if config.SecretsFileExists(secretsPath) {
		password, err := readPassword(stderr, "Secrets passphrase: ")
		if err != nil {
			return nil, err
		}
		secrets, err = config.DecryptSecretsFile(secretsPath, password)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", secretsPath, err)
		}
		logx.Infof("Loaded %d secrets from %s", len(secrets), filepath.Base(secretsPath))
	}
	cfg.ResolveAPIKeys(secrets)
	return cfg, nil
}

// readPassword returns WORLDCORE_PASSWORD, or prompts on the terminal.
func readPassword(stderr io.Writer, prompt string) (string, error) {
	if p := os.Getenv(EnvPassword); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for passphrase prompt; set %s", EnvPassword)
	}
	fmt.Fprint(stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}

func runSecrets(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("secrets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secretsPath := fs.String("file", config.SecretsFileName, "Path to the encrypted secrets file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) != 3 || rest[0] != "set" {
		fmt.Fprintln(stderr, "usage: worldcore secrets [-file path] set <provider-name|ENV_NAME> <value>")
		return 2
	}
	name := rest[1]
	if !isEnvName(name) {
		name = config.SecretName(name)
	}

	password, err := readPassword(stderr, "Secrets passphrase: ")
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	if err := config.SetSecret(*secretsPath, password, name, rest[2]); err != nil {
		fmt.Fprintf(stderr, "Failed to store secret: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Stored %s in %s\n", name, *secretsPath)
	return 0
}

// isEnvName reports whether name already looks like an environment variable.
func isEnvName(name string) bool {
	for _, r := range name {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return name != ""
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Configuration file providing metrics.prometheus_url")
	promURL := fs.String("prometheus", "", "Prometheus server URL (overrides the config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	url := *promURL
	if url == "" && *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 1
		}
		url = cfg.Metrics.PrometheusURL
	}
	if url == "" {
		fmt.Fprintln(stderr, "no Prometheus URL: pass -prometheus or set metrics.prometheus_url")
		return 2
	}

	q, err := metrics.NewQueryService(url)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := q.Summary(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to query metrics: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}
