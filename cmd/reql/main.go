package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/reql/internal/config"
	"github.com/kartikbazzad/reql/internal/logger"
	"github.com/kartikbazzad/reql/pkg/client"
)

var (
	cfgPath  string
	addr     string
	database string
	timeout  time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "reql",
	Short:         "Run ReQL queries against a server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "Path to config file (optional)")
	flags.StringVar(&addr, "addr", "", "Server address (overrides config)")
	flags.StringVar(&database, "db", "", "Default database (overrides config)")
	flags.DurationVar(&timeout, "timeout", 0, "Per-query timeout (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")

	rootCmd.AddCommand(evalCmd(), compileCmd(), benchCmd(), shellCmd())
}

// loadOptions merges the config file, REQL_* environment variables and flags.
func loadOptions() (client.Options, error) {
	cfg, err := config.Load(cfgPath, "REQL")
	if err != nil {
		return client.Options{}, err
	}
	if addr != "" {
		cfg.Client.Addr = addr
	}
	if database != "" {
		cfg.Client.Database = database
	}
	if timeout > 0 {
		cfg.Client.QueryTimeout = timeout
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	opts := client.OptionsFromConfig(cfg.Client)
	opts.Logger = logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Output:    os.Stderr,
	})
	return opts, nil
}

func connect(ctx context.Context) (*client.Conn, client.Options, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, opts, err
	}
	c, err := client.ConnectOptions(ctx, opts)
	if err != nil {
		return nil, opts, fmt.Errorf("connect %s: %w", opts.Addr, err)
	}
	return c, opts, nil
}

// printResponse writes the result as indented JSON.
func printResponse(w io.Writer, resp *client.Response) error {
	var v any
	if resp.IsSequence() {
		seq, err := resp.Sequence()
		if err != nil {
			return err
		}
		v = seq
	} else {
		atom, err := resp.Atom()
		if err != nil {
			return err
		}
		v = atom
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
