package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/reql/cmd/reql/parser"
	"github.com/kartikbazzad/reql/pkg/client"
)

const (
	prompt       = "reql> "
	historyFile  = ".reql_history"
	shellHelpMsg = `Enter a query such as r.db("test").table("users").count(), or:
  .db NAME   reconnect with NAME as the default database
  .help      show this help
  .exit      leave the shell`
)

var completions = []string{
	"r.expr(", "r.db(", "r.table(", "r.dbList()", "r.dbCreate(", "r.dbDrop(",
	"r.tableCreate(", "r.tableDrop(",
	".add(", ".sub(", ".mul(", ".div(", ".mod(", ".eq(", ".ne(", ".lt(", ".le(",
	".gt(", ".ge(", ".not()", ".table(", ".tableCreate(", ".tableDrop(",
	".tableList()", ".insert(", ".get(", ".between(", ".count()",
	".db ", ".help", ".exit",
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive query shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			sh := &shell{opts: opts, out: cmd.OutOrStdout()}
			if err := sh.connect(cmd.Context()); err != nil {
				return err
			}
			defer sh.close()
			return sh.loop(cmd.Context())
		},
	}
}

type shell struct {
	opts client.Options
	conn *client.Conn
	out  io.Writer
}

func (s *shell) connect(ctx context.Context) error {
	c, err := client.ConnectOptions(ctx, s.opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.opts.Addr, err)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = c
	fmt.Fprintf(s.out, "Connected to %s (db %q). Type '.help' for commands.\n", s.opts.Addr, s.opts.Database)
	return nil
}

func (s *shell) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *shell) loop(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetTabCompletionStyle(liner.TabPrints)
	line.SetCompleter(complete)

	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, historyFile)
		if f, err := os.Open(history); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		if history == "" {
			return
		}
		if f, err := os.Create(history); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if exit := s.execute(ctx, input); exit {
			return nil
		}
	}
}

// execute runs one shell line and reports whether the shell should exit.
func (s *shell) execute(ctx context.Context, input string) bool {
	if strings.HasPrefix(input, ".") {
		fields := strings.Fields(input)
		switch fields[0] {
		case ".exit", ".quit":
			return true
		case ".help":
			fmt.Fprintln(s.out, shellHelpMsg)
		case ".db":
			if len(fields) != 2 {
				fmt.Fprintln(s.out, "ERROR: usage: .db NAME")
				break
			}
			s.opts.Database = fields[1]
			if err := s.connect(ctx); err != nil {
				fmt.Fprintf(s.out, "ERROR: %v\n", err)
			}
		default:
			fmt.Fprintf(s.out, "ERROR: unknown command: %s\n", fields[0])
		}
		return false
	}

	t, err := parser.Parse(input)
	if err != nil {
		fmt.Fprintf(s.out, "ERROR: %v\n", err)
		return false
	}
	resp, err := s.conn.Run(ctx, t)
	if err != nil {
		fmt.Fprintf(s.out, "ERROR: %v\n", err)
		return false
	}
	if err := printResponse(s.out, resp); err != nil {
		fmt.Fprintf(s.out, "ERROR: %v\n", err)
	}
	return false
}

// complete offers names that extend the text after the last dot of line.
func complete(line string) []string {
	i := strings.LastIndex(line, ".")
	if i < 0 {
		return nil
	}
	if i > 0 && line[i-1] == 'r' {
		i--
	}
	prefix, word := line[:i], line[i:]

	var out []string
	for _, c := range completions {
		if strings.HasPrefix(c, word) {
			out = append(out, prefix+c)
		}
	}
	return out
}
