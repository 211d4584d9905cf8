package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/reql/cmd/reql/parser"
	"github.com/kartikbazzad/reql/internal/compiler"
	"github.com/kartikbazzad/reql/internal/wire"
)

func evalCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "eval QUERY",
		Short:   "Run one query and print its result as JSON",
		Example: `  reql eval 'r.expr(1).add(3).sub(2)'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parser.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			c, _, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Run(cmd.Context(), t)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}

func compileCmd() *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "compile QUERY",
		Short: "Print the wire encoding of a query without sending it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parser.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			def, err := wire.Lookup(opts.Protocol)
			if err != nil {
				return err
			}
			b, err := compiler.New(def).Compile(t, compiler.QueryOptions{DB: opts.Database})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", t)
			if dump {
				fmt.Fprint(out, hex.Dump(b))
				return nil
			}
			fmt.Fprintln(out, hex.EncodeToString(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "Print a hex dump instead of a hex string")
	return cmd
}
