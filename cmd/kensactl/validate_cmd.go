package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/validator"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file|-]",
		Short: "Check a query against the read-only rules",
		Long:  "Runs the server's query validator. Exits 1 when the query is rejected.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			res := validator.Validate(text)
			out := cmd.OutOrStdout()

			if getOutputFormat(cmd) == "json" {
				if res.Violations == nil {
					res.Violations = []validator.Violation{}
				}
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else if res.Valid {
				_, _ = fmt.Fprintln(out, "Query is valid.")
			} else {
				_, _ = fmt.Fprintf(out, "Query rejected with %d violation(s):\n", len(res.Violations))
				for _, v := range res.Violations {
					_, _ = fmt.Fprintf(out, "  - [%s] %s\n", v.Rule, v.Message)
				}
			}

			if !res.Valid {
				return errRejected
			}
			return nil
		},
	}
}
