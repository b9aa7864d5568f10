package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/service/query"
)

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [file|-]",
		Short: "Print the cache key fingerprint of a query",
		Long:  "Normalizes the query (lowercase, collapsed whitespace) and prints it with its SHA-256, as used for result caching.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			normalized, hash := query.NormalizeQuery(text), query.HashQuery(text)
			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(out, map[string]string{
					"normalized": normalized,
					"hash":       hash,
				})
			}
			// Same layout as sha256sum: hash, two spaces, then the hashed text.
			_, _ = fmt.Fprintf(out, "%s  %s\n", hash, normalized)
			return nil
		},
	}
}
