package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/internal/interface/http/handlers"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Print the bcrypt hash of an API key",
	Long: `Prints a bcrypt hash suitable for HTTP_API_KEY_HASHES. Only hashes are
configured on the server; hand the plain key to the caller.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := handlers.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}
