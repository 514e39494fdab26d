package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [DISCORD_ID]",
	Short: "Show the verification status of a Discord user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		return withLedger(cmd, func(ledger recordReader) error {
			records, err := ledger.ListByRequester(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 && format != outputYAML {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not verified.\n", args[0])
				return nil
			}
			return printRecords(cmd.OutOrStdout(), format, records)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
