package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List verified members of a guild",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, _ := cmd.Flags().GetString("guild")
		if guildID == "" {
			return errors.New("guild is required via --guild flag")
		}
		format, _ := cmd.Flags().GetString("output")

		return withLedger(cmd, func(ledger recordReader) error {
			records, err := ledger.ListByCommunity(cmd.Context(), guildID)
			if err != nil {
				return err
			}
			if len(records) == 0 && format != outputYAML {
				fmt.Fprintln(cmd.OutOrStdout(), "No verified users in this guild.")
				return nil
			}
			return printRecords(cmd.OutOrStdout(), format, records)
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().String("guild", "", "Discord guild ID")
}
