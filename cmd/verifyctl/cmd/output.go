package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.pilab.hu/verifybot/domain"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

type recordView struct {
	DiscordID       string `yaml:"discord_id"`
	DiscordUsername string `yaml:"discord_username"`
	IGUsername      string `yaml:"ig_username"`
	GuildID         string `yaml:"guild_id"`
	VerifiedAt      string `yaml:"verified_at"`
}

func toView(r *domain.VerificationRecord) recordView {
	return recordView{
		DiscordID:       r.RequesterID,
		DiscordUsername: r.RequesterDisplayName,
		IGUsername:      r.ExternalAccountHandle,
		GuildID:         r.CommunityID,
		VerifiedAt:      r.VerifiedAt.UTC().Format(time.RFC3339),
	}
}

func printRecords(w io.Writer, format string, records []*domain.VerificationRecord) error {
	views := make([]recordView, 0, len(records))
	for _, r := range records {
		views = append(views, toView(r))
	}

	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("failed to encode records: %w", err)
		}
		return enc.Close()
	case outputTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DISCORD ID\tDISCORD USER\tINSTAGRAM\tGUILD\tVERIFIED AT")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.DiscordID, v.DiscordUsername, v.IGUsername, v.GuildID, v.VerifiedAt)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
