package domain

import "time"

// VerificationRecord is a completed link between a Discord user and an Instagram
// account inside one guild. Records are never updated or deleted.
type VerificationRecord struct {
	ID                    string    `bson:"_id,omitempty" json:"id,omitempty"`
	RequesterID           string    `bson:"discord_id" json:"discord_id"`
	RequesterDisplayName  string    `bson:"discord_username" json:"discord_username"`
	ExternalAccountHandle string    `bson:"ig_username" json:"ig_username"`
	VerifiedAt            time.Time `bson:"verified_at" json:"verified_at"`
	CommunityID           string    `bson:"guild_id" json:"guild_id"`
}
