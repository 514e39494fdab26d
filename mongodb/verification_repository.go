package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/verifybot/domain"
)

// VerificationRepository implements domain.IdentityLedger on MongoDB.
// The collection is append-only: the repository exposes no update or delete.
type VerificationRepository struct {
	collection *mongo.Collection
}

// NewVerificationRepository creates the repository and ensures its indexes.
func NewVerificationRepository(ctx context.Context, db *mongo.Database) (*VerificationRepository, error) {
	repo := &VerificationRepository{
		collection: db.Collection(VerifiedUsersCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *VerificationRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			// One record per Discord user per guild.
			Keys:    bson.D{{Key: "discord_id", Value: 1}, {Key: "guild_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "guild_id", Value: 1}, {Key: "verified_at", Value: 1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", VerifiedUsersCollection, err)
	}
	log.Debug().Msgf("Indexes for %s collection ensured.", VerifiedUsersCollection)
	return nil
}

// IsVerified implements domain.IdentityLedger.IsVerified.
func (r *VerificationRepository) IsVerified(ctx context.Context, requesterID string) (bool, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"discord_id": requesterID}, options.Count().SetLimit(1))
	if err != nil {
		log.Error().Err(err).Str("discord_id", requesterID).Msg("Error checking verification status")
		return false, fmt.Errorf("failed to check verification status: %w", err)
	}
	return count > 0, nil
}

// Record implements domain.IdentityLedger.Record.
func (r *VerificationRepository) Record(ctx context.Context, record *domain.VerificationRecord) error {
	if record.RequesterID == "" || record.CommunityID == "" {
		return errors.New("verification record requires discord_id and guild_id")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: discord_id=%s guild_id=%s", domain.ErrRecordExists, record.RequesterID, record.CommunityID)
		}
		log.Error().Err(err).Str("discord_id", record.RequesterID).Str("guild_id", record.CommunityID).Msg("Error saving verification record")
		return fmt.Errorf("failed to save verification record: %w", err)
	}

	log.Debug().Str("discord_id", record.RequesterID).Str("guild_id", record.CommunityID).Msg("Verification record saved")
	return nil
}

// ListByCommunity implements domain.IdentityLedger.ListByCommunity.
func (r *VerificationRepository) ListByCommunity(ctx context.Context, communityID string) ([]*domain.VerificationRecord, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"guild_id": communityID},
		options.Find().SetSort(bson.D{{Key: "verified_at", Value: 1}}))
	if err != nil {
		log.Error().Err(err).Str("guild_id", communityID).Msg("Error listing verification records")
		return nil, fmt.Errorf("failed to list verification records: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*domain.VerificationRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode verification records: %w", err)
	}
	return records, nil
}

// ListByRequester returns every guild record of one Discord user, oldest first.
func (r *VerificationRepository) ListByRequester(ctx context.Context, requesterID string) ([]*domain.VerificationRecord, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"discord_id": requesterID},
		options.Find().SetSort(bson.D{{Key: "verified_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list verification records: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*domain.VerificationRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode verification records: %w", err)
	}
	return records, nil
}

var _ domain.IdentityLedger = (*VerificationRepository)(nil)
