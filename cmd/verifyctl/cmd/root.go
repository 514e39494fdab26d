package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.pilab.hu/verifybot/config"
	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/mongodb"
)

const appName = "verifyctl"

var (
	appLogger = log.NewNop()
	appConfig *config.ServerConfig
)

// recordReader is the read side of the identity ledger used by the CLI.
type recordReader interface {
	ListByCommunity(ctx context.Context, communityID string) ([]*domain.VerificationRecord, error)
	ListByRequester(ctx context.Context, requesterID string) ([]*domain.VerificationRecord, error)
}

// openLedger connects to the ledger. The returned func releases the connection.
var openLedger = func(ctx context.Context, cfg *config.ServerConfig) (recordReader, func(context.Context) error, error) {
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	repo, err := mongodb.NewVerificationRepository(ctx, mongodb.GetDB())
	if err != nil {
		_ = mongodb.CloseMongoDB(ctx)
		return nil, nil, err
	}
	return repo, mongodb.CloseMongoDB, nil
}

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "verifyctl inspects the verifybot identity ledger",
	Long:  `A command-line tool for operators to list verified members of a guild and look up the verification status of a Discord user.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		appLogger = log.NewZerologAdapter(level, true)
		appConfig = cfg

		if uri, _ := cmd.Flags().GetString("mongo-uri"); uri != "" {
			appConfig.MongoURI = uri
		}
		if db, _ := cmd.Flags().GetString("mongo-db"); db != "" {
			appConfig.MongoDBName = db
		}
		appLogger.Debug(cmd.Context(), "verifyctl starting", log.Fields{"mongo_db_name": appConfig.MongoDBName})
		return nil
	},
}

// withLedger opens the ledger for the duration of fn.
func withLedger(cmd *cobra.Command, fn func(ledger recordReader) error) error {
	ctx := cmd.Context()
	ledger, closeFn, err := openLedger(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(context.Background()); err != nil {
			appLogger.Warn(ctx, "Failed to close ledger connection", log.Fields{"error": err.Error()})
		}
	}()
	return fn(ledger)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().String("mongo-uri", "", "MongoDB URI (overrides MONGO_URI)")
	rootCmd.PersistentFlags().String("mongo-db", "", "MongoDB database name (overrides MONGO_DB_NAME)")
	rootCmd.PersistentFlags().StringP("output", "o", outputTable, "Output format: table or yaml")
}
