package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	CodeStoreMemory = "memory"
	CodeStoreRedis  = "redis"
)

// ServerConfig holds all configuration for the bot process.
// Tags use mapstructure for Viper unmarshalling and validate for startup checks.
type ServerConfig struct {
	DiscordToken   string `mapstructure:"DISCORD_TOKEN" validate:"required"`
	VerifiedRoleID string `mapstructure:"VERIFIED_ROLE_ID" validate:"required_without=GuildRoleIDs"`
	// GuildRoleIDs overrides the role per guild, formatted "guildID:roleID,guildID:roleID".
	GuildRoleIDs string `mapstructure:"GUILD_ROLE_IDS"`

	InstagramUsername      string `mapstructure:"IG_USERNAME" validate:"required"`
	InstagramPassword      string `mapstructure:"IG_PASSWORD" validate:"required"`
	InstagramAPIBaseURL    string `mapstructure:"IG_API_BASE_URL" validate:"required,url"`
	InstagramSessionMaxAge int    `mapstructure:"IG_SESSION_MAX_AGE_HOUR" validate:"gte=0"`
	InstagramInboxPages    int    `mapstructure:"IG_INBOX_PAGES" validate:"gte=1,lte=20"`
	SessionDBPath          string `mapstructure:"SESSION_DB_PATH"`

	MongoURI    string `mapstructure:"MONGO_URI" validate:"required"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME" validate:"required"`

	CodeStoreBackend string `mapstructure:"CODE_STORE_BACKEND" validate:"oneof=memory redis"`
	RedisAddr        string `mapstructure:"REDIS_ADDR" validate:"required_if=CodeStoreBackend redis"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	RedisDB          int    `mapstructure:"REDIS_DB" validate:"gte=0"`
	RedisPrefix      string `mapstructure:"REDIS_PREFIX"`
	ChallengeTTLMin  int    `mapstructure:"CHALLENGE_TTL_MIN" validate:"gt=0"`

	MaxConcurrentHandlers int `mapstructure:"MAX_CONCURRENT_HANDLERS" validate:"gt=0"`

	HTTPPort          string `mapstructure:"HTTP_PORT" validate:"required"`
	KeepaliveURL      string `mapstructure:"KEEPALIVE_URL" validate:"omitempty,url"`
	KeepaliveSchedule string `mapstructure:"KEEPALIVE_SCHEDULE"`

	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelEnabled     bool   `mapstructure:"OTEL_ENABLED"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

var defaults = map[string]interface{}{
	"DISCORD_TOKEN":           "",
	"VERIFIED_ROLE_ID":        "",
	"GUILD_ROLE_IDS":          "",
	"IG_USERNAME":             "",
	"IG_PASSWORD":             "",
	"IG_API_BASE_URL":         "https://i.instagram.com/api/v1",
	"IG_SESSION_MAX_AGE_HOUR": 24,
	"IG_INBOX_PAGES":          2,
	"SESSION_DB_PATH":         "",
	"MONGO_URI":               "mongodb://localhost:27017",
	"MONGO_DB_NAME":           "verifybot",
	"CODE_STORE_BACKEND":      CodeStoreMemory,
	"REDIS_ADDR":              "",
	"REDIS_PASSWORD":          "",
	"REDIS_DB":                0,
	"REDIS_PREFIX":            "verifybot",
	"CHALLENGE_TTL_MIN":       30,
	"MAX_CONCURRENT_HANDLERS": 32,
	"HTTP_PORT":               "3000",
	"KEEPALIVE_URL":           "",
	"KEEPALIVE_SCHEDULE":      "@every 14m",
	"LOG_LEVEL":               "info",
	"LOG_PRETTY":              false,
	"OTEL_ENABLED":            false,
	"OTEL_SERVICE_NAME":       "verifybot",
}

// LoadConfig reads configuration from file, environment variables, and defaults.
// It does not validate; call Validate once the caller knows which parts it needs.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/verifybot/")
	v.AddConfigPath("$HOME/.verifybot")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Render exposes the public URL of the service under its own name.
	if err := v.BindEnv("KEEPALIVE_URL", "KEEPALIVE_URL", "RENDER_EXTERNAL_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind KEEPALIVE_URL: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.KeepaliveURL = withScheme(cfg.KeepaliveURL)

	return &cfg, nil
}

// withScheme prefixes a bare host such as RENDER_EXTERNAL_URL with http://.
func withScheme(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}

// Validate checks the configuration required to run the bot.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.GuildRoles(); err != nil {
		return err
	}
	return nil
}

// ChallengeTTL returns how long a verification code stays valid.
func (c *ServerConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLMin) * time.Minute
}

// SessionMaxAge returns how long an Instagram session is reused before a fresh login.
// Zero means the session is reused until the platform rejects it.
func (c *ServerConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.InstagramSessionMaxAge) * time.Hour
}

// GuildRoles parses GuildRoleIDs into a guild ID to role ID map.
func (c *ServerConfig) GuildRoles() (map[string]string, error) {
	roles := make(map[string]string)
	if strings.TrimSpace(c.GuildRoleIDs) == "" {
		return roles, nil
	}

	for _, pair := range strings.Split(c.GuildRoleIDs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		guildID, roleID, ok := strings.Cut(pair, ":")
		guildID, roleID = strings.TrimSpace(guildID), strings.TrimSpace(roleID)
		if !ok || guildID == "" || roleID == "" {
			return nil, fmt.Errorf("invalid GUILD_ROLE_IDS entry %q, expected guildID:roleID", pair)
		}
		roles[guildID] = roleID
	}
	return roles, nil
}
