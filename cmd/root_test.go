package cmd

import (
	"fmt"
	"github.com/bryntje/warden/warden"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	// Reset viper so state set by initConfig in earlier tests (e.g. log
	// level keys replaced with *slog.LevelVar values) doesn't leak in.
	viper.Reset()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WD_DATABASE=/home/foo/warden.sqlite3
WD_DATABASE_TYPE=sqlite
WD_DATABASE_LOG_LEVEL=INFO
WD_DATABASE_SLOW_THRESHOLD=200ms
WD_LOG_LEVEL=INFO
WD_STARTUP_TIMEOUT=30s
WD_SHUTDOWN_TIMEOUT=60s
WD_RUNTIME_CONFIG_TTL=5m
WD_GUILD_SETTING_TTL=10m

# Reminder scheduler config

WD_SCHEDULER_POLL_INTERVAL=20s
WD_SCHEDULER_CATCHUP_WINDOW=10m
WD_SCHEDULER_DISPATCH_LIMIT=25
WD_SCHEDULER_LOG_LEVEL=INFO

# OpenAI config

WD_OPENAI_TOKEN=your-openai-token
WD_OPENAI_LOG_LEVEL=INFO
WD_OPENAI_MODEL=gpt-4o-mini
WD_OPENAI_REQUESTS_PER_MINUTE=30

# Discord bot config

WD_DISCORD_TOKEN=your-discord-bot-token
WD_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WD_DISCORD_GUILD_ID=
WD_DISCORD_LOG_LEVEL=WARN
WD_DISCORD_DISCORDGO_LOG_LEVEL=WARN
WD_DISCORD_STARTUP_MESSAGE="I'm here!"
WD_DISCORD_GATEWAY_INTENTS=3243773

# API server

WD_API_LISTEN=127.0.0.1:5000
WD_API_SSL_CERT=/etc/ssl/cert.pem
WD_API_SSL_KEY=/etc/ssl/key.pem
WD_API_SSL_TLS_MIN_VERSION=771
WD_API_SECRET=your-api-secret
WD_API_LOG_LEVEL=DEBUG
WD_API_DEVELOPMENT=true
WD_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
WD_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
WD_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
WD_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
WD_API_CORS_ALLOW_CREDENTIALS=true
WD_API_CORS_MAX_AGE=12h
WD_API_READ_TIMEOUT=5s
WD_API_READ_HEADER_TIMEOUT=5s
WD_API_WRITE_TIMEOUT=10s
WD_API_IDLE_TIMEOUT=30s
WD_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/warden.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/warden.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("runtime_config_ttl"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("guild_setting_ttl"))

	assert.Equal(t, 20*time.Second, viper.GetDuration("scheduler.poll_interval"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("scheduler.catchup_window"))
	assert.Equal(t, 25, viper.GetInt("scheduler.dispatch_limit"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("scheduler.log_level"))

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))

	assert.Equal(t, "gpt-4o-mini", viper.GetString("openai.model"))
	assert.Equal(t, 30, viper.GetInt("openai.requests_per_minute"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.True(t, viper.GetBool("api.development"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a warden.Config struct
	var config warden.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/warden.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.RuntimeConfigTTL)
	assert.Equal(t, 10*time.Minute, config.GuildSettingTTL)

	assert.Equal(t, 20*time.Second, config.Scheduler.PollInterval)
	assert.Equal(t, 10*time.Minute, config.Scheduler.CatchupWindow)
	assert.Equal(t, 25, config.Scheduler.DispatchLimit)
	assert.Equal(t, slog.LevelInfo, config.Scheduler.LogLevel.Level())

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())
	assert.Equal(t, "gpt-4o-mini", config.OpenAI.Model)
	assert.Equal(t, 30, config.OpenAI.RequestsPerMinute)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.True(t, config.API.Development)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
