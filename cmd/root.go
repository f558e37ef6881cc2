package cmd

import (
	"context"
	"fmt"
	"github.com/bryntje/warden/warden"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"
)

var (
	cfg        = warden.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "warden [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", warden.DefaultDatabase)
	viper.SetDefault("database_type", warden.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		warden.DefaultDatabaseSlowQuery,
	)
	viper.SetDefault(
		"database_log_level",
		warden.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", warden.DefaultRuntimeConfigTTL)
	viper.SetDefault("guild_setting_ttl", warden.DefaultGuildSettingTTL)

	viper.SetDefault("log_level", warden.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", warden.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", warden.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", warden.DefaultShutdownTimeout)

	// Scheduler config
	viper.SetDefault(
		"scheduler.poll_interval",
		warden.DefaultSchedulerPollInterval,
	)
	viper.SetDefault(
		"scheduler.catchup_window",
		warden.DefaultSchedulerCatchupWindow,
	)
	viper.SetDefault(
		"scheduler.dispatch_limit",
		warden.DefaultSchedulerDispatchLimit,
	)
	viper.SetDefault(
		"scheduler.log_level",
		warden.DefaultSchedulerLogLevel.String(),
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", warden.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", "")
	viper.SetDefault(
		"openai.requests_per_minute",
		warden.DefaultOpenAIRequestsPerMinute,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault(
		"discord.log_level",
		warden.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		warden.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		warden.DefaultDiscordGatewayIntent,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", warden.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		warden.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", warden.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		warden.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", warden.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", warden.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		warden.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		warden.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		warden.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", warden.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		warden.DefaultAllowCredentials,
	)

	envPrefix := os.Getenv(warden.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = warden.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, levelKey := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"scheduler.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(levelKey))
		if err != nil {
			log.Fatalf("error parsing %s: %v", levelKey, err)
		}
		viper.Set(levelKey, logLevelVar)
	}
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
