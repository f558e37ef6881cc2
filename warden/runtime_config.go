package warden

import (
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"time"
)

const (
	DefaultDiscordErrorMessage     = "sorry, something went wrong!"
	DefaultDiscordRateLimitMessage = "slow down a little and try again soon"
	DefaultDiscordCustomStatus     = "/remind me of things!"
	DefaultAskCommandMaxLength     = 500
	DefaultReminderMessageMaxLen   = 1000
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig stores settings that can be modified while the bot is
// running and persist across restarts (e.g. being paused). There's a
// single row, loaded at startup and cached; updates go through the
// dashboard API and are broadcast via DBNotifier so other instances
// reload it.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// slash commands are acknowledged but refused, and the reminder
	// dispatch loop idles.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID, if set, receives bot lifecycle messages
	// (startup, pause/resume).
	NotificationChannelID string `json:"notification_channel_id" gorm:"column:notification_channel_id"`

	// DiscordErrorMessage is the generic response sent when a command fails.
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// DiscordRateLimitMessage is sent when a user hits the /ask rate limit.
	DiscordRateLimitMessage string `json:"discord_rate_limit_message" gorm:"type:string"`

	// RecoverPanic determines whether the bot should attempt to recover
	// from panics in interaction handlers.
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// AskEnabled toggles the /ask command without re-registering commands.
	AskEnabled bool `json:"ask_enabled" gorm:"not null;default:true"`

	// AskCommandMaxLength is the maximum length for an /ask prompt.
	AskCommandMaxLength int `json:"ask_command_max_length" gorm:"default:500" binding:"omitempty,min=1,max=6000"`

	// ReminderMaxPerUser limits active reminders per user, unless the
	// user record overrides it.
	ReminderMaxPerUser int `json:"reminder_max_per_user" gorm:"column:reminder_max_per_user;check:reminder_max_per_user > 0" binding:"min=1"`

	// ReminderMessageMaxLength is the maximum length for a reminder message.
	ReminderMessageMaxLength int `json:"reminder_message_max_length" gorm:"default:1000" binding:"omitempty,min=1,max=2000"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// OpenAILogLevel is the logging level for OpenAI-related operations.
	OpenAILogLevel DBLogLevel `gorm:"default:INFO;column:openai_log_level;type:string;check:openai_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"openai_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// SchedulerLogLevel is the logging level for the reminder dispatch loop.
	SchedulerLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:scheduler_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"scheduler_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus:      DefaultDiscordCustomStatus,
		DiscordErrorMessage:      DefaultDiscordErrorMessage,
		DiscordRateLimitMessage:  DefaultDiscordRateLimitMessage,
		RecoverPanic:             false,
		AskEnabled:               true,
		AskCommandMaxLength:      DefaultAskCommandMaxLength,
		ReminderMaxPerUser:       DefaultReminderMaxPerUser,
		ReminderMessageMaxLength: DefaultReminderMessageMaxLen,
		LogLevel:                 DBLogLevel(slog.LevelInfo.String()),
		OpenAILogLevel:           DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:          DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:        DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:         DBLogLevel(slog.LevelInfo.String()),
		SchedulerLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:              DBLogLevel(slog.LevelInfo.String()),
	}
}

// runtimeConfigValueChanged reports whether updateVal is a non-nil pointer
// whose dereferenced value differs from currentVal. Used to build the
// column list for partial updates from a RuntimeConfigUpdate payload.
func runtimeConfigValueChanged(currentVal, updateVal any) bool {
	newValRef := reflect.ValueOf(updateVal)
	if newValRef.Kind() != reflect.Ptr {
		return false
	}
	if newValRef.IsNil() {
		return false
	}
	return !reflect.DeepEqual(currentVal, newValRef.Elem().Interface())
}

// RuntimeConfigUpdate is the PATCH payload for /api/config. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus     *string `json:"discord_custom_status,omitempty"`
	NotificationChannelID   *string `json:"notification_channel_id,omitempty"`
	DiscordErrorMessage     *string `json:"discord_error_message,omitempty"`
	DiscordRateLimitMessage *string `json:"discord_rate_limit_message,omitempty"`

	AskEnabled          *bool `json:"ask_enabled,omitempty"`
	AskCommandMaxLength *int  `json:"ask_command_max_length,omitempty" binding:"omitnil,min=1,max=6000"`

	ReminderMaxPerUser       *int `json:"reminder_max_per_user,omitempty" binding:"omitnil,min=1"`
	ReminderMessageMaxLength *int `json:"reminder_message_max_length,omitempty" binding:"omitnil,min=1,max=2000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    *DBLogLevel `json:"openai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel *DBLogLevel `json:"scheduler_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}

// changedRuntimeConfigColumns returns the names of columns whose values
// differ between the current config and the update payload. An empty
// slice means the PATCH was a no-op.
func changedRuntimeConfigColumns(
	current RuntimeConfig,
	update RuntimeConfigUpdate,
) []string {
	var cols []string
	add := func(col string, currentVal, updateVal any) {
		if runtimeConfigValueChanged(currentVal, updateVal) {
			cols = append(cols, col)
		}
	}
	add(columnRuntimeConfigPaused, current.Paused, update.Paused)
	add("recover_panic", current.RecoverPanic, update.RecoverPanic)
	add("discord_custom_status", current.DiscordCustomStatus, update.DiscordCustomStatus)
	add("notification_channel_id", current.NotificationChannelID, update.NotificationChannelID)
	add("discord_error_message", current.DiscordErrorMessage, update.DiscordErrorMessage)
	add("discord_rate_limit_message", current.DiscordRateLimitMessage, update.DiscordRateLimitMessage)
	add("ask_enabled", current.AskEnabled, update.AskEnabled)
	add("ask_command_max_length", current.AskCommandMaxLength, update.AskCommandMaxLength)
	add("reminder_max_per_user", current.ReminderMaxPerUser, update.ReminderMaxPerUser)
	add("reminder_message_max_length", current.ReminderMessageMaxLength, update.ReminderMessageMaxLength)
	add("log_level", current.LogLevel, update.LogLevel)
	add("openai_log_level", current.OpenAILogLevel, update.OpenAILogLevel)
	add("discord_log_level", current.DiscordLogLevel, update.DiscordLogLevel)
	add("discordgo_log_level", current.DiscordGoLogLevel, update.DiscordGoLogLevel)
	add("database_log_level", current.DatabaseLogLevel, update.DatabaseLogLevel)
	add("scheduler_log_level", current.SchedulerLogLevel, update.SchedulerLogLevel)
	add("api_log_level", current.APILogLevel, update.APILogLevel)
	return cols
}

// applyRuntimeLogLevels pushes persisted log levels onto the live
// slog.LevelVar handles in the static config.
func applyRuntimeLogLevels(cfg *Config, rc RuntimeConfig) {
	if cfg == nil {
		return
	}
	setLevel := func(v *slog.LevelVar, lvl DBLogLevel) {
		if v != nil {
			v.Set(lvl.Level())
		}
	}
	setLevel(cfg.LogLevel, rc.LogLevel)
	setLevel(cfg.DatabaseLogLevel, rc.DatabaseLogLevel)
	if cfg.OpenAI != nil {
		setLevel(cfg.OpenAI.LogLevel, rc.OpenAILogLevel)
	}
	if cfg.Discord != nil {
		setLevel(cfg.Discord.LogLevel, rc.DiscordLogLevel)
		setLevel(cfg.Discord.DiscordGoLogLevel, rc.DiscordGoLogLevel)
	}
	if cfg.Scheduler != nil {
		setLevel(cfg.Scheduler.LogLevel, rc.SchedulerLogLevel)
	}
	if cfg.API != nil {
		setLevel(cfg.API.LogLevel, rc.APILogLevel)
	}
}

// runtimeConfigRefreshInterval guards against a zero TTL disabling the
// periodic refresh ticker entirely when postgres notifications are not
// available.
func runtimeConfigRefreshInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRuntimeConfigTTL
	}
	return d
}
