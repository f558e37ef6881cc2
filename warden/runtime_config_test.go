package warden

import (
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfigValid(t *testing.T) {
	rc := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(rc))

	assert.True(t, rc.AskEnabled)
	assert.False(t, rc.Paused)
	assert.Equal(t, DefaultReminderMaxPerUser, rc.ReminderMaxPerUser)
	assert.Equal(t, DefaultDiscordErrorMessage, rc.DiscordErrorMessage)
	assert.Equal(t, slog.LevelWarn, rc.DiscordGoLogLevel.Level())
}

func TestRuntimeConfigUpdateValidate(t *testing.T) {
	var empty RuntimeConfigUpdate
	require.NoError(t, empty.validate())

	badLength := 9000
	require.Error(
		t,
		RuntimeConfigUpdate{AskCommandMaxLength: &badLength}.validate(),
	)

	badLevel := DBLogLevel("LOUD")
	require.Error(t, RuntimeConfigUpdate{LogLevel: &badLevel}.validate())

	goodLevel := DBLogLevel("DEBUG")
	goodLength := 250
	require.NoError(
		t,
		RuntimeConfigUpdate{
			LogLevel:            &goodLevel,
			AskCommandMaxLength: &goodLength,
		}.validate(),
	)
}

func TestChangedRuntimeConfigColumns(t *testing.T) {
	current := DefaultRuntimeConfig()

	assert.Empty(t, changedRuntimeConfigColumns(current, RuntimeConfigUpdate{}))

	// a pointer to an equal value is still a no-op
	sameStatus := current.DiscordCustomStatus
	assert.Empty(
		t,
		changedRuntimeConfigColumns(
			current,
			RuntimeConfigUpdate{DiscordCustomStatus: &sameStatus},
		),
	)

	paused := true
	maxLen := 200
	cols := changedRuntimeConfigColumns(
		current,
		RuntimeConfigUpdate{
			Paused:              &paused,
			AskCommandMaxLength: &maxLen,
		},
	)
	assert.ElementsMatch(
		t,
		[]string{"paused", "ask_command_max_length"},
		cols,
	)
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	rc := DefaultRuntimeConfig()

	update := getDiscordPresenceStatusUpdate(rc)
	assert.False(t, update.AFK)
	assert.Equal(t, rc.DiscordCustomStatus, update.Status)

	rc.Paused = true
	update = getDiscordPresenceStatusUpdate(rc)
	assert.True(t, update.AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), update.Status)
}

func TestDBLogLevel(t *testing.T) {
	var level DBLogLevel

	require.NoError(t, level.Scan("warn"))
	assert.Equal(t, slog.LevelWarn, level.Level())

	require.NoError(t, level.Scan([]byte("ERROR")))
	assert.Equal(t, slog.LevelError, level.Level())

	require.Error(t, level.Scan("VERBOSE"))
	require.Error(t, level.Set("chatty"))

	require.NoError(t, level.Set("debug"))
	assert.Equal(t, slog.LevelDebug, level.Level())

	value, err := level.Value()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", value)

	// unknown stored values fall back to INFO rather than panicking
	assert.Equal(t, slog.LevelInfo, DBLogLevel("???").Level())
}

func TestRuntimeConfigRefreshInterval(t *testing.T) {
	assert.Equal(
		t,
		DefaultRuntimeConfigTTL,
		runtimeConfigRefreshInterval(0),
	)
	assert.Equal(
		t,
		DefaultRuntimeConfigTTL,
		runtimeConfigRefreshInterval(-time.Minute),
	)
	assert.Equal(t, time.Minute, runtimeConfigRefreshInterval(time.Minute))
}

func TestApplyRuntimeLogLevels(t *testing.T) {
	cfg := DefaultConfig()
	rc := DefaultRuntimeConfig()
	rc.LogLevel = DBLogLevel("ERROR")
	rc.DiscordLogLevel = DBLogLevel("DEBUG")

	applyRuntimeLogLevels(cfg, rc)
	assert.Equal(t, slog.LevelError, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelDebug, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())

	// nil config is a no-op
	applyRuntimeLogLevels(nil, rc)
}
