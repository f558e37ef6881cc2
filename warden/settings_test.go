package warden

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceSettingValue(t *testing.T) {
	type testCase struct {
		kind      SettingKind
		raw       string
		expected  string
		expectErr bool
	}
	cases := map[string]testCase{
		"string passthrough":  {SettingKindString, "  hello  ", "hello", false},
		"bool true":           {SettingKindBool, "true", "true", false},
		"bool yes":            {SettingKindBool, "YES", "true", false},
		"bool on":             {SettingKindBool, "on", "true", false},
		"bool enabled":        {SettingKindBool, "enabled", "true", false},
		"bool one":            {SettingKindBool, "1", "true", false},
		"bool false":          {SettingKindBool, "false", "false", false},
		"bool no":             {SettingKindBool, "no", "false", false},
		"bool off":            {SettingKindBool, "off", "false", false},
		"bool disabled":       {SettingKindBool, "Disabled", "false", false},
		"bool zero":           {SettingKindBool, "0", "false", false},
		"bool garbage":        {SettingKindBool, "maybe", "", true},
		"int normalized":      {SettingKindInt, "0042", "42", false},
		"int padded":          {SettingKindInt, " 5 ", "5", false},
		"int garbage":         {SettingKindInt, "five", "", true},
		"duration normalized": {SettingKindDuration, "90s", "1m30s", false},
		"duration zero":       {SettingKindDuration, "0s", "0s", false},
		"duration negative":   {SettingKindDuration, "-5m", "", true},
		"duration garbage":    {SettingKindDuration, "soon", "", true},
	}
	for name, tc := range cases {
		t.Run(
			name, func(t *testing.T) {
				value, err := CoerceSettingValue(tc.kind, tc.raw)
				if tc.expectErr {
					require.ErrorIs(t, err, ErrInvalidSettingValue)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, value)
			},
		)
	}

	_, err := CoerceSettingValue(SettingKind("float"), "1.5")
	require.ErrorIs(t, err, ErrInvalidSettingValue)
}

func TestGuildSettingsDefaults(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	value, err := w.settings.Get(ctx, "guild1", "timezone")
	require.NoError(t, err)
	assert.Equal(t, "UTC", value)

	assert.True(t, w.settings.GetBool(ctx, "guild1", "tickets_enabled"))
	assert.Equal(t, 3, w.settings.GetInt(ctx, "guild1", "max_open_tickets"))
	assert.Equal(
		t,
		30*time.Second,
		w.settings.GetDuration(ctx, "guild1", "ask_cooldown"),
	)

	_, err = w.settings.Get(ctx, "guild1", "no_such_setting")
	require.ErrorIs(t, err, ErrUnknownSetting)
}

func TestGuildSettingsSet(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	change, err := w.settings.Set(
		ctx, "guild1", "max_open_tickets", " 5 ", "actor1", SettingSourceCommand,
	)
	require.NoError(t, err)
	assert.Equal(t, "3", change.OldValue)
	assert.Equal(t, "5", change.NewValue)
	assert.Equal(t, "actor1", change.ActorID)
	assert.Equal(t, SettingSourceCommand, change.Source)

	assert.Equal(t, 5, w.settings.GetInt(ctx, "guild1", "max_open_tickets"))

	// the setting is guild-scoped
	assert.Equal(t, 3, w.settings.GetInt(ctx, "guild2", "max_open_tickets"))

	// a second write updates the same row and records the prior value
	change, err = w.settings.Set(
		ctx, "guild1", "max_open_tickets", "7", "actor2", SettingSourceAPI,
	)
	require.NoError(t, err)
	assert.Equal(t, "5", change.OldValue)
	assert.Equal(t, "7", change.NewValue)

	var rows []GuildSetting
	require.NoError(
		t,
		w.db.Where("guild_id = ? AND key = ?", "guild1", "max_open_tickets").
			Find(&rows).Error,
	)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0].Value)
}

func TestGuildSettingsSetRejectsBadInput(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	_, err := w.settings.Set(
		ctx, "guild1", "no_such_setting", "1", "actor1", SettingSourceCommand,
	)
	require.ErrorIs(t, err, ErrUnknownSetting)

	_, err = w.settings.Set(
		ctx, "guild1", "tickets_enabled", "maybe", "actor1", SettingSourceCommand,
	)
	require.ErrorIs(t, err, ErrInvalidSettingValue)

	// nothing should have been recorded
	changes, err := w.settings.History(ctx, "guild1", 10)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestGuildSettingsList(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	_, err := w.settings.Set(
		ctx, "guild1", "welcome_message", "hi there", "actor1", SettingSourceCommand,
	)
	require.NoError(t, err)

	settings, err := w.settings.List(ctx, "guild1")
	require.NoError(t, err)
	require.Len(t, settings, len(settingRegistry))

	byKey := map[string]string{}
	previousKey := ""
	for _, setting := range settings {
		assert.Greater(t, setting.Key, previousKey)
		previousKey = setting.Key
		byKey[setting.Key] = setting.Value
	}
	assert.Equal(t, "hi there", byKey["welcome_message"])
	assert.Equal(t, "UTC", byKey["timezone"])
}

func TestGuildSettingsHistory(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	for _, value := range []string{"1", "2", "3"} {
		_, err := w.settings.Set(
			ctx, "guild1", "max_open_tickets", value, "actor1", SettingSourceCommand,
		)
		require.NoError(t, err)
		// created_at has millisecond resolution
		time.Sleep(5 * time.Millisecond)
	}
	_, err := w.settings.Set(
		ctx, "guild2", "max_open_tickets", "9", "actor1", SettingSourceCommand,
	)
	require.NoError(t, err)

	changes, err := w.settings.History(ctx, "guild1", 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "3", changes[0].NewValue)
	assert.Equal(t, "2", changes[1].NewValue)

	all, err := w.settings.History(ctx, "guild1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGuildSettingsCacheInvalidation(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	// prime the cache with defaults
	require.True(t, w.settings.GetBool(ctx, "guild1", "faq_enabled"))

	_, err := w.settings.Set(
		ctx, "guild1", "faq_enabled", "off", "actor1", SettingSourceCommand,
	)
	require.NoError(t, err)

	// the write invalidated the cached guild, so the new value is visible
	assert.False(t, w.settings.GetBool(ctx, "guild1", "faq_enabled"))
}

func TestHandleSettingsSetConfirmation(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	session := mockSession(t, w)

	discordUser := discordUserFixture("settings_caller")
	i := newCommandInteraction(
		"guild1",
		discordUser.ID,
		DiscordSlashCommandSettings,
		subcommandOption(
			settingsSubcommandSet,
			stringOption("key", "max_open_tickets"),
			stringOption("value", " 5 "),
		),
	)
	w.handleApplicationCommand(ctx, i, &discordUser)

	assert.Equal(
		t,
		"`max_open_tickets` changed: `3` -> `5`",
		session.editFor(i.ID),
	)
}
