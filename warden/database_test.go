package warden

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationScanValue(t *testing.T) {
	var d Duration

	require.NoError(t, d.Scan("1m30s"))
	assert.Equal(t, 90*time.Second, d.Duration)

	require.NoError(t, d.Scan([]byte("2h")))
	assert.Equal(t, 2*time.Hour, d.Duration)

	require.Error(t, d.Scan(90))
	require.Error(t, d.Scan("eventually"))

	value, err := Duration{Duration: 90 * time.Second}.Value()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", value)
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration{Duration: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &d))
	assert.Equal(t, 45*time.Second, d.Duration)

	require.NoError(t, json.Unmarshal([]byte("null"), &d))
	assert.Equal(t, 45*time.Second, d.Duration)
}

func TestCreateDBMigratesModels(t *testing.T) {
	db := setupTestDB(t)

	for _, model := range []any{
		&User{},
		&Reminder{},
		&ReminderDelivery{},
		&GuildSetting{},
		&SettingChange{},
		&Ticket{},
		&FAQEntry{},
		&OnboardingResponse{},
		&InviteRecord{},
		&AskCommand{},
		&InteractionLog{},
		&RuntimeConfig{},
	} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
}

func TestDatabaseUserCache(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()

	u, created, err := w.writeDB.GetOrCreateUser(ctx, discordUserFixture("cached_user"))
	require.NoError(t, err)
	require.True(t, created)

	cached := w.writeDB.GetUser("cached_user")
	require.NotNil(t, cached)
	assert.Same(t, u, cached)

	assert.Nil(t, w.writeDB.GetUser("never_seen"))

	// ReloadUser replaces the cached copy with the stored row
	_, err = w.writeDB.Update(ctx, u, "reminder_limit", 9)
	require.NoError(t, err)
	reloaded := w.writeDB.ReloadUser("cached_user")
	require.NotNil(t, reloaded)
	assert.Equal(t, 9, reloaded.ReminderLimit)
}
