package warden

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReminderSchedule(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 30, 0, time.UTC)

	t.Run("relative duration", func(t *testing.T) {
		schedule, err := ParseReminderSchedule("in 2h30m", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(2*time.Hour+30*time.Minute), schedule.At)
		assert.Empty(t, schedule.CronSpec)
	})

	t.Run("relative duration with spaces", func(t *testing.T) {
		schedule, err := ParseReminderSchedule("in 2h 30m", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(2*time.Hour+30*time.Minute), schedule.At)
	})

	t.Run("absolute time", func(t *testing.T) {
		schedule, err := ParseReminderSchedule("2030-01-02 15:04", now)
		require.NoError(t, err)
		assert.Equal(
			t,
			time.Date(2030, 1, 2, 15, 4, 0, 0, time.UTC),
			schedule.At,
		)
		assert.Empty(t, schedule.CronSpec)
	})

	t.Run("cron expression", func(t *testing.T) {
		schedule, err := ParseReminderSchedule("0 9 * * MON", now)
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * MON", schedule.CronSpec)
		assert.True(t, schedule.At.After(now))
		assert.Equal(t, 9, schedule.At.Hour())
		assert.Equal(t, time.Monday, schedule.At.Weekday())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseReminderSchedule("  ", now)
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseReminderSchedule("whenever you feel like it", now)
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := ParseReminderSchedule("in a while", now)
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("negative duration", func(t *testing.T) {
		_, err := ParseReminderSchedule("in -5m", now)
		require.ErrorIs(t, err, ErrScheduleInPast)
	})

	t.Run("absolute time in past", func(t *testing.T) {
		_, err := ParseReminderSchedule("2020-01-02 15:04", now)
		require.ErrorIs(t, err, ErrScheduleInPast)
	})
}

func TestReminderShouldSend(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	due := now.Truncate(time.Minute)

	reminder := Reminder{
		Enabled: true,
		NextRun: due.UnixMilli(),
	}
	assert.True(t, reminder.ShouldSend(now))

	t.Run("not yet due", func(t *testing.T) {
		r := reminder
		r.NextRun = now.Add(time.Minute).UnixMilli()
		assert.False(t, r.ShouldSend(now))
	})

	t.Run("disabled", func(t *testing.T) {
		r := reminder
		r.Enabled = false
		assert.False(t, r.ShouldSend(now))
	})

	t.Run("completed", func(t *testing.T) {
		r := reminder
		r.Completed = true
		assert.False(t, r.ShouldSend(now))
	})

	t.Run("no next run", func(t *testing.T) {
		r := reminder
		r.NextRun = 0
		assert.False(t, r.ShouldSend(now))
	})

	t.Run("already sent this minute", func(t *testing.T) {
		r := reminder
		r.LastSentAt = due.Add(10 * time.Second).UnixMilli()
		assert.False(t, r.ShouldSend(now))
	})

	t.Run("sent for a previous trigger", func(t *testing.T) {
		r := reminder
		r.LastSentAt = due.Add(-time.Hour).UnixMilli()
		assert.True(t, r.ShouldSend(now))
	})
}

func TestReminderAdvance(t *testing.T) {
	sentAt := time.Date(2026, 3, 2, 9, 0, 15, 0, time.UTC)

	t.Run("one-off completes", func(t *testing.T) {
		r := Reminder{Enabled: true, NextRun: sentAt.UnixMilli()}
		require.NoError(t, r.advance(sentAt))
		assert.True(t, r.Completed)
		assert.False(t, r.Enabled)
		assert.Equal(t, sentAt.UnixMilli(), r.LastSentAt)
	})

	t.Run("recurring advances", func(t *testing.T) {
		r := Reminder{
			Enabled:  true,
			CronSpec: "0 9 * * *",
			NextRun:  sentAt.Truncate(time.Minute).UnixMilli(),
		}
		require.NoError(t, r.advance(sentAt))
		assert.False(t, r.Completed)
		assert.True(t, r.Enabled)
		assert.Equal(
			t,
			time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC).UnixMilli(),
			r.NextRun,
		)
	})

	t.Run("bad cron spec", func(t *testing.T) {
		r := Reminder{Enabled: true, CronSpec: "not cron"}
		require.Error(t, r.advance(sentAt))
	})
}

func TestCreateReminder(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "create_reminder_user")

	reminder, err := w.CreateReminder(
		ctx, u, "guild1", "channel1", "water the plants", "in 1h",
	)
	require.NoError(t, err)
	require.NotZero(t, reminder.ID)
	assert.Equal(t, u.ID, reminder.UserID)
	assert.False(t, reminder.Recurring())
	assert.True(t, reminder.Enabled)

	var saved Reminder
	require.NoError(t, w.db.First(&saved, reminder.ID).Error)
	assert.Equal(t, "water the plants", saved.Message)
}

func TestCreateReminderLimit(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "reminder_limit_user")
	u.ReminderLimit = 2
	_, err := w.writeDB.Update(ctx, u, "reminder_limit", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = w.CreateReminder(
			ctx, u, "guild1", "channel1", fmt.Sprintf("task %d", i), "in 1h",
		)
		require.NoError(t, err)
	}

	_, err = w.CreateReminder(ctx, u, "guild1", "channel1", "one too many", "in 1h")
	require.ErrorIs(t, err, ErrReminderLimit)

	// deleting one frees up a slot
	reminders, err := w.ListReminders(ctx, u)
	require.NoError(t, err)
	require.NoError(t, w.DeleteReminder(ctx, u, reminders[0].ID))

	_, err = w.CreateReminder(ctx, u, "guild1", "channel1", "fits again", "in 1h")
	require.NoError(t, err)
}

func TestCreateReminderSanitizesMessage(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "reminder_sanitize_user")

	w.cfgMu.Lock()
	w.runtimeConfig.ReminderMessageMaxLength = 20
	w.cfgMu.Unlock()

	reminder, err := w.CreateReminder(
		ctx, u, "guild1", "channel1",
		"@everyone "+strings.Repeat("x", 100),
		"in 30m",
	)
	require.NoError(t, err)
	assert.NotContains(t, reminder.Message, "@everyone")
	assert.LessOrEqual(t, len([]rune(reminder.Message)), 20)
}

func TestDeleteReminder(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	owner := createTestUser(t, w, "delete_owner")
	other := createTestUser(t, w, "delete_other")

	reminder, err := w.CreateReminder(
		ctx, owner, "guild1", "channel1", "take out the trash", "in 1h",
	)
	require.NoError(t, err)

	require.ErrorIs(t, w.DeleteReminder(ctx, other, reminder.ID), ErrReminderNotYours)
	require.ErrorIs(t, w.DeleteReminder(ctx, owner, 9999), ErrReminderNotFound)

	// lookup failures that aren't absence must not masquerade as not-found
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = w.DeleteReminder(cancelled, owner, reminder.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReminderNotFound)

	require.NoError(t, w.DeleteReminder(ctx, owner, reminder.ID))

	reminders, err := w.ListReminders(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestListRemindersOrder(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "list_order_user")

	later, err := w.CreateReminder(ctx, u, "guild1", "channel1", "later", "in 3h")
	require.NoError(t, err)
	sooner, err := w.CreateReminder(ctx, u, "guild1", "channel1", "sooner", "in 1h")
	require.NoError(t, err)

	reminders, err := w.ListReminders(ctx, u)
	require.NoError(t, err)
	require.Len(t, reminders, 2)
	assert.Equal(t, sooner.ID, reminders[0].ID)
	assert.Equal(t, later.ID, reminders[1].ID)
}

func TestReminderLimitFallbacks(t *testing.T) {
	w := newTestWarden(t)
	u := &User{ID: "limits_user"}

	assert.Equal(t, w.RuntimeConfig().ReminderMaxPerUser, w.reminderLimit(u))

	u.ReminderLimit = 3
	assert.Equal(t, 3, w.reminderLimit(u))

	u.ReminderLimit = 0
	w.cfgMu.Lock()
	w.runtimeConfig.ReminderMaxPerUser = 0
	w.cfgMu.Unlock()
	assert.Equal(t, DefaultReminderMaxPerUser, w.reminderLimit(u))
}
