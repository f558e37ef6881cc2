package warden

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

// Scheduler runs the reminder dispatch loop: every poll interval it
// scans for due reminders, claims each one by advancing its
// last-sent/next-run state, then delivers the message. Claiming happens
// before delivery, so a crash or restart inside the trigger minute can't
// double-send.
type Scheduler struct {
	w      *Warden
	config *SchedulerConfig
	logger *slog.Logger
}

func newScheduler(w *Warden, config *SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{w: w, config: config, logger: logger}
}

// run blocks, dispatching due reminders until the context is canceled.
func (s *Scheduler) run(ctx context.Context) {
	pollInterval := s.config.PollInterval
	if pollInterval <= 0 {
		s.logger.Warn("dispatch loop disabled (poll_interval <= 0)")
		return
	}

	ctx = WithLogger(ctx, s.logger)
	s.logger.InfoContext(ctx, "starting dispatch loop", "poll_interval", pollInterval)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "dispatch loop stopped")
			return
		case <-ticker.C:
			if s.w.paused.Load() {
				s.logger.DebugContext(ctx, "paused, skipping dispatch scan")
				continue
			}
			if err := s.dispatchDue(ctx, time.Now().UTC()); err != nil {
				s.logger.ErrorContext(ctx, "dispatch scan failed", tint.Err(err))
			}
		}
	}
}

// dueReminders returns enabled, incomplete reminders due at or before
// now, soonest first.
func (s *Scheduler) dueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	limit := s.config.DispatchLimit
	if limit <= 0 {
		limit = DefaultSchedulerDispatchLimit
	}
	var reminders []Reminder
	err := s.w.db.WithContext(ctx).Where(
		"enabled = ? AND completed = ? AND next_run > 0 AND next_run <= ?",
		true,
		false,
		now.UnixMilli(),
	).Order("next_run asc").Limit(limit).Find(&reminders).Error
	return reminders, err
}

// dispatchDue scans for due reminders and dispatches each one.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) error {
	reminders, err := s.dueReminders(ctx, now)
	if err != nil {
		return fmt.Errorf("error querying due reminders: %w", err)
	}
	for idx := range reminders {
		reminder := reminders[idx]
		if !reminder.ShouldSend(now) {
			continue
		}
		if err := s.dispatch(ctx, reminder, now); err != nil {
			s.logger.ErrorContext(
				ctx,
				"error dispatching reminder",
				"reminder", reminder,
				tint.Err(err),
			)
		}
	}
	return nil
}

// claim advances the reminder's state in the database, keyed on the
// previous last_sent_at value. Zero rows affected means another instance
// (or an overlapping scan) already claimed this trigger, and the
// reminder must not be sent.
func (s *Scheduler) claim(
	ctx context.Context,
	reminder *Reminder,
	now time.Time,
) (bool, error) {
	previousSentAt := reminder.LastSentAt
	if err := reminder.advance(now); err != nil {
		return false, err
	}

	rowsAffected, err := s.w.writeDB.UpdatesWhere(
		ctx,
		&Reminder{},
		map[string]any{
			"last_sent_at":        reminder.LastSentAt,
			columnReminderNextRun: reminder.NextRun,
			"completed":           reminder.Completed,
			"enabled":             reminder.Enabled,
		},
		"id = ? AND last_sent_at = ?",
		reminder.ID,
		previousSentAt,
	)
	if err != nil {
		return false, fmt.Errorf("error claiming reminder: %w", err)
	}
	return rowsAffected > 0, nil
}

// dispatch claims the reminder, sends it, and records the delivery.
func (s *Scheduler) dispatch(ctx context.Context, reminder Reminder, now time.Time) error {
	dueAt := reminder.NextRun

	claimed, err := s.claim(ctx, &reminder, now)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.InfoContext(
			ctx,
			"reminder already claimed, skipping",
			"reminder", reminder,
		)
		return nil
	}

	delivery := &ReminderDelivery{
		ReminderID: reminder.ID,
		DueAt:      dueAt,
		SentAt:     now.UnixMilli(),
		Status:     ReminderDeliveryStatusSent,
	}

	sendErr := s.deliver(reminder)
	if sendErr != nil {
		delivery.Status = ReminderDeliveryStatusFailed
		delivery.Error = NullableString(sendErr.Error())
	} else {
		s.logger.InfoContext(ctx, "dispatched reminder", "reminder", reminder)
	}

	if _, createErr := s.w.writeDB.Create(ctx, delivery); createErr != nil {
		s.logger.ErrorContext(
			ctx,
			"error recording reminder delivery",
			"reminder", reminder,
			tint.Err(createErr),
		)
	}
	return sendErr
}

func (s *Scheduler) deliver(reminder Reminder) error {
	message := fmt.Sprintf("<@%s> ⏰ %s", reminder.UserID, reminder.Message)
	return s.w.discord.channelMessageSend(
		reminder.ChannelID,
		message,
		discordgo.WithRetryOnRatelimit(true),
	)
}

// catchup handles reminders that came due while the bot was down:
// reminders overdue by less than the catch-up window are left for the
// first scan (delivered late), older ones are marked missed. Recurring
// reminders that missed triggers get their next run moved forward so
// they don't fire a backlog.
func (s *Scheduler) catchup(ctx context.Context) error {
	now := time.Now().UTC()
	window := s.config.CatchupWindow
	if window < 0 {
		window = 0
	}
	cutoff := now.Add(-window)

	var stale []Reminder
	err := s.w.db.WithContext(ctx).Where(
		"enabled = ? AND completed = ? AND next_run > 0 AND next_run < ?",
		true,
		false,
		cutoff.UnixMilli(),
	).Find(&stale).Error
	if err != nil {
		return fmt.Errorf("error querying stale reminders: %w", err)
	}

	for idx := range stale {
		reminder := stale[idx]
		dueAt := reminder.NextRun

		claimed, claimErr := s.claim(ctx, &reminder, now)
		if claimErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error marking reminder missed",
				"reminder", reminder,
				tint.Err(claimErr),
			)
			continue
		}
		if !claimed {
			continue
		}

		s.logger.WarnContext(
			ctx,
			"reminder missed its window",
			"reminder", reminder,
			"due_at", time.UnixMilli(dueAt),
		)
		if _, createErr := s.w.writeDB.Create(
			ctx,
			&ReminderDelivery{
				ReminderID: reminder.ID,
				DueAt:      dueAt,
				Status:     ReminderDeliveryStatusMissed,
			},
		); createErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error recording missed delivery",
				"reminder", reminder,
				tint.Err(createErr),
			)
		}
	}

	return nil
}
