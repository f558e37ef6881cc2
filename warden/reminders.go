package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	timeLayoutMinute = "2006-01-02 15:04"

	// ReminderDeliveryStatusSent indicates the reminder message reached
	// discord.
	ReminderDeliveryStatusSent = "sent"

	// ReminderDeliveryStatusFailed indicates the dispatch attempt errored.
	ReminderDeliveryStatusFailed = "failed"

	// ReminderDeliveryStatusMissed indicates the reminder came due while
	// the bot was down, outside the catch-up window, and was skipped.
	ReminderDeliveryStatusMissed = "missed"
)

var (
	ErrInvalidSchedule    = errors.New("unrecognized schedule")
	ErrScheduleInPast     = errors.New("scheduled time is in the past")
	ErrReminderLimit      = errors.New("reminder limit reached")
	ErrReminderNotFound   = errors.New("reminder not found")
	ErrReminderNotYours   = errors.New("reminder belongs to another user")
	cronScheduleParser    = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	columnReminderNextRun = "next_run"
)

// Reminder is a scheduled message, either one-off (CronSpec empty, fires
// once at NextRun) or recurring (CronSpec set, NextRun advanced from the
// cron schedule after each dispatch).
//
//nolint:lll // struct tags can't be split
type Reminder struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"index;type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`
	UserID    string `json:"user_id" gorm:"index;not null"`

	// What to send when the reminder fires
	Message string `json:"message" gorm:"type:string;not null"`

	// Cron expression for recurring reminders (standard 5-field).
	// Empty for one-off reminders.
	CronSpec string `json:"cron_spec" gorm:"type:string"`

	// NextRun is the next due time, unix milliseconds
	NextRun int64 `json:"next_run" gorm:"column:next_run;index"`

	// LastSentAt is the time of the most recent dispatch, unix
	// milliseconds. A reminder fires only if this is strictly before the
	// minute NextRun falls in, so a restart within the trigger minute
	// can't double-send.
	LastSentAt int64 `json:"last_sent_at" gorm:"column:last_sent_at"`

	// Enabled is false once a one-off completes, is deleted, or a
	// recurring reminder is disabled
	Enabled bool `json:"enabled" gorm:"not null;default:true"`

	// Completed is true once a one-off reminder has fired
	Completed bool `json:"completed" gorm:"not null;default:false"`

	User *User `json:"-" gorm:"->;foreignKey:UserID"`
}

func (r Reminder) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(r.ID)),
		slog.String("guild_id", r.GuildID),
		slog.String(columnUserID, r.UserID),
		slog.Bool("recurring", r.Recurring()),
		slog.Time("next_run", time.UnixMilli(r.NextRun)),
	}
	if r.LastSentAt > 0 {
		attrs = append(attrs, slog.Time("last_sent_at", time.UnixMilli(r.LastSentAt)))
	}
	return slog.GroupValue(attrs...)
}

func (r Reminder) Recurring() bool {
	return r.CronSpec != ""
}

// DueMinute returns NextRun truncated to the minute it falls in.
func (r Reminder) DueMinute() time.Time {
	return time.UnixMilli(r.NextRun).UTC().Truncate(time.Minute)
}

// ShouldSend reports whether the reminder is due at the given time and
// hasn't already been sent for its current trigger minute.
func (r Reminder) ShouldSend(now time.Time) bool {
	if !r.Enabled || r.Completed || r.NextRun == 0 {
		return false
	}
	if now.Before(time.UnixMilli(r.NextRun)) {
		return false
	}
	return time.UnixMilli(r.LastSentAt).Before(r.DueMinute())
}

// advance computes the reminder's state after a dispatch at sentAt:
// recurring reminders get their next run from the cron schedule, one-off
// reminders are completed and disabled.
func (r *Reminder) advance(sentAt time.Time) error {
	r.LastSentAt = sentAt.UnixMilli()
	if !r.Recurring() {
		r.Completed = true
		r.Enabled = false
		return nil
	}
	schedule, err := cronScheduleParser.Parse(r.CronSpec)
	if err != nil {
		return fmt.Errorf("error parsing cron spec %q: %w", r.CronSpec, err)
	}
	r.NextRun = schedule.Next(sentAt.UTC()).UnixMilli()
	return nil
}

// ReminderDelivery records each dispatch attempt, for the dashboard and
// for diagnosing missed reminders.
//
//nolint:lll // struct tags can't be split
type ReminderDelivery struct {
	ModelUintID
	ReminderID uint           `json:"reminder_id" gorm:"index;not null"`
	Status     string         `json:"status" gorm:"type:string;not null"`
	Error      NullableString `json:"error"`
	DueAt      int64          `json:"due_at"`
	SentAt     int64          `json:"sent_at"`
	CreatedAt  int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// ReminderSchedule is the parsed form of a /remind 'when' argument.
type ReminderSchedule struct {
	// At is the first (or only) trigger time
	At time.Time

	// CronSpec is non-empty for recurring schedules
	CronSpec string
}

// ParseReminderSchedule parses a user-supplied schedule. Accepted forms:
//
//	"in 2h30m"             relative, via time.ParseDuration
//	"2026-01-02 15:04"     absolute, minute precision, UTC
//	"0 9 * * MON"          standard 5-field cron expression, recurring
func ParseReminderSchedule(s string, now time.Time) (ReminderSchedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ReminderSchedule{}, ErrInvalidSchedule
	}

	if rest, ok := strings.CutPrefix(s, "in "); ok {
		d, err := time.ParseDuration(strings.ReplaceAll(rest, " ", ""))
		if err != nil {
			return ReminderSchedule{}, fmt.Errorf(
				"%w: bad duration %q", ErrInvalidSchedule, rest,
			)
		}
		if d <= 0 {
			return ReminderSchedule{}, ErrScheduleInPast
		}
		return ReminderSchedule{At: now.Add(d)}, nil
	}

	if at, err := time.ParseInLocation(timeLayoutMinute, s, time.UTC); err == nil {
		if !at.After(now) {
			return ReminderSchedule{}, ErrScheduleInPast
		}
		return ReminderSchedule{At: at}, nil
	}

	schedule, err := cronScheduleParser.Parse(s)
	if err != nil {
		return ReminderSchedule{}, fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
	}
	return ReminderSchedule{At: schedule.Next(now.UTC()), CronSpec: s}, nil
}

// NewReminder builds a Reminder for the given user from a parsed schedule.
func NewReminder(
	u *User,
	guildID string,
	channelID string,
	message string,
	schedule ReminderSchedule,
) *Reminder {
	return &Reminder{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    u.ID,
		Message:   message,
		CronSpec:  schedule.CronSpec,
		NextRun:   schedule.At.UnixMilli(),
		Enabled:   true,
	}
}

// reminderLimit returns the active-reminder cap for the user, preferring
// the per-user override.
func (w *Warden) reminderLimit(u *User) int {
	if u.ReminderLimit > 0 {
		return u.ReminderLimit
	}
	limit := w.RuntimeConfig().ReminderMaxPerUser
	if limit <= 0 {
		limit = DefaultReminderMaxPerUser
	}
	return limit
}

// CreateReminder validates and persists a new reminder for the user.
func (w *Warden) CreateReminder(
	ctx context.Context,
	u *User,
	guildID string,
	channelID string,
	message string,
	when string,
) (*Reminder, error) {
	schedule, err := ParseReminderSchedule(when, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	count, err := u.activeReminderCount(w.db)
	if err != nil {
		return nil, fmt.Errorf("error counting reminders: %w", err)
	}
	if count >= int64(w.reminderLimit(u)) {
		return nil, ErrReminderLimit
	}

	maxLen := w.RuntimeConfig().ReminderMessageMaxLength
	if maxLen > 0 && len(message) > maxLen {
		message = truncate(message, maxLen)
	}

	reminder := NewReminder(u, guildID, channelID, SanitizeContent(message), schedule)
	if _, err = w.writeDB.Create(ctx, reminder); err != nil {
		return nil, fmt.Errorf("error creating reminder: %w", err)
	}
	return reminder, nil
}

// DeleteReminder disables and soft-deletes the reminder, verifying
// ownership first.
func (w *Warden) DeleteReminder(ctx context.Context, u *User, reminderID uint) error {
	var reminder Reminder
	err := w.db.WithContext(ctx).First(&reminder, reminderID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrReminderNotFound
	case err != nil:
		return fmt.Errorf("error loading reminder: %w", err)
	}
	if reminder.UserID != u.ID {
		return ErrReminderNotYours
	}
	if _, err = w.writeDB.Update(ctx, &reminder, "enabled", false); err != nil {
		return fmt.Errorf("error disabling reminder: %w", err)
	}
	if _, err = w.writeDB.Delete(&reminder); err != nil {
		return fmt.Errorf("error deleting reminder: %w", err)
	}
	return nil
}

// ListReminders returns the user's active reminders, soonest first.
func (w *Warden) ListReminders(ctx context.Context, u *User) ([]Reminder, error) {
	var reminders []Reminder
	err := w.db.WithContext(ctx).Where(
		"user_id = ? AND enabled = ?", u.ID, true,
	).Order("next_run asc").Find(&reminders).Error
	return reminders, err
}

func (w *Warden) handleRemindCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
) {
	_, logger := w.getLogger(ctx)
	w.remindersInProgress.Add(1)
	defer w.remindersInProgress.Add(-1)

	if ackErr := w.interactionAck(ctx, i, DiscordSlashCommandRemind); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		_ = w.interactionEdit(ctx, i, w.RuntimeConfig().DiscordErrorMessage)
		return
	}
	sub := data.Options[0]
	options := discordInteractionOptions(sub.Options)

	var response string
	switch sub.Name {
	case remindSubcommandSet:
		channelID := i.ChannelID
		if opt, ok := options["channel"]; ok {
			channelID = opt.Value.(string)
		}
		reminder, err := w.CreateReminder(
			ctx,
			u,
			i.GuildID,
			channelID,
			options["message"].StringValue(),
			options["when"].StringValue(),
		)
		switch {
		case errors.Is(err, ErrInvalidSchedule):
			response = "I couldn't understand that schedule. Try `in 2h`, `2026-01-02 15:04`, or a cron expression like `0 9 * * MON`."
		case errors.Is(err, ErrScheduleInPast):
			response = "That time has already passed."
		case errors.Is(err, ErrReminderLimit):
			response = fmt.Sprintf(
				"You've hit your limit of %d active reminders. Delete one first (`/remind list`).",
				w.reminderLimit(u),
			)
		case err != nil:
			logger.ErrorContext(ctx, "error creating reminder", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			logger.InfoContext(
				ctx,
				"created reminder",
				slog.Group("reminder", reminderLogAttrs(*reminder)...),
			)
			if reminder.Recurring() {
				response = fmt.Sprintf(
					"Recurring reminder #%d set (`%s`), next: <t:%d:F>",
					reminder.ID, reminder.CronSpec, reminder.NextRun/1000,
				)
			} else {
				response = fmt.Sprintf(
					"Reminder #%d set for <t:%d:F>",
					reminder.ID, reminder.NextRun/1000,
				)
			}
		}
	case remindSubcommandList:
		reminders, err := w.ListReminders(ctx, u)
		if err != nil {
			logger.ErrorContext(ctx, "error listing reminders", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
			break
		}
		if len(reminders) == 0 {
			response = "You have no active reminders."
			break
		}
		lines := make([]string, 0, len(reminders))
		for _, r := range reminders {
			entry := fmt.Sprintf(
				"**#%d** <t:%d:F> %s", r.ID, r.NextRun/1000, truncate(r.Message, 80),
			)
			if r.Recurring() {
				entry += fmt.Sprintf(" (`%s`)", r.CronSpec)
			}
			lines = append(lines, entry)
		}
		response = strings.Join(lines, "\n")
	case remindSubcommandDelete:
		reminderID := uint(options["id"].IntValue())
		err := w.DeleteReminder(ctx, u, reminderID)
		switch {
		case errors.Is(err, ErrReminderNotFound), errors.Is(err, ErrReminderNotYours):
			response = fmt.Sprintf("No reminder #%d found for you.", reminderID)
		case err != nil:
			logger.ErrorContext(ctx, "error deleting reminder", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			response = fmt.Sprintf("Deleted reminder #%d.", reminderID)
		}
	default:
		response = w.RuntimeConfig().DiscordErrorMessage
	}

	if editErr := w.interactionEdit(ctx, i, response); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}
