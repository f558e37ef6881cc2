package warden

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const settingAskCooldown = "ask_cooldown"

var (
	columnAskCommandResponse = "response"
	columnAskCommandError    = "error"
	columnAskCommandFinished = "finished_at"
)

// AskCommand records a single /ask invocation and its outcome.
//
//nolint:lll // struct tags can't be split
type AskCommand struct {
	ModelUintID
	ModelUnixTime

	InteractionID string `json:"interaction_id" gorm:"index"`
	UserID        string `json:"user_id" gorm:"index"`
	GuildID       string `json:"guild_id" gorm:"index"`
	ChannelID     string `json:"channel_id"`

	Prompt   string         `json:"prompt"`
	Response string         `json:"response"`
	Error    NullableString `json:"error"`
	Model    string         `json:"model"`

	UsagePromptTokens     int `json:"usage_prompt_tokens"`
	UsageCompletionTokens int `json:"usage_completion_tokens"`
	UsageTotalTokens      int `json:"usage_total_tokens"`

	// TokenExpires is when the interaction token becomes unusable,
	// after which the response can no longer be edited.
	TokenExpires int64 `json:"token_expires"`
	FinishedAt   int64 `json:"finished_at"`
}

func (a AskCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(a.ID)),
		slog.String("interaction_id", a.InteractionID),
		slog.String("user_id", a.UserID),
		slog.String("guild_id", a.GuildID),
		slog.String("model", a.Model),
		slog.Int("usage_total_tokens", a.UsageTotalTokens),
	)
}

func newAskCommand(
	i *discordgo.InteractionCreate,
	u *User,
	prompt string,
) *AskCommand {
	rec := &AskCommand{
		InteractionID: i.ID,
		UserID:        u.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Prompt:        prompt,
		TokenExpires: time.Now().Add(
			discordInteractionTokenLifespan,
		).UnixMilli(),
	}
	return rec
}

// askOnCooldown reports whether the user has asked within the guild's
// configured cooldown window. A zero cooldown disables the check.
func (w *Warden) askOnCooldown(
	ctx context.Context,
	u *User,
	guildID string,
) (time.Duration, bool) {
	if guildID == "" {
		return 0, false
	}
	cooldown := w.settings.GetDuration(ctx, guildID, settingAskCooldown)
	if cooldown <= 0 {
		return 0, false
	}
	var last AskCommand
	err := w.db.WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?", u.ID, guildID,
	).Order("created_at desc").Limit(1).Find(&last).Error
	if err != nil || last.ID == 0 {
		return 0, false
	}
	elapsed := time.Since(time.UnixMilli(last.CreatedAt))
	if elapsed >= cooldown {
		return 0, false
	}
	return cooldown - elapsed, true
}

func (w *Warden) handleAskCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
) {
	_, logger := w.getLogger(ctx)
	config := w.RuntimeConfig()

	if !config.AskEnabled || w.openai.client == nil {
		if err := w.interactionRespondEphemeral(
			ctx, i, "Sorry, /ask isn't available right now.",
		); err != nil {
			logger.ErrorContext(ctx, "error responding", tint.Err(err))
		}
		return
	}

	if remaining, onCooldown := w.askOnCooldown(ctx, u, i.GuildID); onCooldown {
		if err := w.interactionRespondEphemeral(
			ctx,
			i,
			fmt.Sprintf(
				"You're on cooldown, try again in %s.",
				remaining.Round(time.Second),
			),
		); err != nil {
			logger.ErrorContext(ctx, "error responding", tint.Err(err))
		}
		return
	}

	data := i.ApplicationCommandData()
	optionMap := discordInteractionOptions(data.Options)
	promptOption := optionMap[askCommandPromptOption]
	if promptOption == nil {
		logger.WarnContext(ctx, "ask command missing prompt option")
		return
	}
	prompt := truncate(
		promptOption.StringValue(),
		config.AskCommandMaxLength,
	)

	if err := w.interactionAck(ctx, i, DiscordSlashCommandAsk); err != nil {
		logger.ErrorContext(
			ctx,
			"error acknowledging interaction",
			tint.Err(err),
		)
		return
	}

	w.asksInProgress.Add(1)
	defer w.asksInProgress.Add(-1)

	rec := newAskCommand(i, u, prompt)
	if _, err := w.writeDB.Create(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "error saving ask command", tint.Err(err))
	}

	response, err := w.openai.CreateCompletion(ctx, prompt)
	rec.Model = response.Model
	rec.UsagePromptTokens = response.Usage.PromptTokens
	rec.UsageCompletionTokens = response.Usage.CompletionTokens
	rec.UsageTotalTokens = response.Usage.TotalTokens
	rec.FinishedAt = time.Now().UnixMilli()

	var reply string
	if err != nil {
		logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		rec.Error = NullableString(err.Error())
		if ctx.Err() != nil {
			reply = config.DiscordRateLimitMessage
		} else {
			reply = config.DiscordErrorMessage
		}
	} else {
		content, contentErr := completionContent(response)
		if contentErr != nil {
			logger.ErrorContext(
				ctx,
				"bad completion response",
				tint.Err(contentErr),
			)
			rec.Error = NullableString(contentErr.Error())
			reply = config.DiscordErrorMessage
		} else {
			rec.Response = content
			reply = SanitizeContent(content)
		}
	}

	if rec.ID > 0 {
		if _, saveErr := w.writeDB.Updates(
			ctx, rec, map[string]any{
				columnAskCommandResponse:  rec.Response,
				columnAskCommandError:     rec.Error,
				columnAskCommandFinished:  rec.FinishedAt,
				"model":                   rec.Model,
				"usage_prompt_tokens":     rec.UsagePromptTokens,
				"usage_completion_tokens": rec.UsageCompletionTokens,
				"usage_total_tokens":      rec.UsageTotalTokens,
			},
		); saveErr != nil {
			logger.ErrorContext(
				ctx,
				"error updating ask command",
				tint.Err(saveErr),
				"ask_command", rec,
			)
		}
	}

	if time.Now().UnixMilli() >= rec.TokenExpires {
		logger.WarnContext(
			ctx,
			"interaction token expired, dropping response",
			"ask_command", rec,
		)
		return
	}
	if editErr := w.interactionEdit(ctx, i, reply); editErr != nil {
		logger.ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(editErr),
			"ask_command", rec,
		)
	}
}
