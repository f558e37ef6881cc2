package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"time"
)

const (
	onboardModalInputLabel = "About you"
	onboardModalMinLength  = 10
	onboardModalMaxLength  = 2000
)

// OnboardingResponse stores a member's /onboard questionnaire answer.
// One row per (guild, user); re-submission overwrites.
//
//nolint:lll // struct tags can't be split
type OnboardingResponse struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_onboard_user;not null"`
	UserID  string `json:"user_id" gorm:"uniqueIndex:idx_guild_onboard_user;not null"`
	Content string `json:"content" gorm:"type:string;not null"`

	// SubmittedAt is the most recent submission, unix milliseconds
	SubmittedAt int64 `json:"submitted_at"`
}

// SaveOnboardingResponse creates or overwrites the member's response.
// The returned bool is true when a previous response was replaced.
func (w *Warden) SaveOnboardingResponse(
	ctx context.Context,
	u *User,
	guildID string,
	content string,
) (*OnboardingResponse, bool, error) {
	content = SanitizeContent(content)
	submittedAt := time.Now().UTC().UnixMilli()

	var replaced bool
	response := &OnboardingResponse{
		GuildID:     guildID,
		UserID:      u.ID,
		Content:     content,
		SubmittedAt: submittedAt,
	}
	err := w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		var existing OnboardingResponse
		findErr := tx.Where(
			"guild_id = ? AND user_id = ?", guildID, u.ID,
		).First(&existing).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			return tx.Create(response).Error
		case findErr != nil:
			return findErr
		default:
			replaced = true
			response = &existing
			return tx.Model(&existing).Updates(map[string]any{
				"content":      content,
				"submitted_at": submittedAt,
			}).Error
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("error saving onboarding response: %w", err)
	}
	return response, replaced, nil
}

// handleOnboardCommand presents the onboarding modal. The actual
// response is handled by handleOnboardModalSubmit.
func (w *Warden) handleOnboardCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	_ *User,
) {
	_, logger := w.getLogger(ctx)

	if i.GuildID == "" {
		_ = w.interactionRespondEphemeral(ctx, i, "Onboarding is only available in a server.")
		return
	}

	prompt, err := w.settings.Get(ctx, i.GuildID, "onboard_prompt")
	if err != nil {
		logger.ErrorContext(ctx, "error getting onboard prompt", tint.Err(err))
		prompt = settingRegistry["onboard_prompt"].Default
	}

	modal := discordModalResponse(
		onboardModalCustomID,
		"Introduce yourself",
		onboardModalInputLabel,
		prompt,
		onboardModalMinLength,
		onboardModalMaxLength,
	)
	if respErr := w.discord.session.InteractionRespond(i.Interaction, modal); respErr != nil {
		logger.ErrorContext(ctx, "error presenting onboarding modal", tint.Err(respErr))
	}
}

func (w *Warden) handleOnboardModalSubmit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
	data discordgo.ModalSubmitInteractionData,
) {
	_, logger := w.getLogger(ctx)

	content, err := modalTextInput(data, onboardModalCustomID+"_input")
	if err != nil {
		logger.ErrorContext(ctx, "error reading modal input", tint.Err(err))
		_ = w.interactionRespondEphemeral(ctx, i, w.RuntimeConfig().DiscordErrorMessage)
		return
	}

	response, replaced, err := w.SaveOnboardingResponse(ctx, u, i.GuildID, content)
	if err != nil {
		logger.ErrorContext(ctx, "error saving onboarding response", tint.Err(err))
		_ = w.interactionRespondEphemeral(ctx, i, w.RuntimeConfig().DiscordErrorMessage)
		return
	}

	logger.InfoContext(
		ctx,
		"onboarding response saved",
		"guild_id", response.GuildID,
		columnUserID, response.UserID,
		"replaced", replaced,
	)

	message := "Thanks for introducing yourself!"
	if replaced {
		message = "Your introduction has been updated."
	}
	if respErr := w.interactionRespondEphemeral(ctx, i, message); respErr != nil {
		logger.ErrorContext(ctx, "error confirming onboarding", tint.Err(respErr))
	}

	// announce in the welcome channel, if one is configured
	welcomeChannel := ""
	if v, getErr := w.settings.Get(ctx, i.GuildID, "welcome_channel"); getErr == nil {
		welcomeChannel = v
	}
	if welcomeChannel != "" && !replaced {
		if sendErr := w.discord.channelMessageSend(
			welcomeChannel,
			fmt.Sprintf("<@%s> just introduced themselves!", u.ID),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error announcing onboarding", tint.Err(sendErr))
		}
	}
}
