package warden

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// InteractionLog records every interaction received over the gateway,
// before any command-specific handling.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	CommandName   string `json:"command_name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// NullableString marshals to/from JSON null when empty, and stores as
// SQL NULL when empty.
type NullableString string

func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*ns = NullableString(v)
	case []byte:
		*ns = NullableString(v)
	default:
		return fmt.Errorf("unsupported type for NullableString: %T", value)
	}
	return nil
}

func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

func (ns NullableString) String() string {
	return string(ns)
}

// interactionAck sends the initial deferred response for a slash command.
func (w *Warden) interactionAck(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	commandName string,
) error {
	return w.discord.session.InteractionRespond(
		i.Interaction,
		w.discord.ackResponse(commandName),
	)
}

// interactionEdit replaces the deferred response content.
func (w *Warden) interactionEdit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) error {
	_, err := w.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	)
	return err
}

// interactionRespondEphemeral sends an immediate ephemeral message,
// for commands that don't defer.
func (w *Warden) interactionRespondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) error {
	return w.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// handleInteraction is the entrypoint for all gateway interactions. It
// records the interaction, resolves the user, and dispatches to the
// command-specific handler.
func (w *Warden) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	_, logger := w.getLogger(ctx)

	if rc := w.RuntimeConfig(); rc.RecoverPanic {
		defer func() {
			if r := recover(); r != nil {
				w.handleRecover(ctx, r)
			}
		}()
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := w.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = w.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionModalSubmit:
		w.handleModalSubmit(ctx, i, discordUser)
	case discordgo.InteractionApplicationCommand:
		w.handleApplicationCommand(ctx, i, discordUser)
	}
}

func (w *Warden) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	discordUser *discordgo.User,
) {
	_, logger := w.getLogger(ctx)
	commandName := i.ApplicationCommandData().Name

	u, _, err := w.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}

	logger = logger.With("user", u)
	ctx = WithLogger(ctx, logger)

	if u.Ignored {
		logger.InfoContext(ctx, "ignored user, dropping command")
		return
	}

	if w.paused.Load() {
		if respErr := w.interactionRespondEphemeral(
			ctx, i, "I'm paused right now, try again later",
		); respErr != nil {
			logger.ErrorContext(ctx, "error sending paused notice", tint.Err(respErr))
		}
		return
	}

	switch commandName {
	case DiscordSlashCommandRemind:
		w.handleRemindCommand(ctx, i, u)
	case DiscordSlashCommandSettings:
		w.handleSettingsCommand(ctx, i, u)
	case DiscordSlashCommandTicket:
		w.handleTicketCommand(ctx, i, u)
	case DiscordSlashCommandFAQ:
		w.handleFAQCommand(ctx, i, u)
	case DiscordSlashCommandOnboard:
		w.handleOnboardCommand(ctx, i, u)
	case DiscordSlashCommandAsk:
		w.handleAskCommand(ctx, i, u)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
	}
}

func (w *Warden) handleModalSubmit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	discordUser *discordgo.User,
) {
	_, logger := w.getLogger(ctx)
	data := i.ModalSubmitData()

	u, _, err := w.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}

	switch data.CustomID {
	case onboardModalCustomID:
		w.handleOnboardModalSubmit(ctx, i, u, data)
	default:
		logger.WarnContext(ctx, "unknown modal", "custom_id", data.CustomID)
	}
}

// modalTextInput extracts the value of the first text input matching the
// given custom ID from a submitted modal.
func modalTextInput(
	data discordgo.ModalSubmitInteractionData,
	customID string,
) (string, error) {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, ok := component.(*discordgo.TextInput)
			if !ok {
				continue
			}
			if input.CustomID == customID {
				return input.Value, nil
			}
		}
	}
	return "", errors.New("text input not found in modal")
}
