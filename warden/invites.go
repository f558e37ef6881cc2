package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
)

// InviteRecord tracks one invite code's last known use count, so member
// joins can be attributed to the invite whose count moved.
//
//nolint:lll // struct tags can't be split
type InviteRecord struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_invite_code;not null"`
	Code    string `json:"code" gorm:"uniqueIndex:idx_guild_invite_code;not null"`

	// InviterID is the user who created the invite
	InviterID string `json:"inviter_id" gorm:"type:string"`

	// Uses is the use count from the last sync
	Uses int `json:"uses"`

	MaxUses int `json:"max_uses"`

	// MembersJoined counts joins attributed to this invite
	MembersJoined int `json:"members_joined"`
}

func (r InviteRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("code", r.Code),
		slog.Int("uses", r.Uses),
		slog.Int("members_joined", r.MembersJoined),
	)
}

// syncGuildInvites reconciles stored invite records with the guild's
// current invites, creating missing rows and updating use counts. Called
// on GuildCreate so the baseline is fresh before any joins arrive.
func (w *Warden) syncGuildInvites(ctx context.Context, guildID string) error {
	invites, err := w.discord.session.GuildInvites(guildID)
	if err != nil {
		return fmt.Errorf("error fetching guild invites: %w", err)
	}

	return w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		for _, invite := range invites {
			if invite == nil {
				continue
			}
			var record InviteRecord
			findErr := tx.Where(
				"guild_id = ? AND code = ?", guildID, invite.Code,
			).First(&record).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				record = InviteRecord{
					GuildID: guildID,
					Code:    invite.Code,
					Uses:    invite.Uses,
					MaxUses: invite.MaxUses,
				}
				if invite.Inviter != nil {
					record.InviterID = invite.Inviter.ID
				}
				if createErr := tx.Create(&record).Error; createErr != nil {
					return createErr
				}
			case findErr != nil:
				return findErr
			default:
				if record.Uses != invite.Uses {
					if updErr := tx.Model(&record).Update(
						"uses", invite.Uses,
					).Error; updErr != nil {
						return updErr
					}
				}
			}
		}
		return nil
	})
}

// recordInviteCreate stores a newly created invite with a zero baseline.
func (w *Warden) recordInviteCreate(ctx context.Context, i *discordgo.InviteCreate) error {
	record := &InviteRecord{
		GuildID: i.GuildID,
		Code:    i.Code,
		Uses:    i.Uses,
		MaxUses: i.MaxUses,
	}
	if i.Inviter != nil {
		record.InviterID = i.Inviter.ID
	}
	_, logger := w.getLogger(ctx)
	logger.InfoContext(ctx, "recording new invite", "invite", record)
	_, err := w.writeDB.Create(ctx, record)
	return err
}

// attributeMemberJoin figures out which invite a new member used by
// comparing current use counts against the stored baseline, then credits
// the invite and sends the welcome message if one is configured.
func (w *Warden) attributeMemberJoin(
	ctx context.Context,
	m *discordgo.GuildMemberAdd,
) error {
	_, logger := w.getLogger(ctx)

	invites, err := w.discord.session.GuildInvites(m.GuildID)
	if err != nil {
		return fmt.Errorf("error fetching guild invites: %w", err)
	}

	var attributed *InviteRecord
	err = w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		for _, invite := range invites {
			if invite == nil {
				continue
			}
			var record InviteRecord
			findErr := tx.Where(
				"guild_id = ? AND code = ?", m.GuildID, invite.Code,
			).First(&record).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				// unseen invite; store it so the next join attributes
				record = InviteRecord{
					GuildID: m.GuildID,
					Code:    invite.Code,
					Uses:    invite.Uses,
					MaxUses: invite.MaxUses,
				}
				if invite.Inviter != nil {
					record.InviterID = invite.Inviter.ID
				}
				if createErr := tx.Create(&record).Error; createErr != nil {
					return createErr
				}
				continue
			}
			if findErr != nil {
				return findErr
			}
			if invite.Uses > record.Uses {
				updates := map[string]any{"uses": invite.Uses}
				if attributed == nil {
					record.MembersJoined++
					updates["members_joined"] = record.MembersJoined
					record.Uses = invite.Uses
					attributed = &record
				}
				if updErr := tx.Model(&InviteRecord{}).Where(
					"id = ?", record.ID,
				).Updates(updates).Error; updErr != nil {
					return updErr
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if attributed != nil {
		logger.InfoContext(
			ctx,
			"attributed member join",
			columnUserID, m.User.ID,
			"invite", attributed,
		)
	} else {
		logger.InfoContext(
			ctx,
			"could not attribute member join (vanity URL or expired invite)",
			columnUserID, m.User.ID,
			"guild_id", m.GuildID,
		)
	}

	w.sendWelcomeMessage(ctx, m, attributed)
	return nil
}

func (w *Warden) sendWelcomeMessage(
	ctx context.Context,
	m *discordgo.GuildMemberAdd,
	invite *InviteRecord,
) {
	_, logger := w.getLogger(ctx)

	channelID, err := w.settings.Get(ctx, m.GuildID, "welcome_channel")
	if err != nil || channelID == "" {
		return
	}
	message, err := w.settings.Get(ctx, m.GuildID, "welcome_message")
	if err != nil || message == "" {
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("<@%s> ", m.User.ID))
	b.WriteString(message)
	if invite != nil && invite.InviterID != "" {
		b.WriteString(fmt.Sprintf(" (invited by <@%s>)", invite.InviterID))
	}

	if sendErr := w.discord.channelMessageSend(channelID, b.String()); sendErr != nil {
		logger.ErrorContext(ctx, "error sending welcome message", tint.Err(sendErr))
	}
}

// InviteAttributionSummary is the dashboard aggregate: joins credited
// per invite code.
type InviteAttributionSummary struct {
	Code          string `json:"code"`
	InviterID     string `json:"inviter_id"`
	MembersJoined int    `json:"members_joined"`
}

// inviteAttribution returns per-invite join counts for a guild (or all
// guilds when guildID is empty), most-used first.
func (w *Warden) inviteAttribution(
	ctx context.Context,
	guildID string,
) ([]InviteAttributionSummary, error) {
	var summaries []InviteAttributionSummary
	q := w.db.WithContext(ctx).Model(&InviteRecord{}).Select(
		"code, inviter_id, members_joined",
	)
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	err := q.Order("members_joined desc").Find(&summaries).Error
	return summaries, err
}
