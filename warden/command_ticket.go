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
	"time"
)

const (
	TicketStateOpen   = "open"
	TicketStateClosed = "closed"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketsDisabled   = errors.New("tickets disabled for this guild")
	ErrTooManyTickets    = errors.New("too many open tickets")
	ErrTicketNotOpen     = errors.New("ticket is not open")
	ErrTicketNotYours    = errors.New("ticket belongs to another user")
	columnTicketState    = "state"
	columnTicketClosedAt = "closed_at"
)

// Ticket is a support request opened via /ticket. Numbers are sequential
// per guild, assigned at creation.
//
//nolint:lll // struct tags can't be split
type Ticket struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_ticket_number;not null"`

	// Number is the guild-scoped sequence number shown to users
	Number int `json:"number" gorm:"uniqueIndex:idx_guild_ticket_number;not null"`

	UserID  string `json:"user_id" gorm:"index;not null"`
	Subject string `json:"subject" gorm:"type:string;not null"`
	State   string `json:"state" gorm:"type:string;not null;default:open"`

	// ClosedBy is the discord user who closed the ticket
	ClosedBy string `json:"closed_by" gorm:"type:string"`
	ClosedAt int64  `json:"closed_at"`
}

func (t Ticket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", t.GuildID),
		slog.Int("number", t.Number),
		slog.String(columnUserID, t.UserID),
		slog.String("state", t.State),
	)
}

// OpenTicket creates a ticket with the next guild-scoped sequence
// number. The number is assigned inside the transaction so concurrent
// opens in the same guild can't collide.
func (w *Warden) OpenTicket(
	ctx context.Context,
	u *User,
	guildID string,
	subject string,
) (*Ticket, error) {
	if !w.settings.GetBool(ctx, guildID, "tickets_enabled") {
		return nil, ErrTicketsDisabled
	}

	maxOpen := w.settings.GetInt(ctx, guildID, "max_open_tickets")
	ticket := &Ticket{
		GuildID: guildID,
		UserID:  u.ID,
		Subject: SanitizeContent(subject),
		State:   TicketStateOpen,
	}

	err := w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		if maxOpen > 0 {
			var openCount int64
			if countErr := tx.Model(&Ticket{}).Where(
				"guild_id = ? AND user_id = ? AND state = ?",
				guildID, u.ID, TicketStateOpen,
			).Count(&openCount).Error; countErr != nil {
				return countErr
			}
			if openCount >= int64(maxOpen) {
				return ErrTooManyTickets
			}
		}

		var maxNumber int64
		row := tx.Model(&Ticket{}).Unscoped().Where(
			"guild_id = ?", guildID,
		).Select("coalesce(max(number), 0)").Row()
		if scanErr := row.Scan(&maxNumber); scanErr != nil {
			return scanErr
		}
		ticket.Number = int(maxNumber) + 1
		return tx.Create(ticket).Error
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// CloseTicket closes the given ticket. Only the opener (or someone with
// manage-server, checked by the caller) may close it.
func (w *Warden) CloseTicket(
	ctx context.Context,
	u *User,
	guildID string,
	number int,
	canManage bool,
) (*Ticket, error) {
	var ticket Ticket
	err := w.db.WithContext(ctx).Where(
		"guild_id = ? AND number = ?", guildID, number,
	).First(&ticket).Error
	if err != nil {
		return nil, ErrTicketNotFound
	}
	if ticket.State != TicketStateOpen {
		return nil, ErrTicketNotOpen
	}
	if ticket.UserID != u.ID && !canManage {
		return nil, ErrTicketNotYours
	}

	ticket.State = TicketStateClosed
	ticket.ClosedBy = u.ID
	ticket.ClosedAt = time.Now().UTC().UnixMilli()
	if _, err = w.writeDB.Updates(ctx, &ticket, map[string]any{
		columnTicketState:    ticket.State,
		"closed_by":          ticket.ClosedBy,
		columnTicketClosedAt: ticket.ClosedAt,
	}); err != nil {
		return nil, fmt.Errorf("error closing ticket: %w", err)
	}
	return &ticket, nil
}

// ListOpenTickets returns the guild's open tickets, oldest first.
func (w *Warden) ListOpenTickets(ctx context.Context, guildID string) ([]Ticket, error) {
	var tickets []Ticket
	err := w.db.WithContext(ctx).Where(
		"guild_id = ? AND state = ?", guildID, TicketStateOpen,
	).Order("number asc").Find(&tickets).Error
	return tickets, err
}

// interactionCanManageGuild reports whether the member invoking the
// interaction has the Manage Server permission.
func interactionCanManageGuild(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageServer != 0
}

func (w *Warden) handleTicketCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
) {
	_, logger := w.getLogger(ctx)

	if i.GuildID == "" {
		_ = w.interactionRespondEphemeral(ctx, i, "Tickets are only available in a server.")
		return
	}

	if ackErr := w.interactionAck(ctx, i, DiscordSlashCommandTicket); ackErr != nil {
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
	case ticketSubcommandOpen:
		ticket, err := w.OpenTicket(ctx, u, i.GuildID, options["subject"].StringValue())
		switch {
		case errors.Is(err, ErrTicketsDisabled):
			response = "Tickets are disabled on this server."
		case errors.Is(err, ErrTooManyTickets):
			response = "You already have too many open tickets. Close one first."
		case err != nil:
			logger.ErrorContext(ctx, "error opening ticket", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			logger.InfoContext(ctx, "opened ticket", "ticket", ticket)
			response = fmt.Sprintf(
				"Ticket **#%d** opened: %s", ticket.Number, ticket.Subject,
			)
		}
	case ticketSubcommandClose:
		number := int(options["number"].IntValue())
		ticket, err := w.CloseTicket(
			ctx, u, i.GuildID, number, interactionCanManageGuild(i),
		)
		switch {
		case errors.Is(err, ErrTicketNotFound):
			response = fmt.Sprintf("No ticket #%d on this server.", number)
		case errors.Is(err, ErrTicketNotOpen):
			response = fmt.Sprintf("Ticket #%d is already closed.", number)
		case errors.Is(err, ErrTicketNotYours):
			response = "Only the ticket opener or a moderator can close it."
		case err != nil:
			logger.ErrorContext(ctx, "error closing ticket", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			logger.InfoContext(ctx, "closed ticket", "ticket", ticket)
			response = fmt.Sprintf("Ticket **#%d** closed.", ticket.Number)
		}
	case ticketSubcommandList:
		tickets, err := w.ListOpenTickets(ctx, i.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error listing tickets", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
			break
		}
		if len(tickets) == 0 {
			response = "No open tickets."
			break
		}
		lines := make([]string, 0, len(tickets))
		for _, ticket := range tickets {
			lines = append(
				lines,
				fmt.Sprintf(
					"**#%d** <@%s>: %s",
					ticket.Number, ticket.UserID, truncate(ticket.Subject, 80),
				),
			)
		}
		response = strings.Join(lines, "\n")
	default:
		response = w.RuntimeConfig().DiscordErrorMessage
	}

	if editErr := w.interactionEdit(ctx, i, response); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}
