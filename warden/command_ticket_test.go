package warden

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTicketSequentialNumbers(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "ticket_opener")

	first, err := w.OpenTicket(ctx, u, "guild1", "printer on fire")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, TicketStateOpen, first.State)

	second, err := w.OpenTicket(ctx, u, "guild1", "printer still on fire")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)

	// numbering is per guild
	elsewhere, err := w.OpenTicket(ctx, u, "guild2", "different server")
	require.NoError(t, err)
	assert.Equal(t, 1, elsewhere.Number)
}

func TestOpenTicketLimit(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "ticket_limit_user")

	for i := 0; i < 3; i++ {
		_, err := w.OpenTicket(ctx, u, "guild1", fmt.Sprintf("issue %d", i))
		require.NoError(t, err)
	}

	_, err := w.OpenTicket(ctx, u, "guild1", "one more")
	require.ErrorIs(t, err, ErrTooManyTickets)

	// closing one frees a slot, and the sequence keeps counting up
	closed, err := w.CloseTicket(ctx, u, "guild1", 1, false)
	require.NoError(t, err)
	assert.Equal(t, TicketStateClosed, closed.State)
	assert.Equal(t, u.ID, closed.ClosedBy)
	assert.NotZero(t, closed.ClosedAt)

	reopened, err := w.OpenTicket(ctx, u, "guild1", "back again")
	require.NoError(t, err)
	assert.Equal(t, 4, reopened.Number)
}

func TestOpenTicketDisabled(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "ticket_disabled_user")

	_, err := w.settings.Set(
		ctx, "guild1", "tickets_enabled", "false", "admin", SettingSourceCommand,
	)
	require.NoError(t, err)

	_, err = w.OpenTicket(ctx, u, "guild1", "hello?")
	require.ErrorIs(t, err, ErrTicketsDisabled)
}

func TestOpenTicketSanitizesSubject(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "ticket_sanitize_user")

	ticket, err := w.OpenTicket(ctx, u, "guild1", "@everyone look at this")
	require.NoError(t, err)
	assert.NotContains(t, ticket.Subject, "@everyone")
}

func TestCloseTicketOwnership(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	opener := createTestUser(t, w, "ticket_owner")
	other := createTestUser(t, w, "ticket_other")

	ticket, err := w.OpenTicket(ctx, opener, "guild1", "help")
	require.NoError(t, err)

	_, err = w.CloseTicket(ctx, other, "guild1", ticket.Number, false)
	require.ErrorIs(t, err, ErrTicketNotYours)

	// a moderator can close someone else's ticket
	closed, err := w.CloseTicket(ctx, other, "guild1", ticket.Number, true)
	require.NoError(t, err)
	assert.Equal(t, other.ID, closed.ClosedBy)

	_, err = w.CloseTicket(ctx, opener, "guild1", ticket.Number, false)
	require.ErrorIs(t, err, ErrTicketNotOpen)

	_, err = w.CloseTicket(ctx, opener, "guild1", 99, false)
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestListOpenTickets(t *testing.T) {
	w := newTestWarden(t)
	ctx := context.Background()
	u := createTestUser(t, w, "ticket_list_user")

	for _, subject := range []string{"first", "second", "third"} {
		_, err := w.OpenTicket(ctx, u, "guild1", subject)
		require.NoError(t, err)
	}
	_, err := w.CloseTicket(ctx, u, "guild1", 2, false)
	require.NoError(t, err)

	tickets, err := w.ListOpenTickets(ctx, "guild1")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, 1, tickets[0].Number)
	assert.Equal(t, 3, tickets[1].Number)
}

func TestInteractionCanManageGuild(t *testing.T) {
	assert.False(
		t,
		interactionCanManageGuild(
			&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}},
		),
	)

	member := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{Permissions: discordgo.PermissionManageServer},
		},
	}
	assert.True(t, interactionCanManageGuild(member))

	member.Member.Permissions = discordgo.PermissionSendMessages
	assert.False(t, interactionCanManageGuild(member))
}
