package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"strings"
)

var (
	ErrFAQNotFound = errors.New("faq entry not found")
	ErrFAQDisabled = errors.New("faq disabled for this guild")
)

// FAQEntry is a named answer stored per guild, looked up with /faq get.
//
//nolint:lll // struct tags can't be split
type FAQEntry struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_faq_name;not null"`
	Name    string `json:"name" gorm:"uniqueIndex:idx_guild_faq_name;not null"`
	Content string `json:"content" gorm:"type:string;not null"`

	// AuthorID is the user who last added or updated the entry
	AuthorID string `json:"author_id" gorm:"type:string"`
}

// normalizeFAQName lowercases and trims a lookup name, so `/faq get
// Rules` and `/faq get rules` hit the same entry.
func normalizeFAQName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetFAQEntry returns the named entry for the guild.
func (w *Warden) GetFAQEntry(
	ctx context.Context,
	guildID string,
	name string,
) (*FAQEntry, error) {
	var entry FAQEntry
	err := w.db.WithContext(ctx).Where(
		"guild_id = ? AND name = ?", guildID, normalizeFAQName(name),
	).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFAQNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertFAQEntry creates or replaces the named entry. The returned bool
// is true when an existing entry was updated.
func (w *Warden) UpsertFAQEntry(
	ctx context.Context,
	u *User,
	guildID string,
	name string,
	content string,
) (*FAQEntry, bool, error) {
	if !w.settings.GetBool(ctx, guildID, "faq_enabled") {
		return nil, false, ErrFAQDisabled
	}

	name = normalizeFAQName(name)
	content = SanitizeContent(content)

	var updated bool
	entry := &FAQEntry{
		GuildID:  guildID,
		Name:     name,
		Content:  content,
		AuthorID: u.ID,
	}
	err := w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		var existing FAQEntry
		findErr := tx.Where(
			"guild_id = ? AND name = ?", guildID, name,
		).First(&existing).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			return tx.Create(entry).Error
		case findErr != nil:
			return findErr
		default:
			updated = true
			entry = &existing
			return tx.Model(&existing).Updates(map[string]any{
				"content":   content,
				"author_id": u.ID,
			}).Error
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("error saving faq entry: %w", err)
	}
	return entry, updated, nil
}

// RemoveFAQEntry deletes the named entry.
func (w *Warden) RemoveFAQEntry(ctx context.Context, guildID string, name string) error {
	entry, err := w.GetFAQEntry(ctx, guildID, name)
	if err != nil {
		return err
	}
	if _, err = w.writeDB.Delete(entry); err != nil {
		return fmt.Errorf("error deleting faq entry: %w", err)
	}
	return nil
}

// ListFAQEntries returns the guild's entry names, alphabetical.
func (w *Warden) ListFAQEntries(ctx context.Context, guildID string) ([]FAQEntry, error) {
	var entries []FAQEntry
	err := w.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("name asc").Find(&entries).Error
	return entries, err
}

func (w *Warden) handleFAQCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
) {
	_, logger := w.getLogger(ctx)

	if i.GuildID == "" {
		_ = w.interactionRespondEphemeral(ctx, i, "FAQ entries are only available in a server.")
		return
	}

	if ackErr := w.interactionAck(ctx, i, DiscordSlashCommandFAQ); ackErr != nil {
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
	case faqSubcommandGet:
		name := options["name"].StringValue()
		entry, err := w.GetFAQEntry(ctx, i.GuildID, name)
		switch {
		case errors.Is(err, ErrFAQNotFound):
			response = fmt.Sprintf("No FAQ entry named `%s`. See `/faq list`.", name)
		case err != nil:
			logger.ErrorContext(ctx, "error getting faq entry", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			response = fmt.Sprintf("**%s**\n%s", entry.Name, entry.Content)
		}
	case faqSubcommandAdd:
		if !interactionCanManageGuild(i) {
			response = "You need the Manage Server permission to edit FAQ entries."
			break
		}
		entry, updated, err := w.UpsertFAQEntry(
			ctx, u, i.GuildID,
			options["name"].StringValue(),
			options["content"].StringValue(),
		)
		switch {
		case errors.Is(err, ErrFAQDisabled):
			response = "FAQ entries are disabled on this server."
		case err != nil:
			logger.ErrorContext(ctx, "error saving faq entry", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		case updated:
			response = fmt.Sprintf("Updated FAQ entry `%s`.", entry.Name)
		default:
			response = fmt.Sprintf("Added FAQ entry `%s`.", entry.Name)
		}
	case faqSubcommandRemove:
		if !interactionCanManageGuild(i) {
			response = "You need the Manage Server permission to edit FAQ entries."
			break
		}
		name := options["name"].StringValue()
		err := w.RemoveFAQEntry(ctx, i.GuildID, name)
		switch {
		case errors.Is(err, ErrFAQNotFound):
			response = fmt.Sprintf("No FAQ entry named `%s`.", name)
		case err != nil:
			logger.ErrorContext(ctx, "error removing faq entry", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			response = fmt.Sprintf("Removed FAQ entry `%s`.", normalizeFAQName(name))
		}
	case faqSubcommandList:
		entries, err := w.ListFAQEntries(ctx, i.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error listing faq entries", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
			break
		}
		if len(entries) == 0 {
			response = "No FAQ entries yet."
			break
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, fmt.Sprintf("`%s`", entry.Name))
		}
		response = "FAQ entries: " + strings.Join(names, ", ")
	default:
		response = w.RuntimeConfig().DiscordErrorMessage
	}

	if editErr := w.interactionEdit(ctx, i, response); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}
