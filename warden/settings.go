package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SettingKind is the value type a guild setting coerces to.
type SettingKind string

const (
	SettingKindString   SettingKind = "string"
	SettingKindBool     SettingKind = "bool"
	SettingKindInt      SettingKind = "int"
	SettingKindDuration SettingKind = "duration"

	// SettingSourceCommand marks changes made via the /settings command
	SettingSourceCommand = "command"

	// SettingSourceAPI marks changes made via the dashboard API
	SettingSourceAPI = "api"
)

var (
	ErrUnknownSetting      = errors.New("unknown setting")
	ErrInvalidSettingValue = errors.New("invalid setting value")
)

// settingDefinition describes one known guild setting: its kind and the
// value a guild sees before it has ever set it.
type settingDefinition struct {
	Kind        SettingKind
	Default     string
	Description string
}

// settingRegistry is the full set of guild-scoped settings. Keys not in
// this map are rejected by Set.
var settingRegistry = map[string]settingDefinition{
	"timezone": {
		Kind:        SettingKindString,
		Default:     "UTC",
		Description: "IANA timezone used when formatting times",
	},
	"welcome_channel": {
		Kind:        SettingKindString,
		Default:     "",
		Description: "Channel ID for welcome messages (empty disables them)",
	},
	"welcome_message": {
		Kind:        SettingKindString,
		Default:     "Welcome to the server!",
		Description: "Message sent when a new member joins",
	},
	"tickets_enabled": {
		Kind:        SettingKindBool,
		Default:     "true",
		Description: "Whether /ticket is available in this server",
	},
	"max_open_tickets": {
		Kind:        SettingKindInt,
		Default:     "3",
		Description: "Open tickets allowed per member",
	},
	"faq_enabled": {
		Kind:        SettingKindBool,
		Default:     "true",
		Description: "Whether /faq is available in this server",
	},
	"onboard_prompt": {
		Kind:        SettingKindString,
		Default:     "Tell us a little about yourself!",
		Description: "Prompt shown in the /onboard questionnaire",
	},
	"ask_cooldown": {
		Kind:        SettingKindDuration,
		Default:     "30s",
		Description: "Per-user cooldown between /ask requests",
	},
}

// GuildSetting is one key/value pair of per-guild configuration. Values
// are stored normalized (the canonical form of their kind).
//
//nolint:lll // struct tags can't be split
type GuildSetting struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_setting;not null"`
	Key     string `json:"key" gorm:"uniqueIndex:idx_guild_setting;not null"`
	Value   string `json:"value" gorm:"type:string"`
}

func (g GuildSetting) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("key", g.Key),
		slog.String("value", g.Value),
	)
}

// SettingChange is an append-only history row recorded for every setting
// mutation.
//
//nolint:lll // struct tags can't be split
type SettingChange struct {
	ModelUintID
	GuildID  string `json:"guild_id" gorm:"index;not null"`
	Key      string `json:"key" gorm:"not null"`
	OldValue string `json:"old_value" gorm:"type:string"`
	NewValue string `json:"new_value" gorm:"type:string"`

	// ActorID is the discord user (or admin username, for API changes)
	// who made the change
	ActorID string `json:"actor_id" gorm:"type:string"`

	// Source is either 'command' or 'api'
	Source    string `json:"source" gorm:"type:string"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// CoerceSettingValue normalizes a user-supplied value for the given
// kind, returning the canonical stored form.
func CoerceSettingValue(kind SettingKind, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case SettingKindString:
		return raw, nil
	case SettingKindBool:
		switch strings.ToLower(raw) {
		case "true", "yes", "on", "1", "enabled":
			return "true", nil
		case "false", "no", "off", "0", "disabled":
			return "false", nil
		}
		return "", fmt.Errorf("%w: %q is not a boolean", ErrInvalidSettingValue, raw)
	case SettingKindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an integer", ErrInvalidSettingValue, raw)
		}
		return strconv.Itoa(n), nil
	case SettingKindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a duration", ErrInvalidSettingValue, raw)
		}
		if d < 0 {
			return "", fmt.Errorf("%w: duration must not be negative", ErrInvalidSettingValue)
		}
		return d.String(), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSettingValue, kind)
	}
}

type cachedGuild struct {
	values    map[string]string
	refreshed time.Time
}

// GuildSettings is the cached settings service. Reads come from an
// in-memory per-guild map, refreshed from the database when older than
// the TTL or invalidated by a write (locally, or via DBNotifier from
// another instance).
type GuildSettings struct {
	w      *Warden
	ttl    time.Duration
	mu     sync.RWMutex
	guilds map[string]*cachedGuild
}

func newGuildSettings(w *Warden, ttl time.Duration) *GuildSettings {
	if ttl <= 0 {
		ttl = DefaultGuildSettingTTL
	}
	return &GuildSettings{
		w:      w,
		ttl:    ttl,
		guilds: map[string]*cachedGuild{},
	}
}

// invalidate drops the cached values for a guild, forcing the next read
// to load from the database.
func (gs *GuildSettings) invalidate(guildID string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	delete(gs.guilds, guildID)
}

func (gs *GuildSettings) load(ctx context.Context, guildID string) (*cachedGuild, error) {
	var rows []GuildSetting
	err := gs.w.db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error loading guild settings: %w", err)
	}
	cached := &cachedGuild{
		values:    make(map[string]string, len(rows)),
		refreshed: time.Now(),
	}
	for _, row := range rows {
		cached.values[row.Key] = row.Value
	}
	return cached, nil
}

func (gs *GuildSettings) cached(ctx context.Context, guildID string) (*cachedGuild, error) {
	gs.mu.RLock()
	entry := gs.guilds[guildID]
	gs.mu.RUnlock()

	if entry != nil && time.Since(entry.refreshed) < gs.ttl {
		return entry, nil
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	// another goroutine may have refreshed while we waited on the lock
	entry = gs.guilds[guildID]
	if entry != nil && time.Since(entry.refreshed) < gs.ttl {
		return entry, nil
	}
	entry, err := gs.load(ctx, guildID)
	if err != nil {
		return nil, err
	}
	gs.guilds[guildID] = entry
	return entry, nil
}

// Get returns the setting's current value for the guild, falling back to
// the registry default if the guild never set it.
func (gs *GuildSettings) Get(ctx context.Context, guildID string, key string) (string, error) {
	def, known := settingRegistry[key]
	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	entry, err := gs.cached(ctx, guildID)
	if err != nil {
		return "", err
	}
	if value, ok := entry.values[key]; ok {
		return value, nil
	}
	return def.Default, nil
}

// GetBool is a convenience accessor for SettingKindBool settings.
func (gs *GuildSettings) GetBool(ctx context.Context, guildID string, key string) bool {
	value, err := gs.Get(ctx, guildID, key)
	if err != nil {
		return false
	}
	return value == "true"
}

// GetInt is a convenience accessor for SettingKindInt settings.
func (gs *GuildSettings) GetInt(ctx context.Context, guildID string, key string) int {
	value, err := gs.Get(ctx, guildID, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(value)
	return n
}

// GetDuration is a convenience accessor for SettingKindDuration settings.
func (gs *GuildSettings) GetDuration(
	ctx context.Context,
	guildID string,
	key string,
) time.Duration {
	value, err := gs.Get(ctx, guildID, key)
	if err != nil {
		return 0
	}
	d, _ := time.ParseDuration(value)
	return d
}

// Set coerces and persists a new value for the guild, appends a
// SettingChange history row in the same transaction, invalidates the
// cache, and notifies other instances.
func (gs *GuildSettings) Set(
	ctx context.Context,
	guildID string,
	key string,
	rawValue string,
	actorID string,
	source string,
) (*SettingChange, error) {
	def, known := settingRegistry[key]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	value, err := CoerceSettingValue(def.Kind, rawValue)
	if err != nil {
		return nil, err
	}

	oldValue, err := gs.Get(ctx, guildID, key)
	if err != nil {
		return nil, err
	}

	change := &SettingChange{
		GuildID:  guildID,
		Key:      key,
		OldValue: oldValue,
		NewValue: value,
		ActorID:  actorID,
		Source:   source,
	}

	err = gs.w.writeDB.Transaction(ctx, func(tx *gorm.DB) error {
		var setting GuildSetting
		findErr := tx.Where(
			"guild_id = ? AND key = ?", guildID, key,
		).First(&setting).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			setting = GuildSetting{GuildID: guildID, Key: key, Value: value}
			if createErr := tx.Create(&setting).Error; createErr != nil {
				return createErr
			}
		case findErr != nil:
			return findErr
		default:
			if updErr := tx.Model(&setting).Update("value", value).Error; updErr != nil {
				return updErr
			}
		}
		return tx.Create(change).Error
	})
	if err != nil {
		return nil, fmt.Errorf("error saving setting: %w", err)
	}

	gs.invalidate(guildID)
	if gs.w.dbNotifier != nil {
		go gs.w.dbNotifier.GuildSettingsUpdated(context.WithoutCancel(ctx), guildID)
	}
	return change, nil
}

// List returns every known setting with its effective value for the
// guild, sorted by key.
func (gs *GuildSettings) List(ctx context.Context, guildID string) ([]GuildSetting, error) {
	entry, err := gs.cached(ctx, guildID)
	if err != nil {
		return nil, err
	}
	settings := make([]GuildSetting, 0, len(settingRegistry))
	for key, def := range settingRegistry {
		value := def.Default
		if v, ok := entry.values[key]; ok {
			value = v
		}
		settings = append(settings, GuildSetting{GuildID: guildID, Key: key, Value: value})
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings, nil
}

// History returns the most recent setting changes for the guild.
func (gs *GuildSettings) History(
	ctx context.Context,
	guildID string,
	limit int,
) ([]SettingChange, error) {
	if limit <= 0 {
		limit = 50
	}
	var changes []SettingChange
	err := gs.w.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("created_at desc").Limit(limit).Find(&changes).Error
	return changes, err
}

func (w *Warden) handleSettingsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *User,
) {
	_, logger := w.getLogger(ctx)

	if i.GuildID == "" {
		_ = w.interactionRespondEphemeral(ctx, i, "Settings are only available in a server.")
		return
	}

	if ackErr := w.interactionAck(ctx, i, DiscordSlashCommandSettings); ackErr != nil {
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
	case settingsSubcommandGet:
		key := options["key"].StringValue()
		value, err := w.settings.Get(ctx, i.GuildID, key)
		switch {
		case errors.Is(err, ErrUnknownSetting):
			response = fmt.Sprintf("Unknown setting `%s`. See `/settings list`.", key)
		case err != nil:
			logger.ErrorContext(ctx, "error getting setting", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			def := settingRegistry[key]
			response = fmt.Sprintf("`%s` = `%s`\n%s", key, value, def.Description)
		}
	case settingsSubcommandSet:
		key := options["key"].StringValue()
		rawValue := options["value"].StringValue()
		change, err := w.settings.Set(
			ctx, i.GuildID, key, rawValue, u.ID, SettingSourceCommand,
		)
		switch {
		case errors.Is(err, ErrUnknownSetting):
			response = fmt.Sprintf("Unknown setting `%s`. See `/settings list`.", key)
		case errors.Is(err, ErrInvalidSettingValue):
			response = fmt.Sprintf("Invalid value for `%s`: %s", key, err.Error())
		case err != nil:
			logger.ErrorContext(ctx, "error setting value", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
		default:
			logger.InfoContext(ctx, "setting changed", "change", structToSlogValue(change))
			response = fmt.Sprintf(
				"`%s` changed: `%s` -> `%s`",
				key, change.OldValue, change.NewValue,
			)
		}
	case settingsSubcommandList:
		settings, err := w.settings.List(ctx, i.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error listing settings", tint.Err(err))
			response = w.RuntimeConfig().DiscordErrorMessage
			break
		}
		lines := make([]string, 0, len(settings))
		for _, setting := range settings {
			lines = append(
				lines,
				fmt.Sprintf("`%s` = `%s`", setting.Key, setting.Value),
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
