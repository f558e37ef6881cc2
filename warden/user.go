package warden

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	columnUserID         = "id"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots are ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are bot-specific
	//

	// If true, slash command interactions from this user are ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// Maximum number of active reminders this user may have. Zero
	// means use the runtime config default.
	ReminderLimit int `json:"reminder_limit" gorm:"column:reminder_limit"`

	// LastSeen is the last time this user was seen in a Discord interaction
	// (whether it was from a slash command, a modal submission, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	content, _ := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Content:    string(content),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}
	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String(columnUserUsername, u.Username),
		slog.String(columnUserGlobalName, u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	)
}

// changedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed. This helps avoid 'drift' if the user updates their
// Discord profile.
func (u *User) changedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// activeReminderCount returns the number of undelivered, non-disabled
// reminders owned by the user.
func (u *User) activeReminderCount(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&Reminder{}).Where(
		"user_id = ? AND enabled = ?",
		u.ID,
		true,
	).Count(&count).Error
	return count, err
}
