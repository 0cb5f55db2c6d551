// Package platform defines the chat platform abstraction the bridge core
// consumes: posts, users, reactions, and the client operations every backend
// must provide.
package platform

import (
	"time"
)

// Post is one chat message as the platform reports it.
type Post struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	RootID    string    `json:"rootId,omitempty"` // empty for thread roots
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	FileIDs   []string  `json:"fileIds,omitempty"`
	CreateAt  time.Time `json:"createAt"`
}

// ThreadRoot returns the id of the thread this post belongs to: its RootID
// when replying, otherwise the post itself.
func (p Post) ThreadRoot() string {
	if p.RootID != "" {
		return p.RootID
	}
	return p.ID
}

// User identifies a platform account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"isBot,omitempty"`
}

// Reaction is one emoji reaction event.
type Reaction struct {
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	EmojiName string `json:"emojiName"`
}

// FileInfo describes an uploaded attachment.
type FileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MessageEvent is the bus payload for an inbound post.
type MessageEvent struct {
	Post Post  `json:"post"`
	User *User `json:"user,omitempty"`
}

// ReactionEvent is the bus payload for an inbound reaction.
type ReactionEvent struct {
	Reaction Reaction `json:"reaction"`
	User     *User    `json:"user,omitempty"`
}

// ThreadHistoryOptions narrows GetThreadHistory results.
type ThreadHistoryOptions struct {
	Limit              int
	ExcludeBotMessages bool
}

// MessageHandler receives inbound posts. The user is nil when the platform
// could not resolve the author.
type MessageHandler func(post Post, user *User)

// ReactionHandler receives inbound reactions.
type ReactionHandler func(reaction Reaction, user *User)
