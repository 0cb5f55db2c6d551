package platform

import (
	"context"

	"github.com/threadbridge/threadbridge/internal/format"
)

// Client is the operation surface the bridge core requires from a chat
// backend. One Client serves one configured platform instance.
type Client interface {
	// Connect establishes the event stream. Blocking operations respect ctx.
	Connect(ctx context.Context) error
	// Disconnect tears down the event stream and releases resources.
	Disconnect() error

	// PlatformID returns the configured instance id.
	PlatformID() string
	// Kind returns the backend kind ("mattermost").
	Kind() string
	// BotUser returns the bot's own account.
	BotUser() User
	// BotName returns the mention name of the bot.
	BotName() string
	// GetUser resolves a user by id.
	GetUser(ctx context.Context, userID string) (*User, error)
	// IsUserAllowed reports whether the username is on the platform's
	// allow-list. An empty allow-list permits nobody.
	IsUserAllowed(username string) bool

	// CreatePost posts into the thread (or the channel when threadID is
	// empty) and returns the created post.
	CreatePost(ctx context.Context, message, threadID string) (*Post, error)
	// UpdatePost replaces a post's message.
	UpdatePost(ctx context.Context, postID, message string) error
	// DeletePost removes a post.
	DeletePost(ctx context.Context, postID string) error
	// GetPost fetches a post by id.
	GetPost(ctx context.Context, postID string) (*Post, error)
	// CreateInteractivePost posts a message and pre-reacts with the given
	// emoji so users can answer with one tap.
	CreateInteractivePost(ctx context.Context, message, threadID string, emojiNames []string) (*Post, error)
	// GetThreadHistory returns the thread's posts, oldest first.
	GetThreadHistory(ctx context.Context, threadID string, opts ThreadHistoryOptions) ([]Post, error)

	// AddReaction reacts to a post as the bot.
	AddReaction(ctx context.Context, postID, emojiName string) error
	// SendTyping emits a typing indicator for the thread.
	SendTyping(ctx context.Context, threadID string) error

	// GetFileInfo fetches attachment metadata.
	GetFileInfo(ctx context.Context, fileID string) (*FileInfo, error)
	// DownloadFile fetches attachment bytes.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)

	// OnMessage registers a handler for inbound posts. Handlers run
	// sequentially in event-stream order.
	OnMessage(handler MessageHandler)
	// OnReaction registers a handler for inbound reactions.
	OnReaction(handler ReactionHandler)

	// Dialect returns the markdown dialect of this backend.
	Dialect() format.Dialect
}
