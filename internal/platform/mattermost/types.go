package mattermost

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/threadbridge/threadbridge/internal/platform"
)

// Wire shapes for the v4 REST API and event stream. Only the subset the
// bridge consumes is modelled.

type apiPost struct {
	ID        string   `json:"id,omitempty"`
	CreateAt  int64    `json:"create_at,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	RootID    string   `json:"root_id,omitempty"`
	Message   string   `json:"message,omitempty"`
	Type      string   `json:"type,omitempty"`
	FileIDs   []string `json:"file_ids,omitempty"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

type apiReaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at,omitempty"`
}

type apiFileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// apiPostList is the thread listing shape: post ids in server order plus a
// lookup map. Order is newest-first and not relied on; callers sort by
// create_at instead.
type apiPostList struct {
	Order []string            `json:"order"`
	Posts map[string]*apiPost `json:"posts"`
}

// apiError is the payload the server attaches to non-2xx responses.
type apiError struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

const (
	wsEventHello         = "hello"
	wsEventPosted        = "posted"
	wsEventReactionAdded = "reaction_added"
)

// wsEvent is one frame of the v4 event stream. Resource payloads inside
// Data arrive as JSON-encoded strings, not objects, so they need a second
// unmarshal.
type wsEvent struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast *wsBroadcast               `json:"broadcast,omitempty"`
	Seq       int64                      `json:"seq"`
}

type wsBroadcast struct {
	ChannelID string `json:"channel_id,omitempty"`
}

// wsRequest is a client-to-server frame, used for the authentication
// challenge right after dialing.
type wsRequest struct {
	Seq    int64          `json:"seq"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// decodeNested extracts a JSON-string-wrapped resource from event data.
func decodeNested(data map[string]json.RawMessage, key string, out any) error {
	raw, ok := data[key]
	if !ok {
		return fmt.Errorf("event data missing %q", key)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return fmt.Errorf("event %q payload is not a string: %w", key, err)
	}
	if err := json.Unmarshal([]byte(encoded), out); err != nil {
		return fmt.Errorf("decode event %q payload: %w", key, err)
	}
	return nil
}

func toPost(p *apiPost) platform.Post {
	return platform.Post{
		ID:        p.ID,
		ChannelID: p.ChannelID,
		RootID:    p.RootID,
		UserID:    p.UserID,
		Message:   p.Message,
		FileIDs:   p.FileIDs,
		CreateAt:  time.UnixMilli(p.CreateAt),
	}
}

func toUser(u *apiUser) *platform.User {
	return &platform.User{
		ID:       u.ID,
		Username: u.Username,
		IsBot:    u.IsBot,
	}
}
