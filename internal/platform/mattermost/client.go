// Package mattermost implements the platform client against the Mattermost
// v4 REST API and its WebSocket event stream.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

const (
	// userCacheSize bounds the id-to-user cache. Channels the bridge serves
	// rarely see more than a few dozen distinct authors.
	userCacheSize = 256

	requestTimeout  = 15 * time.Second
	maxDownloadSize = 64 << 20
)

// Config describes one Mattermost server connection.
type Config struct {
	// ID names this platform instance inside session keys and the store.
	ID string
	// URL is the server base URL, e.g. https://chat.example.com.
	URL string
	// Token is a bot account or personal access token.
	Token string
	// ChannelID is the channel the bridge serves. Events from other
	// channels are dropped before dispatch.
	ChannelID string
	// AllowedUsers lists usernames permitted to start and drive sessions.
	AllowedUsers []string
}

// Client talks to a single Mattermost server. REST calls go over HTTP with
// bearer auth; incoming posts and reactions arrive on a WebSocket that the
// client keeps redialing until Disconnect.
type Client struct {
	cfg    Config
	logger *logger.Logger

	httpClient *http.Client
	apiURL     string
	wsURL      string

	botUser   platform.User
	userCache *lru.Cache[string, *platform.User]

	handlersMu       sync.RWMutex
	messageHandlers  []platform.MessageHandler
	reactionHandlers []platform.ReactionHandler

	connMu    sync.Mutex
	connected bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

var _ platform.Client = (*Client)(nil)

// NewClient builds a client. No network traffic happens until Connect.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("platform %q: url is required", cfg.ID)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("platform %q: token is required", cfg.ID)
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("platform %q: channelId is required", cfg.ID)
	}

	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("platform %q: invalid url: %w", cfg.ID, err)
	}

	wsBase := *base
	switch base.Scheme {
	case "http":
		wsBase.Scheme = "ws"
	case "https":
		wsBase.Scheme = "wss"
	default:
		return nil, fmt.Errorf("platform %q: unsupported url scheme %q", cfg.ID, base.Scheme)
	}

	cache, err := lru.New[string, *platform.User](userCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		logger:     log.WithPlatformID(cfg.ID).WithFields(zap.String("component", "mattermost")),
		httpClient: &http.Client{Timeout: requestTimeout},
		apiURL:     base.String() + "/api/v4",
		wsURL:      wsBase.String() + "/api/v4/websocket",
		userCache:  cache,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Connect resolves the bot's own identity and starts the event stream
// listener. It is safe to call once per client.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}

	var me apiUser
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return fmt.Errorf("failed to resolve bot user: %w", err)
	}
	c.botUser = *toUser(&me)
	c.userCache.Add(me.ID, toUser(&me))

	c.connected = true
	go c.listen()

	c.logger.Info("Connected to platform",
		zap.String("bot_username", me.Username),
		zap.String("channel_id", c.cfg.ChannelID))
	return nil
}

// Disconnect stops the event stream and waits briefly for the listener to
// wind down. REST calls still work afterwards.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.stopCh)

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timed out waiting for event stream shutdown")
	}
	return nil
}

func (c *Client) PlatformID() string { return c.cfg.ID }

func (c *Client) Kind() string { return "mattermost" }

func (c *Client) BotUser() platform.User { return c.botUser }

func (c *Client) BotName() string { return "@" + c.botUser.Username }

// IsUserAllowed reports whether username is on the allow-list. Names match
// case-insensitively and with or without a leading @.
func (c *Client) IsUserAllowed(username string) bool {
	name := normalizeUsername(username)
	if name == "" {
		return false
	}
	for _, allowed := range c.cfg.AllowedUsers {
		if normalizeUsername(allowed) == name {
			return true
		}
	}
	return false
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// GetUser resolves a user by id, serving repeat lookups from the LRU cache.
func (c *Client) GetUser(ctx context.Context, userID string) (*platform.User, error) {
	if u, ok := c.userCache.Get(userID); ok {
		return u, nil
	}
	var mu apiUser
	if err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, &mu); err != nil {
		return nil, err
	}
	u := toUser(&mu)
	c.userCache.Add(userID, u)
	return u, nil
}

func (c *Client) CreatePost(ctx context.Context, message, threadID string) (*platform.Post, error) {
	body := apiPost{
		ChannelID: c.cfg.ChannelID,
		RootID:    threadID,
		Message:   message,
	}
	var created apiPost
	if err := c.do(ctx, http.MethodPost, "/posts", body, &created); err != nil {
		return nil, err
	}
	post := toPost(&created)
	return &post, nil
}

func (c *Client) UpdatePost(ctx context.Context, postID, message string) error {
	body := map[string]string{"message": message}
	return c.do(ctx, http.MethodPut, "/posts/"+postID+"/patch", body, nil)
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodDelete, "/posts/"+postID, nil, nil)
}

func (c *Client) GetPost(ctx context.Context, postID string) (*platform.Post, error) {
	var got apiPost
	if err := c.do(ctx, http.MethodGet, "/posts/"+postID, nil, &got); err != nil {
		return nil, err
	}
	post := toPost(&got)
	return &post, nil
}

// CreateInteractivePost creates a post and seeds it with option reactions so
// users can answer with a single tap. Seeding failures are logged and
// skipped; the post itself is still usable.
func (c *Client) CreateInteractivePost(ctx context.Context, message, threadID string, emojiNames []string) (*platform.Post, error) {
	post, err := c.CreatePost(ctx, message, threadID)
	if err != nil {
		return nil, err
	}
	for _, emoji := range emojiNames {
		if err := c.AddReaction(ctx, post.ID, emoji); err != nil {
			c.logger.Warn("Failed to seed option reaction",
				zap.String("post_id", post.ID),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}
	return post, nil
}

// GetThreadHistory returns the posts of a thread oldest first. System posts
// are always dropped; bot posts are dropped when opts says so. A positive
// limit keeps only the newest posts.
func (c *Client) GetThreadHistory(ctx context.Context, threadID string, opts platform.ThreadHistoryOptions) ([]platform.Post, error) {
	var list apiPostList
	if err := c.do(ctx, http.MethodGet, "/posts/"+threadID+"/thread", nil, &list); err != nil {
		return nil, err
	}

	posts := make([]platform.Post, 0, len(list.Posts))
	for _, p := range list.Posts {
		if p == nil || p.Type != "" {
			continue
		}
		if opts.ExcludeBotMessages && p.UserID == c.botUser.ID {
			continue
		}
		posts = append(posts, toPost(p))
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt.Before(posts[j].CreateAt) })

	if opts.Limit > 0 && len(posts) > opts.Limit {
		posts = posts[len(posts)-opts.Limit:]
	}
	return posts, nil
}

func (c *Client) AddReaction(ctx context.Context, postID, emojiName string) error {
	body := apiReaction{
		UserID:    c.botUser.ID,
		PostID:    postID,
		EmojiName: emojiName,
	}
	return c.do(ctx, http.MethodPost, "/reactions", body, nil)
}

// SendTyping publishes a typing indicator scoped to the given thread.
func (c *Client) SendTyping(ctx context.Context, threadID string) error {
	body := map[string]string{
		"channel_id": c.cfg.ChannelID,
		"parent_id":  threadID,
	}
	return c.do(ctx, http.MethodPost, "/users/me/typing", body, nil)
}

func (c *Client) GetFileInfo(ctx context.Context, fileID string) (*platform.FileInfo, error) {
	var info apiFileInfo
	if err := c.do(ctx, http.MethodGet, "/files/"+fileID+"/info", nil, &info); err != nil {
		return nil, err
	}
	return &platform.FileInfo{
		ID:       info.ID,
		Name:     info.Name,
		MimeType: info.MimeType,
		Size:     info.Size,
	}, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/files/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
}

func (c *Client) OnMessage(handler platform.MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.messageHandlers = append(c.messageHandlers, handler)
}

func (c *Client) OnReaction(handler platform.ReactionHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.reactionHandlers = append(c.reactionHandlers, handler)
}

func (c *Client) Dialect() format.Dialect { return format.MattermostDialect{} }

// do performs one REST call. A nil out discards the response body; non-2xx
// statuses are turned into errors carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
