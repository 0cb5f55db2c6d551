// Package platformtest provides an in-memory platform.Client for tests.
// Posts live in a map, events are fired synchronously, and every mutation
// is recorded so tests can assert on the exact chat traffic.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

type FakeClient struct {
	mu sync.Mutex

	bot     platform.User
	users   map[string]platform.User
	allowed map[string]bool

	seq     int
	posts   map[string]*platform.Post
	order   []string
	updates map[string][]string
	seeded  map[string][]string
	deleted []string
	typing  int

	files     map[string][]byte
	fileInfos map[string]platform.FileInfo

	failCreate error
	failUpdate error

	messageHandlers  []platform.MessageHandler
	reactionHandlers []platform.ReactionHandler

	created chan platform.Post
}

var _ platform.Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	bot := platform.User{ID: "bot-id", Username: "bridge", IsBot: true}
	f := &FakeClient{
		bot:       bot,
		users:     map[string]platform.User{bot.ID: bot},
		allowed:   make(map[string]bool),
		posts:     make(map[string]*platform.Post),
		updates:   make(map[string][]string),
		seeded:    make(map[string][]string),
		files:     make(map[string][]byte),
		fileInfos: make(map[string]platform.FileInfo),
		created:   make(chan platform.Post, 128),
	}
	return f
}

func (f *FakeClient) Connect(ctx context.Context) error { return nil }
func (f *FakeClient) Disconnect() error                 { return nil }
func (f *FakeClient) PlatformID() string                { return "default" }
func (f *FakeClient) Kind() string                      { return "fake" }
func (f *FakeClient) BotUser() platform.User            { return f.bot }
func (f *FakeClient) BotName() string                   { return "@" + f.bot.Username }
func (f *FakeClient) Dialect() format.Dialect           { return format.MattermostDialect{} }

// AddUser registers a user for GetUser lookups and returns it.
func (f *FakeClient) AddUser(id, username string) platform.User {
	u := platform.User{ID: id, Username: username}
	f.mu.Lock()
	f.users[id] = u
	f.mu.Unlock()
	return u
}

// AddUserPost seeds a thread reply authored by userID, bypassing the bot.
// Useful for GetThreadHistory tests that need non-bot traffic.
func (f *FakeClient) AddUserPost(userID, message, threadID string) platform.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	post := &platform.Post{
		ID:        fmt.Sprintf("post-%d", f.seq),
		ChannelID: "chan-1",
		RootID:    threadID,
		UserID:    userID,
		Message:   message,
		CreateAt:  time.Unix(1700000000, 0).Add(time.Duration(f.seq) * time.Second),
	}
	f.posts[post.ID] = post
	f.order = append(f.order, post.ID)
	return *post
}

// SetAllowed replaces the allow-list.
func (f *FakeClient) SetAllowed(usernames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed = make(map[string]bool, len(usernames))
	for _, name := range usernames {
		f.allowed[normalize(name)] = true
	}
}

func (f *FakeClient) IsUserAllowed(username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[normalize(username)]
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

func (f *FakeClient) GetUser(ctx context.Context, userID string) (*platform.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	copied := u
	return &copied, nil
}

// createLocked allocates and stores a post. Callers hold f.mu and send the
// returned copy on f.created after unlocking.
func (f *FakeClient) createLocked(message, threadID string) (*platform.Post, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.seq++
	post := &platform.Post{
		ID:        fmt.Sprintf("post-%d", f.seq),
		ChannelID: "chan-1",
		RootID:    threadID,
		UserID:    f.bot.ID,
		Message:   message,
		CreateAt:  time.Unix(1700000000, 0).Add(time.Duration(f.seq) * time.Second),
	}
	f.posts[post.ID] = post
	f.order = append(f.order, post.ID)
	return post, nil
}

func (f *FakeClient) announce(post platform.Post) {
	select {
	case f.created <- post:
	default:
	}
}

func (f *FakeClient) CreatePost(ctx context.Context, message, threadID string) (*platform.Post, error) {
	f.mu.Lock()
	post, err := f.createLocked(message, threadID)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	copied := *post
	f.mu.Unlock()

	f.announce(copied)
	return &copied, nil
}

func (f *FakeClient) CreateInteractivePost(ctx context.Context, message, threadID string, emojiNames []string) (*platform.Post, error) {
	f.mu.Lock()
	post, err := f.createLocked(message, threadID)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.seeded[post.ID] = append([]string(nil), emojiNames...)
	copied := *post
	f.mu.Unlock()

	f.announce(copied)
	return &copied, nil
}

func (f *FakeClient) UpdatePost(ctx context.Context, postID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	post, ok := f.posts[postID]
	if !ok {
		return fmt.Errorf("post %s not found", postID)
	}
	post.Message = message
	f.updates[postID] = append(f.updates[postID], message)
	return nil
}

func (f *FakeClient) DeletePost(ctx context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[postID]; !ok {
		return fmt.Errorf("post %s not found", postID)
	}
	delete(f.posts, postID)
	f.deleted = append(f.deleted, postID)
	return nil
}

func (f *FakeClient) GetPost(ctx context.Context, postID string) (*platform.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", postID)
	}
	copied := *post
	return &copied, nil
}

func (f *FakeClient) GetThreadHistory(ctx context.Context, threadID string, opts platform.ThreadHistoryOptions) ([]platform.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var posts []platform.Post
	for _, post := range f.posts {
		if post.ID != threadID && post.RootID != threadID {
			continue
		}
		if opts.ExcludeBotMessages && post.UserID == f.bot.ID {
			continue
		}
		posts = append(posts, *post)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt.Before(posts[j].CreateAt) })
	if opts.Limit > 0 && len(posts) > opts.Limit {
		posts = posts[len(posts)-opts.Limit:]
	}
	return posts, nil
}

func (f *FakeClient) AddReaction(ctx context.Context, postID, emojiName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded[postID] = append(f.seeded[postID], emojiName)
	return nil
}

func (f *FakeClient) SendTyping(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

// AddFile registers downloadable bytes plus their metadata.
func (f *FakeClient) AddFile(id, name, mimeType string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = data
	f.fileInfos[id] = platform.FileInfo{ID: id, Name: name, MimeType: mimeType, Size: int64(len(data))}
}

func (f *FakeClient) GetFileInfo(ctx context.Context, fileID string) (*platform.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.fileInfos[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	copied := info
	return &copied, nil
}

func (f *FakeClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeClient) OnMessage(handler platform.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageHandlers = append(f.messageHandlers, handler)
}

func (f *FakeClient) OnReaction(handler platform.ReactionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionHandlers = append(f.reactionHandlers, handler)
}

// FireMessage dispatches a message event synchronously to all handlers.
func (f *FakeClient) FireMessage(post platform.Post, user *platform.User) {
	f.mu.Lock()
	handlers := append([]platform.MessageHandler(nil), f.messageHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(post, user)
	}
}

// FireReaction dispatches a reaction event synchronously to all handlers.
func (f *FakeClient) FireReaction(reaction platform.Reaction, user *platform.User) {
	f.mu.Lock()
	handlers := append([]platform.ReactionHandler(nil), f.reactionHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(reaction, user)
	}
}

// SetFailCreate makes subsequent CreatePost calls fail with err.
func (f *FakeClient) SetFailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate = err
}

// SetFailUpdate makes subsequent UpdatePost calls fail with err.
func (f *FakeClient) SetFailUpdate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdate = err
}

// Created yields a copy of every post as it is created.
func (f *FakeClient) Created() <-chan platform.Post { return f.created }

// PostMessage returns the current message of a post, or "" if deleted.
func (f *FakeClient) PostMessage(postID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if post, ok := f.posts[postID]; ok {
		return post.Message
	}
	return ""
}

// Posts returns copies of the live posts in creation order.
func (f *FakeClient) Posts() []platform.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.Post, 0, len(f.order))
	for _, id := range f.order {
		if post, ok := f.posts[id]; ok {
			out = append(out, *post)
		}
	}
	return out
}

// LastPost returns the most recently created live post.
func (f *FakeClient) LastPost() (platform.Post, bool) {
	posts := f.Posts()
	if len(posts) == 0 {
		return platform.Post{}, false
	}
	return posts[len(posts)-1], true
}

// PostCount counts every post ever created, including deleted ones.
func (f *FakeClient) PostCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Updates returns the successive messages written to a post.
func (f *FakeClient) Updates(postID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates[postID]...)
}

// SeededReactions returns the emoji names the bot added to a post.
func (f *FakeClient) SeededReactions(postID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seeded[postID]...)
}

// DeletedPosts returns ids of deleted posts in deletion order.
func (f *FakeClient) DeletedPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// TypingCount returns how many typing indicators were sent.
func (f *FakeClient) TypingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}
