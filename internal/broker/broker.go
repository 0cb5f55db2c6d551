// Package broker implements the permission broker: a stdio subprocess the
// agent CLI consults before running tools. Each prompt becomes an
// interactive chat post in the session thread; the first qualifying
// reaction decides the outcome.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

// Decision is the verdict returned to the agent CLI. It is serialized as
// the tool result payload, so the field names are part of the contract.
type Decision struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// reactionVerdict is what the reaction handler passes to a waiting prompt.
type reactionVerdict struct {
	allow    bool
	allowAll bool
	username string
}

// Broker owns one platform connection and answers permission prompts for a
// single session thread. The allow-all latch is in-process only, so it
// naturally resets with each agent session.
type Broker struct {
	cfg    *Config
	client platform.Client
	logger *logger.Logger

	allowAll atomic.Bool

	mu      sync.Mutex
	waiters map[string]chan reactionVerdict
}

// New builds a broker on an already constructed platform client. Call
// Start after the client is connected.
func New(cfg *Config, client platform.Client, log *logger.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		client:  client,
		logger:  log.WithFields(zap.String("component", "broker")),
		waiters: make(map[string]chan reactionVerdict),
	}
}

// Start registers the reaction listener. Reactions from the bot itself and
// from users outside the allow-list never resolve a prompt.
func (b *Broker) Start() {
	b.client.OnReaction(b.handleReaction)
}

// HandlePrompt asks the session thread whether a tool call may proceed and
// blocks until a qualifying reaction, the timeout, or ctx cancellation.
func (b *Broker) HandlePrompt(ctx context.Context, toolName string, input map[string]any) Decision {
	if b.allowAll.Load() {
		return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
	}

	descriptor := DescribeTool(toolName, input)
	prompt := fmt.Sprintf("%s\n\n%s\n\n👍 allow once · ✅ allow always · 👎 deny",
		b.client.Dialect().Bold("Permission required"), descriptor)

	post, err := b.client.CreateInteractivePost(ctx, prompt, b.cfg.ThreadID,
		[]string{format.EmojiApprove, format.EmojiAllowAll, format.EmojiDeny})
	if err != nil {
		b.logger.Error("Failed to post permission prompt",
			zap.String("tool", toolName),
			zap.Error(err))
		return Decision{Behavior: BehaviorDeny, Message: "Failed to reach the session thread"}
	}

	waiter := make(chan reactionVerdict, 1)
	b.mu.Lock()
	b.waiters[post.ID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, post.ID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case v := <-waiter:
		return b.resolve(post.ID, descriptor, toolName, input, v)
	case <-timer.C:
		b.updatePrompt(post.ID, descriptor, "⏱️ "+b.client.Dialect().Bold("Timed out")+" - denied")
		b.logger.Info("Permission prompt timed out", zap.String("tool", toolName))
		return Decision{Behavior: BehaviorDeny, Message: "Permission request timed out"}
	case <-ctx.Done():
		b.updatePrompt(post.ID, descriptor, "❌ "+b.client.Dialect().Bold("Cancelled"))
		return Decision{Behavior: BehaviorDeny, Message: "Permission request cancelled"}
	}
}

func (b *Broker) resolve(postID, descriptor, toolName string, input map[string]any, v reactionVerdict) Decision {
	mention := b.client.Dialect().Mention(v.username)
	switch {
	case v.allowAll:
		b.allowAll.Store(true)
		b.updatePrompt(postID, descriptor, "✅ "+b.client.Dialect().Bold("Allowed for this session")+" by "+mention)
		b.logger.Info("Tool allowed for session",
			zap.String("tool", toolName),
			zap.String("user", v.username))
		return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
	case v.allow:
		b.updatePrompt(postID, descriptor, "✅ "+b.client.Dialect().Bold("Allowed")+" by "+mention)
		b.logger.Info("Tool allowed",
			zap.String("tool", toolName),
			zap.String("user", v.username))
		return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
	default:
		b.updatePrompt(postID, descriptor, "❌ "+b.client.Dialect().Bold("Denied")+" by "+mention)
		b.logger.Info("Tool denied",
			zap.String("tool", toolName),
			zap.String("user", v.username))
		return Decision{Behavior: BehaviorDeny, Message: fmt.Sprintf("Denied by %s", mention)}
	}
}

// updatePrompt rewrites the prompt post with its outcome. Failures are
// logged only; the decision already stands.
func (b *Broker) updatePrompt(postID, descriptor, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.client.UpdatePost(ctx, postID, descriptor+"\n\n"+outcome); err != nil {
		b.logger.Warn("Failed to update permission prompt",
			zap.String("post_id", postID),
			zap.Error(err))
	}
}

func (b *Broker) handleReaction(r platform.Reaction, user *platform.User) {
	if user == nil || user.ID == b.client.BotUser().ID {
		return
	}
	if !b.client.IsUserAllowed(user.Username) {
		return
	}

	b.mu.Lock()
	waiter, ok := b.waiters[r.PostID]
	b.mu.Unlock()
	if !ok {
		return
	}

	var v reactionVerdict
	switch {
	case format.IsAllowAll(r.EmojiName):
		v = reactionVerdict{allow: true, allowAll: true, username: user.Username}
	case format.IsApprove(r.EmojiName):
		v = reactionVerdict{allow: true, username: user.Username}
	case format.IsDeny(r.EmojiName):
		v = reactionVerdict{username: user.Username}
	default:
		return
	}

	// First verdict wins; later reactions on a resolved prompt are dropped.
	select {
	case waiter <- v:
	default:
	}
}
