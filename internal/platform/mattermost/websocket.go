package mattermost

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/platform"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// listen dials the event stream and redials with exponential backoff until
// Disconnect closes stopCh. Runs as a goroutine owned by Connect.
func (c *Client) listen() {
	defer close(c.doneCh)

	backoff := reconnectBase
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("Event stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectBase
		c.logger.Info("Event stream connected")
		c.readEvents(conn)
		conn.Close()

		select {
		case <-c.stopCh:
			return
		default:
			c.logger.Warn("Event stream dropped, reconnecting")
		}
	}
}

// dial opens the WebSocket and sends the authentication challenge. Servers
// that already honored the bearer header treat the challenge as a no-op.
func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := websocket.DefaultDialer.Dial(c.wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	challenge := wsRequest{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]any{"token": c.cfg.Token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readEvents consumes frames until the connection drops or stopCh closes.
// A side goroutine keeps the connection alive with pings and force-closes
// it on shutdown so the blocking read returns.
func (c *Client) readEvents(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	// WriteControl is documented safe to call concurrently with reads.
	go func() {
		pings := time.NewTicker(pingPeriod)
		defer pings.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.stopCh:
				conn.Close()
				return
			case <-pings.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-c.stopCh:
			default:
				c.logger.Warn("Event stream read error", zap.Error(err))
			}
			return
		}
		c.handleEvent(&ev)
	}
}

func (c *Client) handleEvent(ev *wsEvent) {
	switch ev.Event {
	case wsEventHello:
		c.logger.Debug("Event stream hello")
	case wsEventPosted:
		c.handlePosted(ev)
	case wsEventReactionAdded:
		c.handleReactionAdded(ev)
	}
}

// handlePosted decodes a posted event and dispatches it to message
// handlers. The bot's own posts, system posts, and posts from other
// channels never reach handlers.
func (c *Client) handlePosted(ev *wsEvent) {
	var p apiPost
	if err := decodeNested(ev.Data, "post", &p); err != nil {
		c.logger.Warn("Malformed posted event", zap.Error(err))
		return
	}
	if p.ChannelID != c.cfg.ChannelID || p.Type != "" || p.UserID == c.botUser.ID {
		return
	}

	user := c.resolveUser(p.UserID)
	post := toPost(&p)

	c.handlersMu.RLock()
	handlers := append([]platform.MessageHandler(nil), c.messageHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(post, user)
	}
}

// handleReactionAdded dispatches a reaction to reaction handlers. The bot's
// own reactions are forwarded too; routing decides what to ignore.
func (c *Client) handleReactionAdded(ev *wsEvent) {
	if ev.Broadcast != nil && ev.Broadcast.ChannelID != "" && ev.Broadcast.ChannelID != c.cfg.ChannelID {
		return
	}

	var r apiReaction
	if err := decodeNested(ev.Data, "reaction", &r); err != nil {
		c.logger.Warn("Malformed reaction event", zap.Error(err))
		return
	}

	user := c.resolveUser(r.UserID)
	reaction := platform.Reaction{
		PostID:    r.PostID,
		UserID:    r.UserID,
		EmojiName: r.EmojiName,
	}

	c.handlersMu.RLock()
	handlers := append([]platform.ReactionHandler(nil), c.reactionHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(reaction, user)
	}
}

// resolveUser looks up the author for event dispatch. Returns nil when the
// lookup fails; handlers treat a nil user as unknown.
func (c *Client) resolveUser(userID string) *platform.User {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, err := c.GetUser(ctx, userID)
	if err != nil {
		c.logger.Debug("Failed to resolve event user",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	return user
}
