// ABOUTME: Matrix adapter: the relay's chat surface and the monitor's transport.
// ABOUTME: Logs in with a password, syncs in the background and forwards room events to the relay.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/stream"
)

const (
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
)

// Config holds the bot account settings.
type Config struct {
	Homeserver  string
	Username    string
	Password    string
	DeviceName  string
	RecoveryKey string
	// DataDir holds the crypto store. Empty disables encryption.
	DataDir string
}

// Handler receives converted room events. It must not block.
type Handler func(relay.Event) error

// Client wraps a mautrix client.
type Client struct {
	cfg     Config
	matrix  *mautrix.Client
	handler Handler
	logger  *slog.Logger
	crypto  *cryptoStore

	mu         sync.Mutex
	filter     filter
	direct     map[id.RoomID]bool
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	syncErr    error
}

// New creates a client. Nothing touches the network until Connect.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "coven-relay"
	}

	c := &Client{
		cfg:     cfg,
		matrix:  client,
		handler: handler,
		logger:  logger.With("component", "matrix"),
		direct:  make(map[id.RoomID]bool),
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)
	syncer.OnEventType(event.StateMember, c.handleMember)
	return c, nil
}

// UserID returns the logged-in account, or "" before the first Connect.
func (c *Client) UserID() string {
	return c.matrix.UserID.String()
}

// Connect logs in if needed, verifies the token and starts syncing.
func (c *Client) Connect(ctx context.Context) error {
	if c.matrix.AccessToken == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	whoami, err := c.matrix.Whoami(ctx)
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) {
			c.logger.Warn("access token rejected, logging in again on next connect")
			c.matrix.AccessToken = ""
		}
		return fmt.Errorf("whoami: %w", err)
	}

	if c.crypto == nil && c.cfg.DataDir != "" {
		store, err := setupCrypto(ctx, c.matrix, c.cfg.RecoveryKey, c.cfg.DataDir, c.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		c.crypto = store
	}

	// Sync resumes from its last token after a reconnect, so only events
	// older than the first connect are skipped.
	c.mu.Lock()
	c.filter.self = whoami.UserID
	if c.filter.started.IsZero() {
		c.filter.started = time.Now()
	}
	c.mu.Unlock()

	c.startSync(ctx)
	c.logger.Info("connected to homeserver", "user_id", whoami.UserID, "device_id", whoami.DeviceID)
	return nil
}

func (c *Client) login(ctx context.Context) error {
	c.logger.Info("logging in", "homeserver", c.cfg.Homeserver, "user", c.cfg.Username)
	resp, err := c.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.Username,
		},
		Password:                 c.cfg.Password,
		InitialDeviceDisplayName: c.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

func (c *Client) startSync(ctx context.Context) {
	syncCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.syncCancel = cancel
	c.syncDone = done
	c.syncErr = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.matrix.SyncWithContext(syncCtx)
		if err != nil && syncCtx.Err() == nil {
			c.logger.Error("sync stopped", "error", err)
		}
		c.mu.Lock()
		c.syncErr = err
		c.mu.Unlock()
	}()
}

// Probe fails if the sync loop has exited or the homeserver does not
// answer whoami.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	done, syncErr := c.syncDone, c.syncErr
	c.mu.Unlock()

	if done == nil {
		return errors.New("not connected")
	}
	select {
	case <-done:
		if syncErr == nil {
			syncErr = errors.New("sync loop exited")
		}
		return fmt.Errorf("sync: %w", syncErr)
	default:
	}

	if _, err := c.matrix.Whoami(ctx); err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	return nil
}

// Disconnect stops the sync loop. The session stays logged in so the next
// Connect reuses it.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.syncCancel, c.syncDone
	c.syncCancel, c.syncDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync to stop: %w", ctx.Err())
	}
}

// Close releases the crypto store.
func (c *Client) Close() error {
	return c.crypto.Close()
}

// SendNew posts a message and returns its surface id.
func (c *Client) SendNew(ctx context.Context, conversation, content string) (string, error) {
	room := id.RoomID(conversation)
	resp, err := c.matrix.SendMessageEvent(ctx, room, event.EventMessage, messageContent(content))
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return surfaceID(room, resp.EventID), nil
}

// SendEdit replaces the content of a message sent by SendNew.
func (c *Client) SendEdit(ctx context.Context, surface, content string) error {
	room, original, err := parseSurfaceID(surface)
	if err != nil {
		return stream.Permanent(err)
	}
	if _, err := c.matrix.SendMessageEvent(ctx, room, event.EventMessage, editContent(original, content)); err != nil {
		return classify(fmt.Errorf("editing message: %w", err))
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, conversation string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	_, err := c.matrix.UserTyping(ctx, id.RoomID(conversation), typing, timeout)
	return err
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Response == nil {
		return err
	}
	code := httpErr.Response.StatusCode
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return stream.Permanent(err)
	}
	return err
}

func (c *Client) currentFilter() filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	f := c.currentFilter()
	if !f.accept(evt) {
		return
	}
	ev, ok := f.messageEvent(evt, c.isDirect(ctx, evt.RoomID))
	if !ok {
		return
	}
	c.deliver(ev)
}

func (c *Client) handleReaction(_ context.Context, evt *event.Event) {
	ev, ok := c.currentFilter().reactionEvent(evt)
	if !ok {
		return
	}
	c.deliver(ev)
}

// handleMember joins rooms the bot is invited to and forgets cached room
// sizes when membership changes.
func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.direct, evt.RoomID)
	self := c.filter.self
	c.mu.Unlock()

	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || evt.GetStateKey() != self.String() || content.Membership != event.MembershipInvite {
		return
	}
	if !c.currentFilter().accept(evt) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := c.matrix.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.logger.Warn("failed to join room", "room", evt.RoomID, "inviter", evt.Sender, "error", err)
		return
	}
	c.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// isDirect reports whether the room holds only the bot and one other user.
func (c *Client) isDirect(ctx context.Context, room id.RoomID) bool {
	c.mu.Lock()
	direct, ok := c.direct[room]
	c.mu.Unlock()
	if ok {
		return direct
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	members, err := c.matrix.JoinedMembers(ctx, room)
	if err != nil {
		c.logger.Debug("failed to count room members", "room", room, "error", err)
		return false
	}
	direct = len(members.Joined) == 2

	c.mu.Lock()
	c.direct[room] = direct
	c.mu.Unlock()
	return direct
}

func (c *Client) deliver(ev relay.Event) {
	if err := c.handler(ev); err != nil {
		c.logger.Warn("dropped room event", "room", ev.Conversation, "event_id", ev.ID, "error", err)
	}
}
