// Package intake routes inbound chat messages to the session manager and
// answers the user when a message cannot be acted on.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"

	"github.com/kalambet/vidnote/internal/session"
)

// DefaultDedupTTL is how long a message id is remembered.
const DefaultDedupTTL = 5 * time.Minute

// ErrInvalidMessage is returned for messages missing required fields.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one decrypted inbound chat message.
type Message struct {
	ID             string    `json:"id" validate:"required,max=128"`
	ConversationID string    `json:"conversation_id" validate:"required,max=128"`
	Text           string    `json:"text" validate:"required,max=8000"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Action reports what Handle did with a message.
type Action string

const (
	ActionDuplicate   Action = "duplicate"
	ActionOpened      Action = "opened"
	ActionConflict    Action = "conflict"
	ActionStarted     Action = "started"
	ActionInstruction Action = "instruction"
	ActionCancelled   Action = "cancelled"
	ActionNoSession   Action = "no_session"
)

// Sessions is the session manager surface the router drives.
type Sessions interface {
	OnLink(conv, link string) (session.Snapshot, error)
	OnInstruction(conv, text string) error
	OnExplicitStart(conv string) error
	Cancel(conv string) error
}

// Notifier sends a reply to a conversation.
type Notifier interface {
	Notify(ctx context.Context, conversationID, text string) error
}

// Router classifies messages and forwards them. It is safe for concurrent use.
type Router struct {
	sessions Sessions
	notifier Notifier
	seen     *cache.Cache
	validate *validator.Validate
	window   time.Duration
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDedupTTL sets how long message ids are remembered.
func WithDedupTTL(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.seen = cache.New(d, d*2)
		}
	}
}

// WithWindow sets the waiting window quoted in replies.
func WithWindow(d time.Duration) Option {
	return func(r *Router) { r.window = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router.
func NewRouter(s Sessions, n Notifier, opts ...Option) *Router {
	r := &Router{
		sessions: s,
		notifier: n,
		seen:     cache.New(DefaultDedupTTL, 2*DefaultDedupTTL),
		validate: validator.New(),
		window:   session.DefaultWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "intake")
	return r
}

// Handle processes one message.
func (r *Router) Handle(ctx context.Context, msg Message) (Action, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if err := r.validate.Struct(msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	// Add fails when the id is already present and unexpired.
	if err := r.seen.Add(msg.ID, struct{}{}, cache.DefaultExpiration); err != nil {
		r.logger.Debug("duplicate message ignored", "message_id", msg.ID)
		return ActionDuplicate, nil
	}

	kind, link := Classify(msg.Text)
	conv := msg.ConversationID
	r.logger.Debug("message classified", "message_id", msg.ID, "conversation", conv, "kind", kind)

	switch kind {
	case KindLink:
		_, err := r.sessions.OnLink(conv, link)
		if errors.Is(err, session.ErrSessionConflict) {
			r.reply(ctx, conv, replyConflict)
			return ActionConflict, nil
		}
		if err != nil {
			return "", err
		}
		r.reply(ctx, conv, windowHint(r.window))
		return ActionOpened, nil

	case KindStart:
		return r.onTrigger(ctx, conv, ActionStarted, r.sessions.OnExplicitStart(conv))

	case KindCancel:
		if err := r.sessions.Cancel(conv); err != nil {
			return r.onTrigger(ctx, conv, "", err)
		}
		r.reply(ctx, conv, replyCancelled)
		return ActionCancelled, nil

	default:
		return r.onTrigger(ctx, conv, ActionInstruction, r.sessions.OnInstruction(conv, msg.Text))
	}
}

func (r *Router) onTrigger(ctx context.Context, conv string, ok Action, err error) (Action, error) {
	if errors.Is(err, session.ErrNoSession) {
		r.reply(ctx, conv, replyHelp)
		return ActionNoSession, nil
	}
	if err != nil {
		return "", err
	}
	return ok, nil
}

func (r *Router) reply(ctx context.Context, conv, text string) {
	if err := r.notifier.Notify(ctx, conv, text); err != nil {
		r.logger.Warn("reply failed", "conversation", conv, "error", err)
	}
}
