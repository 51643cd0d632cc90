// Package chathub is the realtime side of the service: live connections,
// conversation fan-out, message intake, typing signals and the expiry
// sweeper.
package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"mapmo/backend/internal/config"
	"mapmo/backend/internal/models"
	"mapmo/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// ConversationEnder commits the end of a conversation. ended reports
// whether this call made it terminal.
type ConversationEnder interface {
	EndConversation(ctx context.Context, conversationID, reason string) (conv *models.Conversation, ended bool, err error)
}

// ManagerService coordinates live clients with persisted conversation state.
type ManagerService struct {
	Registry *Registry
	Storage  storage.Storage

	ender  ConversationEnder
	clock  clockwork.Clock
	log    *slog.Logger
	meta   *metaCache
	typing *typingTracker
	intake *intake

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*ManagerService)

func WithClock(c clockwork.Clock) Option { return func(m *ManagerService) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *ManagerService) { m.log = l } }

// NewManagerService builds the hub. ender is usually the matching engine.
func NewManagerService(s storage.Storage, ender ConversationEnder, opts ...Option) *ManagerService {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ManagerService{
		Registry: NewRegistry(),
		Storage:  s,
		ender:    ender,
		clock:    clockwork.NewRealClock(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.meta = newMetaCache(s.GetConversation)
	m.typing = newTypingTracker(m.clock, config.TypingQuietInterval)
	m.intake = newIntake(m.flushMessages)
	return m
}

// Context is cancelled by Close. Client pumps use it for inbound handling.
func (m *ManagerService) Context() context.Context { return m.ctx }

// Register records the client and re-attaches the user to their active
// conversation, if any. A previous connection of the same user is closed.
func (m *ManagerService) Register(ctx context.Context, c Client) error {
	userID := c.GetUserID()
	if prev := m.Registry.Register(c); prev != nil {
		m.log.InfoContext(ctx, "replacing connection", "user_id", userID)
		prev.Close()
	}

	conv, err := m.Storage.GetActiveConversationForUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		m.log.InfoContext(ctx, "client registered", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore membership for %s: %w", userID, err)
	}
	m.meta.put(conv)
	m.Registry.Join(conv.ID, userID)

	// The conversation may have ended between the lookup and the join.
	cur, err := m.Storage.GetConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("recheck conversation %s: %w", conv.ID, err)
	}
	if !cur.IsActive {
		m.forgetEnded(ctx, conv.ID)
		m.log.InfoContext(ctx, "client registered", "user_id", userID)
		return nil
	}
	m.log.InfoContext(ctx, "client registered", "user_id", userID, "conversation_id", conv.ID)
	return nil
}

// Unregister drops whatever connection the user currently has.
func (m *ManagerService) Unregister(userID string) {
	if c, ok := m.Registry.Client(userID); ok {
		m.Disconnect(c)
	}
}

// Disconnect drops c if it is still the user's current connection, and
// purges the user's membership and typing state.
func (m *ManagerService) Disconnect(c Client) {
	removed, emptied := m.Registry.Unregister(c)
	if !removed {
		return
	}
	c.Close()
	m.typing.clearUser(c.GetUserID())
	if emptied != "" {
		m.meta.invalidate(emptied)
	}
	m.log.Info("client unregistered", "user_id", c.GetUserID())
}

// Deliver sends env to one user. A failed send unregisters the client;
// delivery is never retried.
func (m *ManagerService) Deliver(env models.Envelope, userID string) bool {
	c, ok := m.Registry.Client(userID)
	if !ok {
		return false
	}
	if err := c.Send(env); err != nil {
		m.log.Warn("delivery failed", "user_id", userID, "type", env.Type, "error", err)
		m.Disconnect(c)
		return false
	}
	return true
}

// Broadcast delivers env to every attached member of the conversation
// except excludeUserID, concurrently. It returns the number of successful
// deliveries.
func (m *ManagerService) Broadcast(ctx context.Context, env models.Envelope, conversationID, excludeUserID string) int {
	var sent atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	for _, userID := range m.Registry.Members(conversationID) {
		if userID == excludeUserID {
			continue
		}
		g.Go(func() error {
			if m.Deliver(env, userID) {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

// JoinConversation attaches both participants' live connections to conv.
func (m *ManagerService) JoinConversation(ctx context.Context, conv *models.Conversation) {
	m.meta.put(conv)
	m.Registry.Join(conv.ID, conv.Participants()...)
}

// AnnounceMatch sends match_found to each participant, naming the other.
func (m *ManagerService) AnnounceMatch(ctx context.Context, conv *models.Conversation, a, b *models.User) {
	for _, pair := range [][2]*models.User{{a, b}, {b, a}} {
		to, other := pair[0], pair[1]
		env := models.MustEnvelope(models.OutMatchFound, models.MatchFound{
			ConversationID:   conv.ID,
			ConversationType: conv.Type,
			ChatURL:          "/chat/" + conv.ID,
			MatchedUser:      models.MatchedUser{ID: other.ID, Nickname: other.Nickname},
		})
		if !m.Deliver(env, to.ID) {
			m.log.DebugContext(ctx, "match_found not delivered", "user_id", to.ID, "conversation_id", conv.ID)
		}
	}
}

// authorize loads conversation metadata and checks that userID may act on it.
func (m *ManagerService) authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := m.meta.get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("user %s in %s: %w", userID, conversationID, ErrNotParticipant)
	}
	if !conv.IsActive {
		return conv, fmt.Errorf("conversation %s: %w", conversationID, ErrConversationEnded)
	}
	return conv, nil
}

// HandleInbound dispatches one frame read from userID's connection.
// Failures are reported back to the sender as an error frame.
func (m *ManagerService) HandleInbound(ctx context.Context, userID string, env models.Envelope) {
	var err error
	switch env.Type {
	case models.InChatMessage:
		var in models.ChatMessageIn
		if err = decode(env, &in); err == nil {
			err = m.SubmitMessage(ctx, userID, in)
		}
	case models.InTyping:
		var in models.TypingIn
		if err = decode(env, &in); err == nil {
			err = m.HandleTyping(ctx, userID, in.ConversationID, in.IsTyping)
		}
	case models.InKeep:
		var in models.KeepIn
		if err = decode(env, &in); err == nil {
			_, err = m.HandleKeep(ctx, userID, in.ConversationID, in.KeepStatus)
		}
	case models.InEndConversation:
		var in models.EndConversationIn
		if err = decode(env, &in); err == nil {
			err = m.EndByUser(ctx, userID, in.ConversationID)
		}
	default:
		err = fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		m.log.DebugContext(ctx, "inbound frame rejected", "user_id", userID, "type", env.Type, "error", err)
		m.Deliver(models.MustEnvelope(models.OutError, models.ErrorOut{Error: err.Error()}), userID)
	}
}

func decode(env models.Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}

// SubmitMessage validates a chat message and admits it to the intake
// queue. Persistence and fan-out happen asynchronously.
func (m *ManagerService) SubmitMessage(ctx context.Context, userID string, in models.ChatMessageIn) error {
	if strings.TrimSpace(in.Content) == "" {
		return errors.New("empty message")
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageText
	}
	if !in.MessageType.Valid() {
		return fmt.Errorf("invalid message type %q", in.MessageType)
	}
	if _, err := m.authorize(ctx, in.ConversationID, userID); err != nil {
		return err
	}
	msg := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       userID,
		Content:        in.Content,
		Type:           in.MessageType,
	}
	if !m.intake.admit(msg, m.clock.Now()) {
		return errors.New("hub is shutting down")
	}
	return nil
}

// HandleTyping relays a typing signal to the partner. A start arms the
// automatic stop after the quiet interval.
func (m *ManagerService) HandleTyping(ctx context.Context, userID, conversationID string, isTyping bool) error {
	if _, err := m.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	key := typingKey{conversationID: conversationID, userID: userID}
	if isTyping {
		m.typing.start(key, func() {
			m.broadcastTyping(m.ctx, conversationID, userID, false)
		})
	} else {
		m.typing.stop(key)
	}
	m.broadcastTyping(ctx, conversationID, userID, isTyping)
	return nil
}

func (m *ManagerService) broadcastTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	m.Broadcast(ctx, models.MustEnvelope(models.OutTypingStatus, models.TypingStatus{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}), conversationID, userID)
}

// HandleKeep records the user's keep decision and broadcasts the new
// state to the conversation.
func (m *ManagerService) HandleKeep(ctx context.Context, userID, conversationID string, keep bool) (*models.Conversation, error) {
	if _, err := m.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := m.Storage.SetKeep(ctx, conversationID, userID, keep)
	if errors.Is(err, storage.ErrInactive) {
		m.forgetEnded(ctx, conversationID)
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrConversationEnded)
	}
	if err != nil {
		return nil, fmt.Errorf("set keep on %s: %w", conversationID, err)
	}
	m.meta.put(conv)
	m.Broadcast(ctx, models.MustEnvelope(models.OutKeepStatus, models.KeepStatus{
		ConversationID: conversationID,
		UserID:         userID,
		KeepStatus:     keep,
		BothKept:       conv.BothKept(),
	}), conversationID, "")
	return conv, nil
}

// EndByUser ends a conversation on behalf of one of its participants.
func (m *ManagerService) EndByUser(ctx context.Context, userID, conversationID string) error {
	if _, err := m.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	_, err := m.EndConversation(ctx, conversationID, userID, models.ReasonEndedByUser)
	return err
}

// EndConversation makes the conversation terminal, tells attached members
// and detaches them. Only the call that performed the transition
// broadcasts; ending twice is harmless.
func (m *ManagerService) EndConversation(ctx context.Context, conversationID, endedBy, reason string) (bool, error) {
	_, ended, err := m.ender.EndConversation(ctx, conversationID, reason)
	if err != nil {
		return false, err
	}
	if ended {
		m.Broadcast(ctx, models.MustEnvelope(models.OutConversationEnded, models.ConversationEnded{
			ConversationID:    conversationID,
			EndedBy:           endedBy,
			Reason:            reason,
			RedirectToWaiting: true,
		}), conversationID, "")
	}
	m.Registry.ClearConversation(conversationID)
	m.meta.invalidate(conversationID)
	m.typing.clearConversation(conversationID)
	return ended, nil
}

// forgetEnded drops local state for a conversation found ended in the
// store without this hub having ended it, e.g. by the admin tool or a
// concurrent end. Members still attached are told once.
func (m *ManagerService) forgetEnded(ctx context.Context, conversationID string) {
	members := m.Registry.ClearConversation(conversationID)
	m.meta.invalidate(conversationID)
	m.typing.clearConversation(conversationID)
	if len(members) == 0 {
		return
	}
	ended := models.ConversationEnded{ConversationID: conversationID, RedirectToWaiting: true}
	if conv, err := m.Storage.GetConversation(ctx, conversationID); err == nil {
		ended.Reason = conv.EndReason
	}
	env := models.MustEnvelope(models.OutConversationEnded, ended)
	for _, id := range members {
		m.Deliver(env, id)
	}
}

// Countdown reports the keep countdown of a conversation to a participant.
func (m *ManagerService) Countdown(ctx context.Context, conversationID, userID string) (models.CountdownStatus, error) {
	conv, err := m.meta.get(ctx, conversationID)
	if err != nil {
		return models.CountdownStatus{}, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return models.CountdownStatus{}, ErrNotParticipant
	}
	return conv.Countdown(m.clock.Now()), nil
}

// Close flushes queued messages, stops typing timers and cancels the
// hub context.
func (m *ManagerService) Close() {
	m.intake.close()
	m.typing.stopAll()
	m.cancel()
}
