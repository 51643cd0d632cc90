package chathub

import (
	"errors"
	"sync"
	"time"

	"mapmo/backend/internal/models"
	"mapmo/backend/internal/storage"
)

// intake buffers admitted chat messages and persists them in batches.
// At most one drain runs at a time; messages admitted while it runs are
// picked up by its next round.
type intake struct {
	mu       sync.Mutex
	queue    []*models.Message
	draining bool
	closed   bool
	last     time.Time
	wg       sync.WaitGroup

	flush func(batch []*models.Message)
}

func newIntake(flush func(batch []*models.Message)) *intake {
	return &intake{flush: flush}
}

// admit queues msg and starts a drain if none is running. CreatedAt is
// kept strictly increasing so admission order survives storage ordering.
func (in *intake) admit(msg *models.Message, now time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	if !now.After(in.last) {
		now = in.last.Add(time.Microsecond)
	}
	in.last = now
	msg.CreatedAt = now
	in.queue = append(in.queue, msg)
	if !in.draining {
		in.draining = true
		in.wg.Add(1)
		go in.drain()
	}
	return true
}

func (in *intake) drain() {
	defer in.wg.Done()
	for {
		in.mu.Lock()
		batch := in.queue
		in.queue = nil
		if len(batch) == 0 {
			in.draining = false
			in.mu.Unlock()
			return
		}
		in.mu.Unlock()
		in.flush(batch)
	}
}

// close stops admission and waits for queued messages to be flushed.
func (in *intake) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.wg.Wait()
}

// wait blocks until the queue is drained. Used by tests.
func (in *intake) wait() { in.wg.Wait() }

// groupByConversation splits batch per conversation, keeping arrival order
// both across and within conversations.
func groupByConversation(batch []*models.Message) (order []string, groups map[string][]*models.Message) {
	groups = make(map[string][]*models.Message)
	for _, m := range batch {
		if _, ok := groups[m.ConversationID]; !ok {
			order = append(order, m.ConversationID)
		}
		groups[m.ConversationID] = append(groups[m.ConversationID], m)
	}
	return order, groups
}

func (m *ManagerService) flushMessages(batch []*models.Message) {
	ctx := m.ctx
	order, groups := groupByConversation(batch)
	for _, convID := range order {
		msgs := groups[convID]
		if err := m.Storage.SaveMessages(ctx, convID, msgs); err != nil {
			inactive := errors.Is(err, storage.ErrInactive)
			reason := "message could not be saved"
			if inactive {
				reason = "conversation has ended"
				m.log.InfoContext(ctx, "dropping messages for ended conversation",
					"conversation_id", convID, "messages", len(msgs))
			} else {
				m.log.ErrorContext(ctx, "persist message batch",
					"conversation_id", convID, "messages", len(msgs), "error", err)
			}
			for _, msg := range msgs {
				m.Deliver(models.MustEnvelope(models.OutMessageFailed, models.MessageFailed{
					ConversationID: convID,
					Content:        msg.Content,
					Error:          reason,
				}), msg.SenderID)
			}
			if inactive {
				m.forgetEnded(ctx, convID)
			}
			continue
		}
		for _, msg := range msgs {
			m.Broadcast(ctx, models.MustEnvelope(models.OutChatMessage, models.ChatMessageOutFrom(msg)), convID, msg.SenderID)
		}
	}
}
