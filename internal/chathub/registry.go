package chathub

import (
	"slices"
	"sync"
)

// Registry tracks live clients and which conversation each connected user
// is attached to. Every structural change happens under one lock, so a
// reader never observes a client without its membership or the reverse.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client              // userID -> client
	members map[string]map[string]struct{} // conversationID -> userIDs
	convOf  map[string]string              // userID -> conversationID
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		members: make(map[string]map[string]struct{}),
		convOf:  make(map[string]string),
	}
}

// Register records c as the user's connection and returns the client it
// replaced, if any.
func (r *Registry) Register(c Client) (prev Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.clients[c.GetUserID()]
	r.clients[c.GetUserID()] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes c if it is still the user's current connection, along
// with the user's membership. emptied is the conversation whose member set
// became empty, or "".
func (r *Registry) Unregister(c Client) (removed bool, emptied string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID := c.GetUserID()
	if cur, ok := r.clients[userID]; !ok || cur != c {
		return false, ""
	}
	delete(r.clients, userID)
	return true, r.leaveLocked(userID)
}

// Client returns the user's live connection.
func (r *Registry) Client(userID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Join attaches the connected users among userIDs to conversationID.
// Users without a live connection are skipped; they attach on Register.
func (r *Registry) Join(conversationID string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range userIDs {
		if _, ok := r.clients[id]; !ok {
			continue
		}
		if prev, ok := r.convOf[id]; ok && prev != conversationID {
			r.leaveLocked(id)
		}
		set, ok := r.members[conversationID]
		if !ok {
			set = make(map[string]struct{}, 2)
			r.members[conversationID] = set
		}
		set[id] = struct{}{}
		r.convOf[id] = conversationID
	}
}

func (r *Registry) leaveLocked(userID string) (emptied string) {
	convID, ok := r.convOf[userID]
	if !ok {
		return ""
	}
	delete(r.convOf, userID)
	set := r.members[convID]
	delete(set, userID)
	if len(set) == 0 {
		delete(r.members, convID)
		return convID
	}
	return ""
}

// ClearConversation drops the conversation's member set and returns the
// users that were attached.
func (r *Registry) ClearConversation(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[conversationID]
	delete(r.members, conversationID)
	out := make([]string, 0, len(set))
	for id := range set {
		delete(r.convOf, id)
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Members returns a snapshot of the users attached to conversationID.
func (r *Registry) Members(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[conversationID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ConversationOf returns the conversation the user is attached to.
func (r *Registry) ConversationOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.convOf[userID]
	return id, ok
}

// Len is the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
