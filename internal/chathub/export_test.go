package chathub

// WaitIntake blocks until queued chat messages have been flushed.
func (m *ManagerService) WaitIntake() { m.intake.wait() }

// CachedConversations is the number of conversations in the metadata cache.
func (m *ManagerService) CachedConversations() int { return m.meta.len() }

// PendingTyping is the number of armed typing auto-stops.
func (m *ManagerService) PendingTyping() int { return m.typing.pending() }
