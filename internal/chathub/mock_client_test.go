package chathub_test

import (
	"encoding/json"
	"sync"
	"testing"

	"mapmo/backend/internal/chathub"
	"mapmo/backend/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	userID string

	mu       sync.Mutex
	received []models.Envelope
	closed   bool
	failWith error
}

func newMockClient(userID string) *MockClient {
	return &MockClient{userID: userID}
}

func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chathub.ErrClientClosed
	}
	if c.failWith != nil {
		return c.failWith
	}
	c.received = append(c.received, env)
	return nil
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// Frames returns the received envelopes of the given type.
func (c *MockClient) Frames(typ string) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Envelope
	for _, env := range c.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func decodeFrame[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
