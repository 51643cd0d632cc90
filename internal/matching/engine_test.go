package matching_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"mapmo/backend/internal/config"
	"mapmo/backend/internal/matching"
	"mapmo/backend/internal/models"
	"mapmo/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type MockAnnouncer struct {
	mock.Mock
}

func (m *MockAnnouncer) JoinConversation(ctx context.Context, conv *models.Conversation) {
	m.Called(conv.ID)
}

func (m *MockAnnouncer) AnnounceMatch(ctx context.Context, conv *models.Conversation, a, b *models.User) {
	m.Called(conv.ID, a.ID, b.ID)
}

func newTestEngine(t *testing.T) (*matching.Engine, *storage.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	s := storage.NewMemoryStore()
	fc := clockwork.NewFakeClockAt(start)
	s.SetNow(fc.Now)
	e := matching.NewEngine(s, matching.NewScorer(config.DefaultGoalTable()),
		matching.WithClock(fc),
		matching.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	return e, s, fc
}

func addUser(t *testing.T, s storage.Storage, u models.User) *models.User {
	t.Helper()
	if u.Nickname == "" {
		u.Nickname = u.ID
	}
	if u.Preference == "" {
		u.Preference = models.PreferenceAny
	}
	require.NoError(t, s.SaveUser(context.Background(), &u))
	return &u
}

func TestFindMatch_PrefersBestBucket(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	me := addUser(t, s, models.User{ID: "me", Gender: "f", Goal: "serious", Interests: pq.StringArray{"gym", "art"}, PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "good", Gender: "m", Goal: "casual", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "best", Gender: "m", Goal: "serious", Interests: pq.StringArray{"art", "gym"}, PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "idle", Gender: "m", Goal: "serious", Interests: pq.StringArray{"art", "gym"}, PairingState: models.StateIdle})

	got, err := e.FindMatch(ctx, me, models.TypeChat)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "best", got.ID)
}

func TestFindMatch_GoodBeforeOther(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	me := addUser(t, s, models.User{ID: "me", Gender: "f", Goal: "serious", PairingState: models.StateSearching})
	// (1+1+0.3)/3 ≈ 0.77 -> good
	addUser(t, s, models.User{ID: "good", Gender: "m", Goal: "casual", PairingState: models.StateSearching})
	// (1+0+0.3)/3 ≈ 0.43 -> other
	addUser(t, s, models.User{ID: "other", Gender: "m", Preference: "m", Goal: "casual", PairingState: models.StateSearching})

	got, err := e.FindMatch(ctx, me, models.TypeChat)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "good", got.ID)
}

func TestFindMatch_RandomAmongOthers(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	me := addUser(t, s, models.User{ID: "me", Gender: "f", Preference: "f", Goal: "serious", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "o1", Gender: "m", Preference: "m", Goal: "casual", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "o2", Gender: "m", Preference: "m", Goal: "casual", PairingState: models.StateSearching})

	got, err := e.FindMatch(ctx, me, models.TypeChat)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, []string{"o1", "o2"}, got.ID)
}

func TestFindMatch_NoCandidates(t *testing.T) {
	e, s, _ := newTestEngine(t)
	me := addUser(t, s, models.User{ID: "me", PairingState: models.StateSearching})

	got, err := e.FindMatch(context.Background(), me, models.TypeChat)
	require.NoError(t, err)
	assert.Nil(t, got, "a user is never matched with themselves")
}

func TestFindMatch_RequiresSearching(t *testing.T) {
	e, s, _ := newTestEngine(t)
	me := addUser(t, s, models.User{ID: "me", PairingState: models.StateIdle})

	_, err := e.FindMatch(context.Background(), me, models.TypeChat)
	assert.ErrorIs(t, err, matching.ErrInvalidState)
}

func TestFindMatch_SkipsPartnerWithActiveConversation(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	me := addUser(t, s, models.User{ID: "me", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "ex", PairingState: models.StateSearching})
	require.NoError(t, s.CreateConversation(ctx, models.NewConversation("me", "ex", models.TypeChat, start)))
	// Force both back to searching while the old conversation stays active.
	require.NoError(t, s.UpdatePairingState(ctx, "me", models.StateSearching))
	require.NoError(t, s.UpdatePairingState(ctx, "ex", models.StateSearching))

	got, err := e.FindMatch(ctx, me, models.TypeChat)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindMatch_SelfNoLongerSearching(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	me := addUser(t, s, models.User{ID: "me", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "other", PairingState: models.StateSearching})
	require.NoError(t, s.UpdatePairingState(ctx, "me", models.StateIdle))

	got, err := e.FindMatch(ctx, me, models.TypeChat)
	require.NoError(t, err)
	assert.Nil(t, got, "stale caller state is re-read before scoring")
}

func TestCreateConversation_ConcurrentCallersOneWinner(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	a := addUser(t, s, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, s, models.User{ID: "b", PairingState: models.StateSearching})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CreateConversation(ctx, a, b, models.TypeChat)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestCreateConversation_Validation(t *testing.T) {
	e, s, _ := newTestEngine(t)
	a := addUser(t, s, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, s, models.User{ID: "b", PairingState: models.StateSearching})

	_, err := e.CreateConversation(context.Background(), a, a, models.TypeChat)
	assert.ErrorIs(t, err, matching.ErrSelfMatch)

	_, err = e.CreateConversation(context.Background(), a, b, "video")
	assert.ErrorIs(t, err, matching.ErrInvalidSessionType)
}

func TestCreateConversation_StartsCountdownNow(t *testing.T) {
	e, s, fc := newTestEngine(t)
	a := addUser(t, s, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, s, models.User{ID: "b", PairingState: models.StateSearching})
	fc.Advance(90 * time.Second)

	conv, err := e.CreateConversation(context.Background(), a, b, models.TypeVoice)
	require.NoError(t, err)
	assert.Equal(t, start.Add(90*time.Second), conv.CountdownStart)
	assert.Equal(t, models.TypeVoice, conv.Type)
	assert.True(t, conv.IsActive)
}

func TestSearch_PairsCompatibleUsers(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	ann := new(MockAnnouncer)
	e.SetAnnouncer(ann)

	addUser(t, s, models.User{ID: "A", Gender: "f", Goal: "G1", Interests: pq.StringArray{"tea", "hiking", "film"}})
	addUser(t, s, models.User{ID: "B", Gender: "m", Goal: "G1", Interests: pq.StringArray{"hiking", "tea"}})

	res, err := e.Search(ctx, "A", models.TypeVoice)
	require.NoError(t, err)
	assert.False(t, res.Matched(), "A waits alone")

	ann.On("JoinConversation", mock.Anything).Return().Once()
	ann.On("AnnounceMatch", mock.Anything, "B", "A").Return().Once()

	res, err = e.Search(ctx, "B", models.TypeVoice)
	require.NoError(t, err)
	require.True(t, res.Matched())
	assert.Equal(t, "A", res.Partner.ID)
	assert.Equal(t, models.TypeVoice, res.Conversation.Type)
	assert.False(t, res.Existing)

	for _, id := range []string{"A", "B"} {
		u, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatePaired, u.PairingState)
	}
	ann.AssertExpectations(t)
}

func TestSearch_WhilePairedReturnsExisting(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	addUser(t, s, models.User{ID: "A"})
	addUser(t, s, models.User{ID: "B"})

	_, err := e.Search(ctx, "A", models.TypeChat)
	require.NoError(t, err)
	first, err := e.Search(ctx, "B", models.TypeChat)
	require.NoError(t, err)
	require.True(t, first.Matched())

	again, err := e.Search(ctx, "A", models.TypeChat)
	require.NoError(t, err)
	require.True(t, again.Matched())
	assert.True(t, again.Existing)
	assert.Equal(t, first.Conversation.ID, again.Conversation.ID)
	assert.Equal(t, "B", again.Partner.ID)

	u, _ := s.GetUser(ctx, "A")
	assert.Equal(t, models.StatePaired, u.PairingState, "searching while paired never re-enters searching")
}

func TestSearch_RecoversStuckPairedUser(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	addUser(t, s, models.User{ID: "A", PairingState: models.StatePaired})

	res, err := e.Search(ctx, "A", models.TypeChat)
	require.NoError(t, err)
	assert.False(t, res.Matched())

	u, _ := s.GetUser(ctx, "A")
	assert.Equal(t, models.StateSearching, u.PairingState)
}

func TestSearch_ConcurrentSearchesCreateOneConversation(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	addUser(t, s, models.User{ID: "A", PairingState: models.StateSearching})
	addUser(t, s, models.User{ID: "B", PairingState: models.StateSearching})

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Search(ctx, id, models.TypeChat)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	candidates, err := s.ListExpiryCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, candidates, 1, "exactly one active conversation for the pair")
}

func TestSearch_InvalidType(t *testing.T) {
	e, s, _ := newTestEngine(t)
	addUser(t, s, models.User{ID: "A"})
	_, err := e.Search(context.Background(), "A", "fax")
	assert.ErrorIs(t, err, matching.ErrInvalidSessionType)

	_, err = e.Search(context.Background(), "ghost", models.TypeChat)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelSearch(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	addUser(t, s, models.User{ID: "A", PairingState: models.StateSearching})

	require.NoError(t, e.CancelSearch(ctx, "A"))
	u, _ := s.GetUser(ctx, "A")
	assert.Equal(t, models.StateIdle, u.PairingState)

	assert.ErrorIs(t, e.CancelSearch(ctx, "A"), matching.ErrInvalidState)
}

func TestEndConversation_Idempotent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	a := addUser(t, s, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, s, models.User{ID: "b", PairingState: models.StateSearching})
	conv, err := e.CreateConversation(ctx, a, b, models.TypeChat)
	require.NoError(t, err)

	_, ended, err := e.EndConversation(ctx, conv.ID, models.ReasonEndedByUser)
	require.NoError(t, err)
	assert.True(t, ended)

	_, ended, err = e.EndConversation(ctx, conv.ID, models.ReasonEndedByUser)
	require.NoError(t, err)
	assert.False(t, ended)

	for _, id := range []string{"a", "b"} {
		u, _ := s.GetUser(ctx, id)
		assert.Equal(t, models.StateIdle, u.PairingState)
	}

	_, _, err = e.EndConversation(ctx, "nope", models.ReasonAdmin)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcileStuckUsers(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	addUser(t, s, models.User{ID: "stuck", PairingState: models.StatePaired})
	a := addUser(t, s, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, s, models.User{ID: "b", PairingState: models.StateSearching})
	_, err := e.CreateConversation(ctx, a, b, models.TypeChat)
	require.NoError(t, err)

	n, err := e.ReconcileStuckUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, _ := s.GetUser(ctx, "stuck")
	assert.Equal(t, models.StateIdle, u.PairingState)
	u, _ = s.GetUser(ctx, "a")
	assert.Equal(t, models.StatePaired, u.PairingState)
}

// staleLookupStore answers the first active-conversation lookup as if the
// pairing had not committed yet.
type staleLookupStore struct {
	*storage.MemoryStore
	mu    sync.Mutex
	stale int
}

func (s *staleLookupStore) GetActiveConversationForUser(ctx context.Context, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	if s.stale > 0 {
		s.stale--
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	s.mu.Unlock()
	return s.MemoryStore.GetActiveConversationForUser(ctx, userID)
}

func TestSearch_StaleLookupKeepsFreshPairing(t *testing.T) {
	mem := storage.NewMemoryStore()
	s := &staleLookupStore{MemoryStore: mem, stale: 1}
	e := matching.NewEngine(s, matching.NewScorer(config.DefaultGoalTable()),
		matching.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	ctx := context.Background()
	a := addUser(t, mem, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, mem, models.User{ID: "b", PairingState: models.StateSearching})
	conv := models.NewConversation(a.ID, b.ID, models.TypeChat, start)
	require.NoError(t, mem.CreateConversation(ctx, conv))

	res, err := e.Search(ctx, "a", models.TypeChat)
	require.NoError(t, err)
	require.True(t, res.Matched())
	assert.True(t, res.Existing)
	assert.Equal(t, conv.ID, res.Conversation.ID)

	u, _ := mem.GetUser(ctx, "a")
	assert.Equal(t, models.StatePaired, u.PairingState)
}

func TestReconcileStuckUsers_StaleLookupKeepsFreshPairing(t *testing.T) {
	mem := storage.NewMemoryStore()
	s := &staleLookupStore{MemoryStore: mem, stale: 2}
	e := matching.NewEngine(s, matching.NewScorer(config.DefaultGoalTable()))
	ctx := context.Background()
	a := addUser(t, mem, models.User{ID: "a", PairingState: models.StateSearching})
	b := addUser(t, mem, models.User{ID: "b", PairingState: models.StateSearching})
	require.NoError(t, mem.CreateConversation(ctx, models.NewConversation(a.ID, b.ID, models.TypeChat, start)))

	n, err := e.ReconcileStuckUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range []string{"a", "b"} {
		u, _ := mem.GetUser(ctx, id)
		assert.Equal(t, models.StatePaired, u.PairingState)
	}
}
