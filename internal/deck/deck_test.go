package deck

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOutbox struct {
	mu   sync.Mutex
	jobs []models.CharacterProfile
}

func (r *recordingOutbox) EnqueueMatch(p models.CharacterProfile, flagged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, p)
}

type fixture struct {
	local  *localstore.Store
	remote *remote.MemoryStore
	outbox *recordingOutbox
	deck   *Deck
}

func newFixture(t *testing.T, candidates int, opts Options) *fixture {
	t.Helper()
	backend, err := localstore.OpenBolt(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	local := localstore.New("u1", backend, localstore.Options{})
	t.Cleanup(local.Close)

	rs := remote.NewMemoryStore()
	for i := 0; i < candidates; i++ {
		rs.SeedCandidate(models.CharacterProfile{ID: fmt.Sprintf("cand-%02d", i), Name: fmt.Sprintf("Candidate %d", i)})
	}

	seq := 0
	opts.NewID = func() string {
		seq++
		return fmt.Sprintf("match-%d", seq)
	}

	ob := &recordingOutbox{}
	d := New("u1", local, rs, ob, opts)
	t.Cleanup(d.Close)
	return &fixture{local: local, remote: rs, outbox: ob, deck: d}
}

func TestLoadFetchesInitialPage(t *testing.T) {
	f := newFixture(t, 30, Options{})
	require.NoError(t, f.deck.Load(context.Background()))

	assert.Equal(t, DefaultInitialSize, f.deck.Remaining())
	cur, ok := f.deck.Current()
	require.True(t, ok)
	assert.Equal(t, "cand-00", cur.ID)
	next, ok := f.deck.Next()
	require.True(t, ok)
	assert.Equal(t, "cand-01", next.ID)
}

func TestLoadExcludesMatchedCandidates(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, models.CharacterProfile{ID: "match-x", SourceID: "cand-00"})
	require.NoError(t, err)

	require.NoError(t, f.deck.Load(ctx))
	cur, _ := f.deck.Current()
	assert.Equal(t, "cand-01", cur.ID)
	assert.Equal(t, 2, f.deck.Remaining())
}

func TestLikeWithFourQueuedPersistsAndRefills(t *testing.T) {
	f := newFixture(t, 4, Options{})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))
	require.Equal(t, 4, f.deck.Remaining())

	res, err := f.deck.Swipe(ctx, Like)
	require.NoError(t, err)
	f.deck.Wait()

	assert.True(t, res.Refilling)
	assert.Equal(t, 1, f.remote.Calls(remote.OpInsertMatch))
	assert.Equal(t, 2, f.remote.Calls(remote.OpListCandidates))

	require.NotNil(t, res.Match)
	assert.Equal(t, "match-1", res.Match.CharacterID)
	assert.Equal(t, "cand-00", res.Match.SourceID)

	matches := f.local.Matches(ctx)
	require.Len(t, matches, 1)
	assert.Equal(t, "match-1", matches[0].CharacterID)
	assert.False(t, matches[0].Unsynced)

	_, owner, ok := f.remote.Character("match-1")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)

	// nothing new to add, the queue keeps the three remaining candidates
	assert.Equal(t, 3, f.deck.Remaining())
}

func TestPassDoesNotPersist(t *testing.T) {
	f := newFixture(t, 20, Options{})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))

	res, err := f.deck.Swipe(ctx, Pass)
	require.NoError(t, err)
	assert.Nil(t, res.Match)
	assert.False(t, res.Refilling)
	assert.Equal(t, 0, f.remote.Calls(remote.OpInsertMatch))
	assert.Empty(t, f.local.Matches(ctx))
	assert.Equal(t, 19, f.deck.Remaining())
}

func TestFailedLikeStillAdvancesAndQueuesRetry(t *testing.T) {
	f := newFixture(t, 10, Options{})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))
	f.remote.SetError(remote.OpInsertMatch, errors.New("offline"))

	res, err := f.deck.Swipe(ctx, Like)
	require.NoError(t, err)
	f.deck.Wait()

	require.NotNil(t, res.Match)
	assert.True(t, res.Match.Unsynced)
	assert.Equal(t, 9, f.deck.Remaining())

	m, ok := f.local.Match(ctx, "match-1")
	require.True(t, ok)
	assert.True(t, m.Unsynced)

	require.Len(t, f.outbox.jobs, 1)
	assert.Equal(t, "match-1", f.outbox.jobs[0].ID)
	assert.Equal(t, "cand-00", f.outbox.jobs[0].SourceID)
}

func TestRefillNeverReoffersMatchedOrQueuedIDs(t *testing.T) {
	f := newFixture(t, 40, Options{InitialSize: 6, RefillSize: 10})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))

	offered := map[string]int{}
	for {
		cur, ok := f.deck.Current()
		if !ok {
			break
		}
		offered[cur.ID]++

		dir := Pass
		if len(offered)%2 == 0 {
			dir = Like
		}
		_, err := f.deck.Swipe(ctx, dir)
		require.NoError(t, err)
		f.deck.Wait()
	}

	assert.Len(t, offered, 40)
	for id, n := range offered {
		assert.Equal(t, 1, n, "candidate %s offered more than once", id)
	}
	assert.Len(t, f.local.Matches(ctx), 20)
}

func TestSwipeOnEmptyDeck(t *testing.T) {
	f := newFixture(t, 0, Options{})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))

	_, err := f.deck.Swipe(ctx, Like)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestInvalidDirection(t *testing.T) {
	_, err := ParseDirection("up")
	assert.ErrorIs(t, err, ErrInvalidDirection)

	d, err := ParseDirection("like")
	require.NoError(t, err)
	assert.Equal(t, Like, d)
}

func TestRefillFailureKeepsQueue(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()
	require.NoError(t, f.deck.Load(ctx))
	f.remote.SetError(remote.OpListCandidates, errors.New("down"))

	_, err := f.deck.Swipe(ctx, Pass)
	require.NoError(t, err)
	f.deck.Wait()

	assert.Equal(t, 2, f.deck.Remaining())
}

func TestEnsureLoadedLoadsOnce(t *testing.T) {
	f := newFixture(t, 5, Options{})
	ctx := context.Background()

	require.NoError(t, f.deck.EnsureLoaded(ctx))
	require.NoError(t, f.deck.EnsureLoaded(ctx))
	assert.Equal(t, 1, f.remote.Calls(remote.OpListCandidates))
}
