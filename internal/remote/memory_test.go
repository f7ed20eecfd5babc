package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"swipe-companion/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreScopesByUser(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SeedCharacter("u1", models.CharacterProfile{ID: "c1", Name: "One"})
	m.SeedCharacter("u2", models.CharacterProfile{ID: "c2", Name: "Two"})

	list, err := m.ListCharacters(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)

	_, err = m.GetCharacter(ctx, "u1", "c2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMessagesBeforeIsExclusiveAndDescending(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.SeedMessage("u1", models.ChatMessage{
			ID: fmt.Sprintf("m%d", i), CharacterID: "c1", Role: models.RoleUser,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	older, err := m.MessagesBefore(ctx, "u1", "c1", base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m2", older[0].ID)
	assert.Equal(t, "m1", older[1].ID)

	recent, err := m.RecentMessages(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, "m4", recent[0].ID)
	assert.Equal(t, 2, m.Calls(OpMessagesBefore)+m.Calls(OpRecentMessages))
}

func TestMemoryStoreCandidatesExcludeAndInsertIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for _, p := range DemoCandidates() {
		m.SeedCandidate(p)
	}

	list, err := m.ListCandidates(ctx, []string{"demo-aria"}, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "demo-eowyn", list[0].ID)

	p := models.CharacterProfile{ID: "clone", SourceID: "demo-aria", Name: "Aria"}
	require.NoError(t, m.InsertMatch(ctx, "u1", p))
	require.NoError(t, m.InsertMatch(ctx, "u1", p))
	owned, err := m.ListCharacters(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestMemoryStoreInjectsErrors(t *testing.T) {
	m := NewMemoryStore()
	boom := errors.New("boom")
	m.SetError(OpInsertMessage, boom)

	err := m.InsertMessage(context.Background(), "u1", models.ChatMessage{ID: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.Calls(OpInsertMessage))

	m.SetError(OpInsertMessage, nil)
	assert.NoError(t, m.InsertMessage(context.Background(), "u1", models.ChatMessage{ID: "x"}))
}
