package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

func newTestRepository(t *testing.T, project string) *Repository {
	t.Helper()
	r, err := Open(&config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "sessions.db"),
	}, project)
	require.NoError(t, err)
	return r
}

func sampleConversation(topic string) *protocol.Conversation {
	conv := protocol.NewConversation(topic)
	conv.Append(protocol.NewUserMessage("hello"))
	conv.Append(protocol.NewAssistantMessage("hi"))
	return conv
}

func TestRepository_SaveAndLoad(t *testing.T) {
	r := newTestRepository(t, "demo")
	ctx := context.Background()

	conv := sampleConversation("greeting")
	require.NoError(t, r.SaveSession(ctx, conv, "s1"))
	assert.Equal(t, "s1", conv.Session)

	loaded, err := r.Load(ctx, "s1", 0)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, conv.ID, loaded.ID)
	assert.Len(t, loaded.Messages, 2)
	assert.Equal(t, conv.Leaf, loaded.Leaf)
}

func TestRepository_LoadMissingReturnsNil(t *testing.T) {
	r := newTestRepository(t, "demo")

	loaded, err := r.Load(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRepository_SaveSessionUpserts(t *testing.T) {
	r := newTestRepository(t, "demo")
	ctx := context.Background()

	conv := sampleConversation("v1")
	require.NoError(t, r.SaveSession(ctx, conv, "s1"))

	conv.Append(protocol.NewUserMessage("more"))
	require.NoError(t, r.SaveSession(ctx, conv, "s1"))

	loaded, err := r.Load(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 3)

	names, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, names)
}

func TestRepository_LastReturnsMostRecent(t *testing.T) {
	r := newTestRepository(t, "demo")
	ctx := context.Background()

	first := sampleConversation("first")
	require.NoError(t, r.SaveSession(ctx, first, "s1"))

	second := sampleConversation("second")
	require.NoError(t, r.SaveSession(ctx, second, "s2"))
	// s1 saved again last; it becomes the most recent.
	require.NoError(t, r.SaveSession(ctx, first, "s1"))

	last, err := r.Last(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "s1", last.Session)
}

func TestRepository_LastEmptyProject(t *testing.T) {
	r := newTestRepository(t, "empty")

	last, err := r.Last(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRepository_LoadTruncatesHistory(t *testing.T) {
	r := newTestRepository(t, "demo")
	ctx := context.Background()

	conv := protocol.NewConversation("long")
	conv.Append(protocol.NewSystemMessage("be brief"))
	for i := 0; i < 6; i++ {
		conv.Append(protocol.NewUserMessage("question"))
		conv.Append(protocol.NewAssistantMessage("answer"))
	}
	require.NoError(t, r.SaveSession(ctx, conv, "s1"))

	loaded, err := r.Load(ctx, "s1", 4)
	require.NoError(t, err)

	// System message survives pruning; only the 4 newest turns remain.
	require.Len(t, loaded.Messages, 5)
	assert.Equal(t, protocol.RoleSystem, loaded.Messages[0].Role)
	assert.Equal(t, loaded.Messages[len(loaded.Messages)-1].ID, loaded.Leaf)
}

func TestRepository_ProjectsAreIsolated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(&config.DatabaseConfig{Driver: "sqlite3", Path: dir}, "project-a")
	require.NoError(t, err)
	b, err := Open(&config.DatabaseConfig{Driver: "sqlite3", Path: dir}, "project-b")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.SaveSession(ctx, sampleConversation("a"), "s1"))

	loaded, err := b.Load(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	last, err := b.Last(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRepository_Delete(t *testing.T) {
	r := newTestRepository(t, "demo")
	ctx := context.Background()

	require.NoError(t, r.SaveSession(ctx, sampleConversation("x"), "s1"))
	require.NoError(t, r.Delete(ctx, "s1"))

	loaded, err := r.Load(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, r.Delete(ctx, "s1"))
}
