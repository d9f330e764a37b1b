package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crmweb/internal/domain"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	jsonlStore, err := NewJSONLStore(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sqliteStore.Close()
		_ = jsonlStore.Close()
	})
	return map[string]Store{BackendSQLite: sqliteStore, BackendJSONL: jsonlStore}
}

func TestGetSession(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			missing, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, missing)

			require.NoError(t, store.UpsertRun(ctx, &domain.RunRecord{
				RunID: "r1", SessionID: "s1", Status: domain.RunStatusRunning, StartedAt: time.Now(),
			}))
			created, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, created)
			assert.Equal(t, "s1", created.SessionID)

			require.NoError(t, store.UpsertMessage(ctx, &domain.Message{
				MessageID: "m1", SessionID: "s1", Role: domain.RoleUser,
			}))
			again, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, created.CreatedAt.Equal(again.CreatedAt))
			assert.False(t, again.UpdatedAt.Before(created.UpdatedAt))
		})
	}
}

func TestUpsertMessageReplacesByID(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertMessage(ctx, &domain.Message{
				MessageID: "m1", SessionID: "s1", RunID: "r1", Role: domain.RoleAssistant, Content: "par",
			}))
			require.NoError(t, store.UpsertMessage(ctx, &domain.Message{
				MessageID: "m1", SessionID: "s1", Role: domain.RoleAssistant, Content: "partial answer", Reasoning: "thinking",
			}))

			messages, err := store.GetMessages(ctx, "s1", 0, "")
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, "partial answer", messages[0].Content)
			assert.Equal(t, "thinking", messages[0].Reasoning)
			assert.Equal(t, "r1", messages[0].RunID, "run id is kept when the update omits it")

			session, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.NotNil(t, session, "writing a message creates its session")
		})
	}
}

func TestGetMessagesPaging(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
				require.NoError(t, store.UpsertMessage(ctx, &domain.Message{
					MessageID: id,
					SessionID: "s1",
					Role:      domain.RoleUser,
					Content:   id,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}
			require.NoError(t, store.UpsertMessage(ctx, &domain.Message{
				MessageID: "other", SessionID: "s2", Role: domain.RoleUser, Content: "x",
			}))

			latest, err := store.GetMessages(ctx, "s1", 2, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"m4", "m5"}, messageIDs(latest))

			older, err := store.GetMessages(ctx, "s1", 2, "m4")
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m3"}, messageIDs(older))

			all, err := store.GetMessages(ctx, "s1", 0, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, messageIDs(all))

			unknown, err := store.GetMessages(ctx, "s1", 0, "missing")
			require.NoError(t, err)
			assert.Empty(t, unknown)

			foreign, err := store.GetMessages(ctx, "s1", 0, "other")
			require.NoError(t, err)
			assert.Empty(t, foreign, "a before id from another session matches nothing")
		})
	}
}

func TestUpsertRunAndList(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertRun(ctx, &domain.RunRecord{
				RunID: "r1", SessionID: "s1", AgentSessionID: "a1", Status: domain.RunStatusRunning, StartedAt: started,
			}))
			ended := started.Add(time.Minute)
			require.NoError(t, store.UpsertRun(ctx, &domain.RunRecord{
				RunID: "r1", SessionID: "s1", AgentSessionID: "a1", Status: domain.RunStatusError,
				StartedAt: started, EndedAt: &ended, ExitCode: 2, Error: "exit status 2",
			}))
			require.NoError(t, store.UpsertRun(ctx, &domain.RunRecord{
				RunID: "r2", SessionID: "s1", Status: domain.RunStatusDone, StartedAt: started.Add(time.Hour),
			}))

			runs, err := store.ListRuns(ctx, "s1", 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "r2", runs[0].RunID)
			assert.Equal(t, "r1", runs[1].RunID)
			assert.Equal(t, domain.RunStatusError, runs[1].Status)
			assert.Equal(t, 2, runs[1].ExitCode)
			assert.Equal(t, "exit status 2", runs[1].Error)
			assert.Equal(t, "a1", runs[1].AgentSessionID)
			require.NotNil(t, runs[1].EndedAt)
			assert.True(t, ended.Equal(*runs[1].EndedAt))

			limited, err := store.ListRuns(ctx, "s1", 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestJSONLRejectsPathLikeSessionIDs(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := store.UpsertMessage(context.Background(), &domain.Message{MessageID: "m", SessionID: id, Role: domain.RoleUser})
		assert.Error(t, err, "session id %q", id)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("postgres", "")
	assert.Error(t, err)
}

func messageIDs(messages []domain.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.MessageID)
	}
	return ids
}
