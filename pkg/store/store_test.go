package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store) Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), "鲍勃", `{"world_time":"Day 1, 08:00"}`)
	require.NoError(t, err)
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := newTestSession(t, s)
	assert.NotEmpty(t, created.UUID)
	assert.Equal(t, "鲍勃", created.CharacterName)

	loaded, err := s.GetSession(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)

	_, err = s.GetSession(ctx, "no-such-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	state, err := s.CurrentState(ctx, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"world_time":"Day 1, 08:00"}`, state)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestSession(t, s)
	second := newTestSession(t, s)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.UUID, sessions[0].UUID)
	assert.Equal(t, first.UUID, sessions[1].UUID)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	var lastID int64
	for _, content := range []string{"你好", "你好，旅人。", "酒馆在哪？", "就在前面。"} {
		role := "user"
		if lastID%2 == 1 {
			role = "assistant"
		}
		id, err := s.AppendMessage(ctx, sess.ID, role, content)
		require.NoError(t, err)
		assert.Greater(t, id, lastID)
		lastID = id
	}

	recent, err := s.RecentMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "酒馆在哪？", recent[0].Content)
	assert.Equal(t, "就在前面。", recent[1].Content)

	count, err := s.MessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	page, err := s.History(ctx, sess.ID, 1, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "你好", page[0].Content)

	page, err = s.History(ctx, sess.ID, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "就在前面。", page[0].Content)
}

func TestUnsummarizedFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	var ids []int64
	for i := 0; i < 6; i++ {
		id, err := s.AppendMessage(ctx, sess.ID, "user", "消息")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending, err := s.UnsummarizedMessages(ctx, sess.ID, 5)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[4], pending[4].ID)

	require.NoError(t, s.MarkMessagesSummarized(ctx, []int64{ids[0], ids[1], ids[2], ids[3], ids[4]}))

	pending, err = s.UnsummarizedMessages(ctx, sess.ID, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[5], pending[0].ID)

	// No-op on empty input.
	require.NoError(t, s.MarkMessagesSummarized(ctx, nil))
}

func TestSaveStateAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	// Three turns; a snapshot lands on each assistant message.
	var assistantIDs []int64
	states := []string{
		`{"world_time":"Day 1, 08:10"}`,
		`{"world_time":"Day 1, 08:20"}`,
		`{"world_time":"Day 1, 08:30"}`,
	}
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, sess.ID, "user", "输入")
		require.NoError(t, err)
		aid, err := s.AppendMessage(ctx, sess.ID, "assistant", "回应")
		require.NoError(t, err)
		assistantIDs = append(assistantIDs, aid)
		require.NoError(t, s.SaveState(ctx, sess.ID, states[i], "时间推进", aid))
	}

	snaps, err := s.Snapshots(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, assistantIDs[2], snaps[2].MessageID)

	restored, err := s.Rollback(ctx, sess.ID, assistantIDs[0])
	require.NoError(t, err)
	assert.JSONEq(t, states[0], restored)

	count, err := s.MessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	snaps, err = s.Snapshots(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	current, err := s.CurrentState(ctx, sess.ID)
	require.NoError(t, err)
	assert.JSONEq(t, states[0], current)
}

func TestRollbackWithoutSnapshotKeepsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	id, err := s.AppendMessage(ctx, sess.ID, "user", "输入")
	require.NoError(t, err)

	_, err = s.Rollback(ctx, sess.ID, id)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := s.MessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemorySpine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	spine, err := s.MemorySpine(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "No history yet.", spine)

	_, err = s.AddMemoryNode(ctx, sess.ID, "酒馆的夜谈", LevelMacro, "Day 1", "macro_1_aaaa")
	require.NoError(t, err)
	mergedID, err := s.AddMemoryNode(ctx, sess.ID, "已并入的细节", LevelMicro, "Day 1, 09:00", "micro_1_aaaa")
	require.NoError(t, err)
	require.NoError(t, s.MarkNodesMerged(ctx, []int64{mergedID}))
	_, err = s.AddMemoryNode(ctx, sess.ID, "清晨的出发", LevelMicro, "Day 2, 07:00", "micro_2_bbbb")
	require.NoError(t, err)

	spine, err = s.MemorySpine(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "[Macro|Day 1] 酒馆的夜谈\n[Micro|Day 2, 07:00] 清晨的出发\n", spine)
}

func TestUnmergedMicroNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.AddMemoryNode(ctx, sess.ID, "微观记忆", LevelMicro, "Day 1", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// MACRO nodes never count as unmerged MICRO.
	_, err := s.AddMemoryNode(ctx, sess.ID, "宏观记忆", LevelMacro, "Day 1", "")
	require.NoError(t, err)

	nodes, err := s.UnmergedMicroNodes(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, ids[0], nodes[0].ID)

	require.NoError(t, s.MarkNodesMerged(ctx, ids[:2]))

	nodes, err = s.UnmergedMicroNodes(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, ids[2], nodes[0].ID)
}

func TestDeleteSessionCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	mid, err := s.AppendMessage(ctx, sess.ID, "user", "输入")
	require.NoError(t, err)
	_, err = s.AddMemoryNode(ctx, sess.ID, "记忆", LevelMicro, "Day 1", "")
	require.NoError(t, err)
	require.NoError(t, s.SaveState(ctx, sess.ID, `{}`, "", mid))
	require.NoError(t, s.AddSagaEntry(ctx, sess.ID, "史诗第一章"))
	require.NoError(t, s.LogInteraction(ctx, sess.ID, mid, "完整提示词", "检索上下文", "deepseek-chat"))
	require.NoError(t, s.RecordRelationship(ctx, sess.ID, "爱丽丝", 75, "信任", "并肩作战"))
	_, err = s.AddLoreEntry(ctx, sess.ID, "艾尔登法环", "背景知识……", `["https://example.org"]`, "high_batch")
	require.NoError(t, err)

	deleted, err := s.DeleteSession(ctx, sess.UUID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetSession(ctx, sess.UUID)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := s.MessageCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	snaps, err := s.Snapshots(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	sagas, err := s.SagaEntries(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, sagas)

	rels, err := s.Relationships(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rels)

	// Second delete reports the UUID as unknown.
	deleted, err = s.DeleteSession(ctx, sess.UUID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestLoreProbe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasLore(ctx, "艾尔登法环")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AddLoreEntry(ctx, 0, "艾尔登法环", "交界地的传说……", `["https://example.org"]`, "high_batch")
	require.NoError(t, err)

	ok, err = s.HasLore(ctx, "艾尔登法环")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := s.LoreEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "艾尔登法环", entries[0].Keyword)
	assert.Zero(t, entries[0].SessionID)
}

func TestRelationshipsTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	require.NoError(t, s.RecordRelationship(ctx, sess.ID, "爱丽丝", 60, "初识", "酒馆相遇"))
	require.NoError(t, s.RecordRelationship(ctx, sess.ID, "爱丽丝", 75, "信任", "并肩作战"))

	rels, err := s.Relationships(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, 75, rels[0].Affinity)
	assert.Equal(t, 60, rels[1].Affinity)
}
