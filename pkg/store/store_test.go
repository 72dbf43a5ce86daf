package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwarna/loom/pkg/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "loom.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestThread(t *testing.T, s *Store) *Thread {
	t.Helper()
	th := &Thread{UserID: "user-1", Title: "test"}
	require.NoError(t, s.CreateThread(context.Background(), th))
	return th
}

func TestThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		th := newTestThread(t, s)
		got, err := s.GetThread(ctx, th.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.False(t, got.IsAmbient)
	})

	t.Run("missing thread", func(t *testing.T) {
		_, err := s.GetThread(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades runs and messages", func(t *testing.T) {
		th := newTestThread(t, s)
		run := &Run{ThreadID: th.ID}
		require.NoError(t, s.CreateRun(ctx, run))
		_, err := s.AppendMessage(ctx, th.ID, message.User("hi"))
		require.NoError(t, err)

		require.NoError(t, s.DeleteThread(ctx, th.ID))

		_, err = s.GetRun(ctx, run.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		msgs, err := s.ListMessages(ctx, th.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestRunStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := newTestThread(t, s)

	run := &Run{ThreadID: th.ID, CorrelationID: "corr-1"}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.Equal(t, RunRunning, run.Status)

	t.Run("single transition wins", func(t *testing.T) {
		ok, err := s.UpdateRunStatusCAS(ctx, run.ID, RunRunning, RunWaitingHuman)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("second identical transition loses", func(t *testing.T) {
		ok, err := s.UpdateRunStatusCAS(ctx, run.ID, RunRunning, RunWaitingHuman)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent resume has one winner", func(t *testing.T) {
		winners := 0
		for i := 0; i < 2; i++ {
			ok, err := s.UpdateRunStatusCAS(ctx, run.ID, RunWaitingHuman, RunRunning)
			require.NoError(t, err)
			if ok {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("terminal transition stamps finished_at", func(t *testing.T) {
		ok, err := s.UpdateRunStatusCAS(ctx, run.ID, RunRunning, RunSucceeded)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, RunSucceeded, got.Status)
		assert.NotNil(t, got.FinishedAt)
	})
}

func TestMessageSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := newTestThread(t, s)

	first, err := s.AppendMessage(ctx, th.ID, message.User("one"))
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, th.ID, message.Assistant("two"))
	require.NoError(t, err)
	third, err := s.AppendMessage(ctx, th.ID, message.ToolResult("tc-1", "search", "{}"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(3), third.Sequence)

	msgs, err := s.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "tc-1", msgs[2].ToolCallID)

	t.Run("sequences are per thread", func(t *testing.T) {
		other := newTestThread(t, s)
		m, err := s.AppendMessage(ctx, other.ID, message.User("fresh"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.Sequence)
	})

	t.Run("invalid message rejected", func(t *testing.T) {
		_, err := s.AppendMessage(ctx, th.ID, message.Message{Role: "narrator", Content: "x"})
		assert.Error(t, err)
	})
}

func seedJob(t *testing.T, s *Store, nextRunAt *time.Time) *Job {
	t.Helper()
	ctx := context.Background()
	agent := &Agent{ID: "agent-1", UserID: "user-1", Name: "scheduler"}
	require.NoError(t, s.SeedAgent(ctx, agent))

	j := &Job{
		AgentID:            agent.ID,
		Title:              "daily digest",
		Goal:               "summarize inbox",
		ToolkitSlug:        "gmail",
		TriggerSlug:        "GMAIL_NEW_GMAIL_MESSAGE",
		ConnectedAccountID: "ca-1",
		NextRunAt:          nextRunAt,
	}
	require.NoError(t, s.CreateJob(ctx, j))
	return j
}

func TestJobClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	j := seedJob(t, s, &past)

	due, err := s.ListDueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := now.Add(24 * time.Hour)

	t.Run("first claim wins", func(t *testing.T) {
		ok, err := s.ClaimDueJob(ctx, j.ID, now, next)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("overlapping scan loses the claim", func(t *testing.T) {
		ok, err := s.ClaimDueJob(ctx, j.ID, now, next)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("claim stamps last and next run", func(t *testing.T) {
		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastRunAt)
		require.NotNil(t, got.NextRunAt)
		assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
	})

	t.Run("paused job is never claimed", func(t *testing.T) {
		require.NoError(t, s.SetJobStatus(ctx, j.ID, JobPaused))
		ok, err := s.ClaimDueJob(ctx, j.ID, next.Add(time.Hour), next.Add(48*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := seedJob(t, s, nil)

	matched, err := s.MatchActiveJobs(ctx, "gmail", "GMAIL_NEW_GMAIL_MESSAGE", "ca-1")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, j.ID, matched[0].ID)

	t.Run("wrong account does not match", func(t *testing.T) {
		matched, err := s.MatchActiveJobs(ctx, "gmail", "GMAIL_NEW_GMAIL_MESSAGE", "ca-other")
		require.NoError(t, err)
		assert.Empty(t, matched)
	})

	t.Run("paused jobs excluded", func(t *testing.T) {
		require.NoError(t, s.SetJobStatus(ctx, j.ID, JobPaused))
		matched, err := s.MatchActiveJobs(ctx, "gmail", "GMAIL_NEW_GMAIL_MESSAGE", "ca-1")
		require.NoError(t, err)
		assert.Empty(t, matched)
	})
}

func TestInbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &InboxItem{
		UserID:   "user-1",
		Title:    "Needs Review",
		Body:     `{"reason":"approval required"}`,
		ItemType: InboxHumanActionRequest,
	}
	require.NoError(t, s.CreateInboxItem(ctx, item))

	t.Run("unknown type rejected", func(t *testing.T) {
		err := s.CreateInboxItem(ctx, &InboxItem{UserID: "user-1", ItemType: "mystery"})
		assert.Error(t, err)
	})

	t.Run("list new items", func(t *testing.T) {
		items, err := s.ListInboxItems(ctx, "user-1", InboxNew)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, InboxHumanActionRequest, items[0].ItemType)
		assert.Nil(t, items[0].ReadAt)
	})

	t.Run("mark read stamps read_at once", func(t *testing.T) {
		require.NoError(t, s.MarkInboxItemRead(ctx, item.ID))
		assert.ErrorIs(t, s.MarkInboxItemRead(ctx, item.ID), ErrNotFound)

		items, err := s.ListInboxItems(ctx, "user-1", InboxRead)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.NotNil(t, items[0].ReadAt)
	})

	t.Run("archive", func(t *testing.T) {
		require.NoError(t, s.ArchiveInboxItem(ctx, item.ID))
		items, err := s.ListInboxItems(ctx, "user-1", InboxArchived)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Connection{ConnectedAccountID: "ca-1", UserID: "user-1", ToolkitSlug: "gmail"}
	require.NoError(t, s.UpsertConnection(ctx, c))

	got, err := s.GetConnection(ctx, "ca-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "active", got.Status)

	t.Run("upsert replaces", func(t *testing.T) {
		c.Status = "disabled"
		require.NoError(t, s.UpsertConnection(ctx, c))
		got, err := s.GetConnection(ctx, "ca-1")
		require.NoError(t, err)
		assert.Equal(t, "disabled", got.Status)
	})

	t.Run("missing connection", func(t *testing.T) {
		_, err := s.GetConnection(ctx, "ca-nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
