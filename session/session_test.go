package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreStartThenContinue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Create(ctx, "user-1", "en")
	require.NoError(t, err)
	require.Equal(t, Start, s.Type())

	require.NoError(t, store.AppendMessage(ctx, s.ID, Message{Role: RoleUser, Content: "hello"}))
	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, Continue, got.Type())
	require.Len(t, got.Messages, 1)
}

func TestMemoryStoreBoundedHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, err := store.Create(ctx, "user-1", "en")
	require.NoError(t, err)

	for i := 0; i < MaxHistory+10; i++ {
		require.NoError(t, store.AppendMessage(ctx, s.ID, Message{Role: RoleUser, Content: "x"}))
	}
	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, MaxHistory)
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecentMessages(t *testing.T) {
	s := &Session{Messages: []Message{{Content: "1"}, {Content: "2"}, {Content: "3"}}}
	recent := s.RecentMessages(2)
	require.Len(t, recent, 2)
	require.Equal(t, "2", recent[0].Content)
	require.Equal(t, "3", recent[1].Content)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(NewGoRedisClient(rdb), time.Minute)

	s, err := store.Create(context.Background(), "user-1", "en")
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage(context.Background(), s.ID, Message{Role: RoleUser, Content: "hi"}))
	got, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hi", got.Messages[0].Content)

	require.NoError(t, store.SetTitle(context.Background(), s.ID, "Climate chat"))
	got, err = store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "Climate chat", got.Title)
}

func TestRedisStoreExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(NewGoRedisClient(rdb), time.Second)

	s, err := store.Create(context.Background(), "user-1", "en")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = store.Get(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
