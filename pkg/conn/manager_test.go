package conn

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records written envelopes and can be switched to fail.
type fakeTransport struct {
	mu      sync.Mutex
	written []Envelope
	failing bool
	closed  bool
}

func (f *fakeTransport) WriteEnvelope(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("write on closed transport")
	}
	f.written = append(f.written, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, env := range f.written {
		out[i] = env.Kind
	}
	return out
}

func (f *fakeTransport) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, env := range f.written {
		out[i] = env.Content
	}
	return out
}

func newTestManager(limit int) *Manager {
	return NewManager(Config{QueueLimit: limit, Logger: zerolog.Nop()})
}

func TestSendToLiveTransport(t *testing.T) {
	m := newTestManager(0)
	ft := &fakeTransport{}
	m.Register("s1", ft)

	m.Send("s1", Message("s1", "hello"))

	require.Len(t, ft.written, 1)
	assert.Equal(t, "hello", ft.written[0].Content)
	assert.Equal(t, 0, m.QueuedCount("s1"))
}

func TestContentQueuedWhileAway(t *testing.T) {
	m := newTestManager(0)

	m.Send("s1", Message("s1", "one"))
	m.Send("s1", Stream("s1", "two"))

	assert.False(t, m.Live("s1"))
	assert.Equal(t, 2, m.QueuedCount("s1"))
}

func TestControlFramesNotQueued(t *testing.T) {
	m := newTestManager(0)

	m.Send("s1", Pong())
	m.Send("s1", Complete("s1"))
	m.Send("s1", ErrorFrame("s1", "nope"))

	assert.Equal(t, 0, m.QueuedCount("s1"))
}

func TestReconnectReplaysQueueInOrder(t *testing.T) {
	m := newTestManager(0)
	m.Send("s1", Message("s1", "one"))
	m.Send("s1", Message("s1", "two"))
	m.Send("s1", Message("s1", "three"))

	ft := &fakeTransport{}
	require.NoError(t, m.Reconnect("s1", ft))

	assert.Equal(t, []string{"one", "two", "three"}, ft.contents())
	assert.Equal(t, 0, m.QueuedCount("s1"))
	assert.True(t, m.Live("s1"))
}

func TestQueueOverflowDropsOldestAndNotifies(t *testing.T) {
	m := newTestManager(3)
	m.Send("s1", Message("s1", "a"))
	m.Send("s1", Message("s1", "b"))
	m.Send("s1", Message("s1", "c"))
	m.Send("s1", Message("s1", "d"))
	m.Send("s1", Message("s1", "e"))

	assert.Equal(t, 3, m.QueuedCount("s1"))

	ft := &fakeTransport{}
	require.NoError(t, m.Reconnect("s1", ft))

	kinds := ft.kinds()
	require.Len(t, kinds, 4)
	assert.Equal(t, KindError, kinds[0], "replay must lead with a drop notice")
	assert.Equal(t, []string{"", "c", "d", "e"}, ft.contents())
}

func TestReconnectReplacesStaleTransport(t *testing.T) {
	m := newTestManager(0)
	old := &fakeTransport{}
	m.Register("s1", old)

	fresh := &fakeTransport{}
	require.NoError(t, m.Reconnect("s1", fresh))

	assert.True(t, old.closed)
	m.Send("s1", Message("s1", "hi"))
	assert.Len(t, fresh.written, 1)
	assert.Empty(t, old.written)
}

func TestWriteFailureDetachesAndQueues(t *testing.T) {
	m := newTestManager(0)
	ft := &fakeTransport{failing: true}
	m.Register("s1", ft)

	m.Send("s1", Message("s1", "lost?"))

	assert.False(t, m.Live("s1"))
	assert.Equal(t, 1, m.QueuedCount("s1"))

	fresh := &fakeTransport{}
	require.NoError(t, m.Reconnect("s1", fresh))
	assert.Equal(t, []string{"lost?"}, fresh.contents())
}

func TestReplayFailureKeepsUnsentTail(t *testing.T) {
	m := newTestManager(0)
	m.Send("s1", Message("s1", "one"))
	m.Send("s1", Message("s1", "two"))

	dead := &fakeTransport{failing: true}
	err := m.Reconnect("s1", dead)
	require.Error(t, err)
	assert.False(t, m.Live("s1"))
	assert.Equal(t, 2, m.QueuedCount("s1"))

	fresh := &fakeTransport{}
	require.NoError(t, m.Reconnect("s1", fresh))
	assert.Equal(t, []string{"one", "two"}, fresh.contents())
}

func TestDisconnectIgnoresSupersededTransport(t *testing.T) {
	m := newTestManager(0)
	old := &fakeTransport{}
	m.Register("s1", old)
	fresh := &fakeTransport{}
	m.Register("s1", fresh)

	// Late close from the old reader goroutine must not detach the new one.
	m.Disconnect("s1", old)
	assert.True(t, m.Live("s1"))

	m.Disconnect("s1", fresh)
	assert.False(t, m.Live("s1"))
}

func TestEvictDropsState(t *testing.T) {
	m := newTestManager(0)
	ft := &fakeTransport{}
	m.Register("s1", ft)
	m.Send("s1", Message("s1", "x"))

	m.Evict("s1")

	assert.True(t, ft.closed)
	assert.False(t, m.Live("s1"))
	assert.Equal(t, 0, m.QueuedCount("s1"))
}
