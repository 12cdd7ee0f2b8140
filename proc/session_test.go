package proc

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// --- fakes ---

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	gates   map[string]chan struct{}
	fails   map[string]error
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		fails:   make(map[string]error),
		started: make(chan string, 32),
	}
}

// hold makes fetches of link wait until the returned func is called.
func (f *fakeFetcher) hold(link string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[link] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeFetcher) fail(link string, err error) {
	f.mu.Lock()
	f.fails[link] = err
	f.mu.Unlock()
}

func (f *fakeFetcher) count(link string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[link]
}

func (f *fakeFetcher) Fetch(ctx context.Context, link, dest string) (string, error) {
	f.mu.Lock()
	f.calls[link]++
	gate := f.gates[link]
	failErr := f.fails[link]
	f.mu.Unlock()

	f.started <- link

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}
	path := dest + ".opus"
	if err := os.WriteFile(path, []byte(link), 0644); err != nil {
		return "", err
	}
	return path, nil
}

type fakePlayer struct {
	mu      sync.Mutex
	active  bool
	channel snowflake.ID
	current chan error
	played  chan string
	closed  bool
}

func newFakePlayer(active bool) *fakePlayer {
	return &fakePlayer{active: active, channel: 42, played: make(chan string, 32)}
}

func (p *fakePlayer) Connect(_ context.Context, channelID snowflake.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.channel = channelID
	return nil
}

// Play records the link stored in the artifact so tests can check which
// file actually reached the player.
func (p *fakePlayer) Play(_ context.Context, path string) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, ErrNotConnected
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ch := make(chan error, 1)
	p.current = ch
	p.played <- string(data)
	return ch, nil
}

// Finish ends the current playback as if the track ran out.
func (p *fakePlayer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current <- nil
		p.current = nil
	}
}

func (p *fakePlayer) Stop() {
	p.Finish()
}

// kick drops the connection and ends the playback, like being removed from
// the voice channel.
func (p *fakePlayer) kick() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	p.Finish()
}

func (p *fakePlayer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePlayer) ChannelID() snowflake.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *fakePlayer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePlayer) Close(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.active = false
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *fakeNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// --- helpers ---

type harness struct {
	t       *testing.T
	key     snowflake.ID
	slots   *SlotManager
	fetcher *fakeFetcher
	player  *fakePlayer
	notes   *fakeNotifier
	session *Session
}

func newHarness(t *testing.T, connected bool) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		key:     snowflake.ID(1001),
		slots:   NewSlotManager(t.TempDir()),
		fetcher: newFakeFetcher(),
		player:  newFakePlayer(connected),
		notes:   &fakeNotifier{},
	}
	h.session = NewSession(h.key, h.player, SessionConfig{
		Slots:         h.slots,
		Fetcher:       h.fetcher,
		PrefetchDelay: 10 * time.Millisecond,
		Announce:      true,
	})
	require.NoError(t, h.session.BindNotifier(context.Background(), h.notes))
	t.Cleanup(func() {
		_ = h.session.Close(context.Background())
	})
	return h
}

func (h *harness) enqueue(links ...string) {
	h.t.Helper()
	for _, l := range links {
		_, err := h.session.Enqueue(context.Background(), l)
		require.NoError(h.t, err)
	}
}

func (h *harness) expectPlayed(link string) {
	h.t.Helper()
	select {
	case got := <-h.player.played:
		require.Equal(h.t, link, got)
	case <-time.After(waitFor):
		h.t.Fatalf("timed out waiting for %s to play", link)
	}
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.session.Status(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitUntil(cond func(Status) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return cond(h.status())
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) waitPrefetched(link string) {
	h.t.Helper()
	h.waitUntil(func(st Status) bool { return st.Prefetched == link })
}

func (h *harness) waitIdle() {
	h.t.Helper()
	h.waitUntil(func(st Status) bool { return st.Phase.State == StateIdle })
}

func (h *harness) files() []string {
	return h.slots.SessionFiles(h.key)
}

// --- tests ---

func TestSessionPlaysQueueInOrder(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b", "c")

	h.expectPlayed("a")
	h.waitPrefetched("b")
	h.player.Finish()

	h.expectPlayed("b")
	h.waitPrefetched("c")
	h.player.Finish()

	h.expectPlayed("c")
	h.player.Finish()

	h.waitIdle()
	assert.Empty(t, h.files())
	for _, l := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, h.fetcher.count(l), "link %s", l)
	}
	assert.True(t, h.notes.contains("pre-downloaded"))
}

func TestSessionEnqueueReportsPosition(t *testing.T) {
	h := newHarness(t, true)

	pos, err := h.session.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	h.expectPlayed("a")

	pos, err = h.session.Enqueue(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = h.session.Enqueue(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	st := h.status()
	assert.Equal(t, StatePlaying, st.Phase.State)
	assert.Equal(t, "a", st.Phase.Track)
	assert.Equal(t, []string{"b", "c"}, st.Queue)
}

func TestSessionSkipAdvancesToNext(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b")
	h.expectPlayed("a")

	skipped, err := h.session.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", skipped)

	h.expectPlayed("b")
	h.player.Finish()
	h.waitIdle()
	assert.Empty(t, h.files())
}

func TestSessionSkipWhenIdle(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.session.Skip(context.Background())
	assert.ErrorIs(t, err, ErrNotPlaying)
}

func TestSessionSkipCancelsAcquisition(t *testing.T) {
	h := newHarness(t, true)
	release := h.fetcher.hold("a")
	defer release()

	h.enqueue("a", "b")
	require.Equal(t, "a", <-h.fetcher.started)

	skipped, err := h.session.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", skipped)

	h.expectPlayed("b")
	assert.Equal(t, 1, h.fetcher.count("a"))
}

func TestSessionStopClearsEverything(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b", "c")
	h.expectPlayed("a")
	h.waitPrefetched("b")

	cleared, err := h.session.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	h.waitIdle()
	st := h.status()
	assert.Empty(t, st.Queue)
	assert.Empty(t, st.Prefetched)
	assert.False(t, st.Prefetching)
	assert.Empty(t, h.files())

	select {
	case got := <-h.player.played:
		t.Fatalf("unexpected playback of %s after stop", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionStopDuringPrefetch(t *testing.T) {
	h := newHarness(t, true)
	release := h.fetcher.hold("b")
	defer release()

	h.enqueue("a", "b")
	h.expectPlayed("a")
	require.Equal(t, "a", <-h.fetcher.started)
	require.Equal(t, "b", <-h.fetcher.started)

	_, err := h.session.Stop(context.Background())
	require.NoError(t, err)

	h.waitIdle()
	assert.Empty(t, h.files())
}

func TestSessionStalePrefetchIsReplaced(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b")
	h.expectPlayed("a")
	h.waitPrefetched("b")

	_, err := h.session.Clear(context.Background())
	require.NoError(t, err)
	h.enqueue("c")

	h.player.Finish()
	h.expectPlayed("c")

	assert.Equal(t, 1, h.fetcher.count("b"))
	assert.Equal(t, 1, h.fetcher.count("c"))
	_, ok := h.slots.resolve(h.key, SlotNext)
	assert.False(t, ok)
	assert.False(t, h.notes.contains("pre-downloaded): c"))
}

func TestSessionPrefetchReusedOnlyForSameLink(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b")
	h.expectPlayed("a")
	h.waitPrefetched("b")

	h.player.Finish()
	h.expectPlayed("b")

	assert.Equal(t, 1, h.fetcher.count("b"))
	assert.True(t, h.notes.contains("Now playing (pre-downloaded): b"))

	_, ok := h.slots.resolve(h.key, SlotCurrent)
	assert.True(t, ok)
	_, ok = h.slots.resolve(h.key, SlotNext)
	assert.False(t, ok)
}

func TestSessionDownloadFailureStopsAdvancing(t *testing.T) {
	h := newHarness(t, true)
	release := h.fetcher.hold("a")
	h.fetcher.fail("a", &DownloadFailure{Link: "a", Reason: "video unavailable"})

	h.enqueue("a", "b")
	require.Equal(t, "a", <-h.fetcher.started)
	release()

	h.waitUntil(func(st Status) bool {
		return st.Phase.State == StateIdle && h.notes.contains("video unavailable")
	})
	assert.Equal(t, []string{"b"}, h.status().Queue)
	assert.Zero(t, h.fetcher.count("b"))
	assert.Empty(t, h.files())

	// skip drains the leftover queue by hand
	skipped, err := h.session.Skip(context.Background())
	require.NoError(t, err)
	assert.Empty(t, skipped)
	h.expectPlayed("b")
}

func TestSessionConnectionFailure(t *testing.T) {
	h := newHarness(t, false)

	pos, err := h.session.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	h.enqueue("b")

	h.waitUntil(func(st Status) bool {
		return st.Phase.State == StateIdle && h.notes.contains(sys.MsgVoiceNotConnected)
	})
	assert.Equal(t, []string{"a", "b"}, h.status().Queue)
	assert.Zero(t, h.fetcher.count("a"))
	assert.Empty(t, h.files())

	var cf *ConnectionFailure
	_, err = h.session.Skip(context.Background())
	assert.ErrorAs(t, err, &cf)
	assert.Equal(t, []string{"a", "b"}, h.status().Queue)

	require.NoError(t, h.session.Join(context.Background(), 7))
	_, err = h.session.Skip(context.Background())
	require.NoError(t, err)
	h.expectPlayed("a")
}

func TestSessionKickKeepsQueueWithoutFetching(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b", "c")
	h.expectPlayed("a")
	h.waitPrefetched("b")

	h.player.kick()

	h.waitUntil(func(st Status) bool {
		return st.Phase.State == StateIdle && h.notes.contains(sys.MsgVoiceNotConnected)
	})
	assert.Equal(t, []string{"b", "c"}, h.status().Queue)
	assert.Equal(t, 1, h.fetcher.count("b"))
	assert.Zero(t, h.fetcher.count("c"))
	assert.Empty(t, h.files())

	require.NoError(t, h.session.Join(context.Background(), 7))
	_, err := h.session.Skip(context.Background())
	require.NoError(t, err)
	h.expectPlayed("b")
}

func TestSessionSkipCancelsInflightPrefetch(t *testing.T) {
	h := newHarness(t, true)
	release := h.fetcher.hold("b")
	defer release()

	h.enqueue("a", "b")
	h.expectPlayed("a")
	require.Equal(t, "a", <-h.fetcher.started)
	require.Equal(t, "b", <-h.fetcher.started)

	skipped, err := h.session.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", skipped)

	// the prefetch is cancelled and b is fetched again in the foreground
	select {
	case got := <-h.fetcher.started:
		require.Equal(t, "b", got)
	case <-time.After(waitFor):
		t.Fatal("b was not fetched again after skip")
	}
	_, ok := h.slots.resolve(h.key, SlotNext)
	assert.False(t, ok)

	release()
	h.expectPlayed("b")
	assert.Equal(t, 2, h.fetcher.count("b"))
	_, ok = h.slots.resolve(h.key, SlotNext)
	assert.False(t, ok)
	assert.False(t, h.notes.contains("pre-downloaded): b"))
}

func TestSessionRecordsPlays(t *testing.T) {
	var mu sync.Mutex
	var recorded []string
	rec := func(_ context.Context, key snowflake.ID, link string, prefetched bool) error {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, link)
		return errors.New("ignored")
	}

	player := newFakePlayer(true)
	s := NewSession(5, player, SessionConfig{
		Slots:    NewSlotManager(t.TempDir()),
		Fetcher:  newFakeFetcher(),
		Recorder: rec,
	})
	defer s.Close(context.Background())

	_, err := s.Enqueue(context.Background(), "a")
	require.NoError(t, err)
	<-player.played

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recorded) == 1 && recorded[0] == "a"
	}, waitFor, 5*time.Millisecond)
}

func TestSessionCloseRemovesFiles(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue("a", "b")
	h.expectPlayed("a")
	h.waitPrefetched("b")

	require.NoError(t, h.session.Close(context.Background()))
	assert.Empty(t, h.files())
	assert.True(t, h.player.isClosed())
	assert.True(t, h.session.Closed())

	_, err := h.session.Enqueue(context.Background(), "c")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, h.session.Close(context.Background()))
}
