package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

// State is the playback phase of a session.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase is the tagged session state. Track is empty when Idle, Path is only
// set while Playing.
type Phase struct {
	State State
	Track string
	Path  string
}

// Status is a point-in-time copy of a session for display.
type Status struct {
	Phase       Phase
	Queue       []string
	Prefetched  string
	Prefetching bool
	ChannelID   snowflake.ID
	Connected   bool
	LastActive  time.Time
}

// SessionConfig carries the collaborators shared by every session.
type SessionConfig struct {
	Slots         *SlotManager
	Fetcher       Fetcher
	PrefetchDelay time.Duration
	Announce      bool
	Recorder      Recorder
}

// acquireTask is the foreground fetch into the current slot.
type acquireTask struct {
	link      string
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	path      string
	err       error
}

// Session is the playback engine for one guild. All state below the mutex
// line is owned by the session goroutine and only touched from closures run
// through ops.
type Session struct {
	key      snowflake.ID
	slots    *SlotManager
	fetcher  Fetcher
	player   Player
	delay    time.Duration
	announce bool
	recorder Recorder

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	closeOnce sync.Once

	// session goroutine only
	queue      Queue
	phase      Phase
	acquiring  *acquireTask
	prefetch   *prefetcher
	playGen    uint64
	notifier   Notifier
	lastActive time.Time
}

func NewSession(key snowflake.ID, player Player, cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:        key,
		slots:      cfg.Slots,
		fetcher:    cfg.Fetcher,
		player:     player,
		delay:      cfg.PrefetchDelay,
		announce:   cfg.Announce,
		recorder:   cfg.Recorder,
		ctx:        ctx,
		cancel:     cancel,
		ops:        make(chan func()),
		done:       make(chan struct{}),
		notifier:   nopNotifier{},
		lastActive: time.Now(),
	}
	s.prefetch = &prefetcher{
		key:     key,
		slots:   cfg.Slots,
		fetcher: cfg.Fetcher,
		post:    s.post,
	}
	go s.loop()
	return s
}

func (s *Session) Key() snowflake.ID {
	return s.key
}

func (s *Session) Player() Player {
	return s.player
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// exec runs fn on the session goroutine and waits for it to finish.
func (s *Session) exec(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	op := func() {
		defer close(reply)
		fn()
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// post hands fn to the session goroutine without waiting. Used by helper
// goroutines to report results; dropped once the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// --- Public operations ---

// Enqueue appends link and starts a cycle if the session is idle. The
// returned position is 0 when the link went straight to acquisition.
func (s *Session) Enqueue(ctx context.Context, link string) (int, error) {
	var pos int
	err := s.exec(ctx, func() {
		pos = s.queue.Enqueue(link)
		s.touch()
		if s.phase.State == StateIdle && s.advance() {
			pos = 0
		}
	})
	return pos, err
}

// Skip ends the current track. While Idle with tracks still queued (left
// over from a failed download or a lost connection) it starts the next one
// instead, or returns a ConnectionFailure if the player is still away.
func (s *Session) Skip(ctx context.Context) (string, error) {
	var skipped string
	var skipErr error
	err := s.exec(ctx, func() {
		s.touch()
		switch s.phase.State {
		case StatePlaying:
			skipped = s.phase.Track
			s.player.Stop()
		case StateAcquiring:
			skipped = s.phase.Track
			s.cancelAcquire()
		default:
			if s.queue.Len() == 0 {
				skipErr = ErrNotPlaying
				return
			}
			if !s.advance() {
				skipErr = &ConnectionFailure{ChannelID: s.player.ChannelID(), Err: ErrNotConnected}
			}
		}
	})
	if err != nil {
		return "", err
	}
	return skipped, skipErr
}

// Stop clears the queue and ends whatever is playing or being fetched. It
// returns the number of queued tracks that were dropped.
func (s *Session) Stop(ctx context.Context) (int, error) {
	var cleared int
	err := s.exec(ctx, func() {
		cleared = s.queue.Clear()
		s.touch()
		switch s.phase.State {
		case StatePlaying:
			s.player.Stop()
		case StateAcquiring:
			s.cancelAcquire()
		default:
			s.prefetch.discard()
		}
	})
	return cleared, err
}

// Clear empties the queue without touching the current track.
func (s *Session) Clear(ctx context.Context) (int, error) {
	var cleared int
	err := s.exec(ctx, func() {
		cleared = s.queue.Clear()
	})
	return cleared, err
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.exec(ctx, func() {
		st.Phase = s.phase
		st.Queue = s.queue.Snapshot()
		st.Prefetched, _ = s.prefetch.ready()
		st.Prefetching = s.prefetch.pending() && st.Prefetched == ""
		st.LastActive = s.lastActive
	})
	if err != nil {
		return Status{}, err
	}
	st.ChannelID = s.player.ChannelID()
	st.Connected = s.player.Active()
	return st, nil
}

// BindNotifier sets where user-facing messages for this session go.
func (s *Session) BindNotifier(ctx context.Context, n Notifier) error {
	if n == nil {
		n = nopNotifier{}
	}
	return s.exec(ctx, func() {
		s.notifier = n
	})
}

// Join connects the player to channelID, moving it if it is elsewhere.
func (s *Session) Join(ctx context.Context, channelID snowflake.ID) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.player.Active() && s.player.ChannelID() == channelID {
		return nil
	}
	if err := s.player.Connect(ctx, channelID); err != nil {
		cf := &ConnectionFailure{ChannelID: channelID, Err: err}
		s.post(func() { s.report(cf) })
		return cf
	}
	s.post(s.touch)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops playback, cancels and waits for every fetch, removes the
// session's cache files and disconnects the player.
func (s *Session) Close(ctx context.Context) error {
	first := false
	s.closeOnce.Do(func() { first = true })
	if !first {
		return nil
	}
	// teardown joins every fetch, so once it returns nothing of this
	// session touches the cache slots again
	err := s.exec(context.WithoutCancel(ctx), s.teardown)
	close(s.done)
	s.cancel()
	s.player.Close(ctx)
	return err
}

// --- Session goroutine ---

func (s *Session) touch() {
	s.lastActive = time.Now()
}

// advance pops the queue head into a new cycle and reports whether it did.
// An empty queue idles. A disconnected player idles too, but leaves the queue
// untouched so nothing is downloaded only to be dropped.
func (s *Session) advance() bool {
	if s.queue.Len() == 0 {
		s.goIdle()
		return false
	}
	if !s.player.Active() {
		s.report(&ConnectionFailure{ChannelID: s.player.ChannelID(), Err: ErrNotConnected})
		s.goIdle()
		return false
	}
	link, err := s.queue.Pop()
	if err != nil {
		s.goIdle()
		return false
	}
	s.acquire(link)
	return true
}

func (s *Session) acquire(link string) {
	s.phase = Phase{State: StateAcquiring, Track: link}

	if path, ok := s.prefetch.take(link); ok {
		promoted, err := s.slots.Promote(s.key, path)
		if err == nil {
			s.startPlayback(link, promoted, true)
			return
		}
		sys.LogVoice("Failed to promote prefetched %s in guild %s: %v", link, s.key, err)
	} else if s.prefetch.pending() {
		sys.LogVoiceDebug("Guild %s: %v, fetching %s again", s.key, errStalePrefetch, link)
	}
	s.prefetch.discard()

	dest, err := s.slots.Write(s.key, SlotCurrent)
	if err != nil {
		s.phase = Phase{}
		s.report(&DownloadFailure{Link: link, Reason: "cache directory unavailable", Err: err})
		s.goIdle()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	a := &acquireTask{
		link:   link,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.acquiring = a

	sys.LogVoice("Fetching %s in guild %s", link, s.key)
	go func() {
		defer cancel()
		path, err := s.fetcher.Fetch(ctx, link, dest)
		a.path, a.err = path, err
		close(a.done)
		s.post(func() { s.onAcquired(a) })
	}()
}

func (s *Session) cancelAcquire() {
	if a := s.acquiring; a != nil {
		a.cancelled = true
		a.cancel()
	}
}

func (s *Session) onAcquired(a *acquireTask) {
	if s.acquiring != a {
		return
	}
	s.acquiring = nil

	if a.cancelled || errors.Is(a.err, context.Canceled) {
		_ = s.slots.Delete(s.key, SlotCurrent)
		s.phase = Phase{}
		s.advance()
		return
	}
	if a.err != nil {
		_ = s.slots.Delete(s.key, SlotCurrent)
		s.phase = Phase{}
		s.report(a.err)
		s.goIdle()
		return
	}
	s.startPlayback(a.link, a.path, false)
}

func (s *Session) startPlayback(link, path string, prefetched bool) {
	fail := func(err error) {
		_ = s.slots.Delete(s.key, SlotCurrent)
		s.phase = Phase{}
		s.report(err)
		s.goIdle()
	}

	if !s.player.Active() {
		fail(&ConnectionFailure{ChannelID: s.player.ChannelID(), Err: ErrNotConnected})
		return
	}

	finished, err := s.player.Play(s.ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			err = &ConnectionFailure{ChannelID: s.player.ChannelID(), Err: err}
		}
		fail(err)
		return
	}

	s.playGen++
	gen := s.playGen
	s.phase = Phase{State: StatePlaying, Track: link, Path: path}
	s.touch()

	go func() {
		err := <-finished
		s.post(func() { s.onPlaybackEnd(gen, err) })
	}()
	time.AfterFunc(s.delay, func() {
		s.post(func() { s.onPrefetchTrigger(gen) })
	})

	if prefetched {
		sys.LogVoice("Playing prefetched %s in guild %s", link, s.key)
		if s.announce {
			s.notifier.Notify(fmt.Sprintf(sys.MsgVoiceNowPlayingPrefetched, link))
		}
	} else {
		sys.LogVoice("Playing %s in guild %s", link, s.key)
		if s.announce {
			s.notifier.Notify(fmt.Sprintf(sys.MsgVoiceNowPlaying, link))
		}
	}

	if s.recorder != nil {
		record, key := s.recorder, s.key
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := record(ctx, key, link, prefetched); err != nil {
				sys.LogVoice(sys.MsgVoiceRecordFailed, err)
			}
		}()
	}
}

func (s *Session) onPrefetchTrigger(gen uint64) {
	if gen != s.playGen || s.phase.State != StatePlaying {
		return
	}
	if link, ok := s.queue.Peek(); ok {
		s.prefetch.start(s.ctx, link)
	}
}

// onPlaybackEnd is the single place the current artifact is deleted. Natural
// end, skip and stop all arrive here.
func (s *Session) onPlaybackEnd(gen uint64, err error) {
	if gen != s.playGen || s.phase.State != StatePlaying {
		return
	}
	if err != nil {
		sys.LogVoice("Playback of %s ended with error in guild %s: %v", s.phase.Track, s.key, err)
	}

	s.prefetch.cancelInFlight()
	if err := s.slots.Delete(s.key, SlotCurrent); err != nil {
		sys.LogVoice("Failed to remove finished track in guild %s: %v", s.key, err)
	}
	s.phase = Phase{}
	s.advance()
}

func (s *Session) goIdle() {
	s.phase = Phase{}
	s.prefetch.discard()
	s.touch()
}

// report surfaces failures a user can act on and logs everything else.
func (s *Session) report(err error) {
	var df *DownloadFailure
	var cf *ConnectionFailure
	switch {
	case errors.As(err, &df):
		sys.LogVoice("Download failed in guild %s: %v", s.key, err)
		reason := df.Reason
		if reason == "" && df.Err != nil {
			reason = df.Err.Error()
		}
		s.notifier.Notify(fmt.Sprintf(sys.MsgVoiceDownloadFailed, reason))
	case errors.As(err, &cf):
		sys.LogVoice("Voice connection failed in guild %s: %v", s.key, err)
		s.notifier.Notify(sys.MsgVoiceNotConnected)
	default:
		sys.LogVoice("Playback failed in guild %s: %v", s.key, err)
	}
}

func (s *Session) teardown() {
	s.queue.Clear()
	if a := s.acquiring; a != nil {
		a.cancelled = true
		a.cancel()
		<-a.done
		s.acquiring = nil
	}
	s.prefetch.discard()
	if s.phase.State == StatePlaying {
		s.player.Stop()
	}
	s.playGen++
	s.phase = Phase{}
	_ = s.slots.Delete(s.key, SlotCurrent)
	_ = s.slots.Delete(s.key, SlotNext)
}
