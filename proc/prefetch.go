package proc

import (
	"context"
	"errors"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

// prefetchTask is one background download into the next slot. path and err
// are written by the task goroutine before done is closed and must only be
// read after <-done.
type prefetchTask struct {
	link   string
	cancel context.CancelFunc
	done   chan struct{}
	path   string
	err    error
}

func (t *prefetchTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// prefetcher owns the next slot of one session. Every method runs on the
// session goroutine.
type prefetcher struct {
	key     snowflake.ID
	slots   *SlotManager
	fetcher Fetcher
	post    func(func())
	task    *prefetchTask
}

// start begins fetching link into the next slot. A task that is still running
// makes this a no-op; a finished task for a different link is discarded first.
func (p *prefetcher) start(parent context.Context, link string) bool {
	if t := p.task; t != nil {
		if !t.finished() {
			return false
		}
		if t.err == nil && t.link == link && fileExists(t.path) {
			return false
		}
		p.discard()
	}

	dest, err := p.slots.Write(p.key, SlotNext)
	if err != nil {
		sys.LogVoice("Prefetch slot unavailable in guild %s: %v", p.key, err)
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	t := &prefetchTask{
		link:   link,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.task = t

	sys.LogVoiceDebug("Prefetching %s in guild %s", link, p.key)
	go func() {
		defer cancel()
		path, err := p.fetcher.Fetch(ctx, link, dest)
		t.path, t.err = path, err
		close(t.done)
		p.post(func() { p.settle(t) })
	}()
	return true
}

// settle records the outcome of a finished task. A failed task leaves no
// state and no artifact behind.
func (p *prefetcher) settle(t *prefetchTask) {
	if p.task != t {
		return
	}
	if t.err == nil {
		sys.LogVoiceDebug("Prefetched %s in guild %s", t.link, p.key)
		return
	}
	if !errors.Is(t.err, context.Canceled) {
		sys.LogVoice("Prefetch of %s failed in guild %s: %v", t.link, p.key, t.err)
	}
	_ = p.slots.Delete(p.key, SlotNext)
	p.task = nil
}

// take consumes a finished prefetch of link. It reports false when there is
// nothing usable, which includes a task that is still running.
func (p *prefetcher) take(link string) (string, bool) {
	t := p.task
	if t == nil || !t.finished() {
		return "", false
	}
	if t.err != nil || t.link != link || !fileExists(t.path) {
		return "", false
	}
	p.task = nil
	return t.path, true
}

// pending reports whether a task exists, finished or not.
func (p *prefetcher) pending() bool {
	return p.task != nil
}

// ready reports the link of a finished, usable prefetch.
func (p *prefetcher) ready() (string, bool) {
	t := p.task
	if t == nil || !t.finished() || t.err != nil {
		return "", false
	}
	return t.link, true
}

// cancelInFlight cancels a running task and waits for it. A finished task is
// kept so the next acquisition can still use it.
func (p *prefetcher) cancelInFlight() {
	if t := p.task; t != nil && !t.finished() {
		p.discard()
	}
}

// discard cancels the task, waits for its goroutine to exit and removes the
// next slot. Safe to call with no task.
func (p *prefetcher) discard() {
	t := p.task
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
	p.task = nil
	if err := p.slots.Delete(p.key, SlotNext); err != nil {
		sys.LogVoice("Failed to clear next slot in guild %s: %v", p.key, err)
	}
}
