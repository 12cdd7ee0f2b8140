package proc

import (
	"sync"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
	"golang.org/x/time/rate"
)

const (
	notifyRate  = rate.Limit(1)
	notifyBurst = 5
)

type sendFunc func(channelID snowflake.ID, text string) error

// ChannelNotifier posts session messages to the text channel the last
// command came from. Sends are asynchronous and rate limited; anything over
// the limit is logged and dropped. The limit survives Retarget.
type ChannelNotifier struct {
	send    sendFunc
	limiter *rate.Limiter

	mu        sync.Mutex
	channelID snowflake.ID
}

func newChannelNotifier(channelID snowflake.ID, send sendFunc) *ChannelNotifier {
	return &ChannelNotifier{
		send:      send,
		channelID: channelID,
		limiter:   rate.NewLimiter(notifyRate, notifyBurst),
	}
}

func (n *ChannelNotifier) ChannelID() snowflake.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channelID
}

// Retarget points later messages at channelID.
func (n *ChannelNotifier) Retarget(channelID snowflake.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channelID = channelID
}

func (n *ChannelNotifier) Notify(text string) {
	channelID := n.ChannelID()
	if !n.limiter.Allow() {
		sys.LogVoiceDebug("Dropped notification to %s: %s", channelID, text)
		return
	}
	sys.SafeGo(func() {
		if err := n.send(channelID, text); err != nil {
			sys.LogVoice(sys.MsgVoiceNotifyFailed, channelID, err)
		}
	})
}

// ChannelNotifiers keeps one notifier per guild so every command rebinds
// the same limiter instead of starting a fresh one.
type ChannelNotifiers struct {
	send sendFunc

	mu    sync.Mutex
	byKey map[snowflake.ID]*ChannelNotifier
}

func NewChannelNotifiers(client *bot.Client) *ChannelNotifiers {
	return newChannelNotifiers(func(channelID snowflake.ID, text string) error {
		_, err := sys.SendMessageV2(*client, channelID, sys.TextContainer(text), nil)
		return err
	})
}

func newChannelNotifiers(send sendFunc) *ChannelNotifiers {
	return &ChannelNotifiers{
		send:  send,
		byKey: make(map[snowflake.ID]*ChannelNotifier),
	}
}

// For returns the guild's notifier pointed at channelID.
func (r *ChannelNotifiers) For(key, channelID snowflake.ID) *ChannelNotifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byKey[key]
	if !ok {
		n = newChannelNotifier(channelID, r.send)
		r.byKey[key] = n
		return n
	}
	n.Retarget(channelID)
	return n
}
