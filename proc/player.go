package proc

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
)

// Player is the audio sink a session drives. Play starts one playback and
// returns a channel that delivers exactly one value when the playback ends,
// nil on natural end or after Stop.
type Player interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	Play(ctx context.Context, path string) (<-chan error, error)
	Stop()
	Active() bool
	ChannelID() snowflake.ID
	Close(ctx context.Context)
}

// Notifier delivers best-effort user-facing messages for a session.
type Notifier interface {
	Notify(text string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

// Recorder persists started playbacks. Errors are logged, never surfaced.
type Recorder func(ctx context.Context, key snowflake.ID, link string, prefetched bool) error
