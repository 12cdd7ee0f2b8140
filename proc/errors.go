package proc

import (
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

var (
	// ErrQueueEmpty is returned by Pop on an empty queue. Benign.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrNotPlaying is returned by Skip when nothing is playing or being fetched.
	ErrNotPlaying = errors.New("nothing is playing")
	// ErrSessionClosed is returned by every Session call after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotConnected is returned by a Player asked to play while not in a channel.
	ErrNotConnected = errors.New("not connected to a voice channel")

	errStalePrefetch = errors.New("stale prefetch")
)

// DownloadFailure reports that the fetch tool could not produce an artifact.
type DownloadFailure struct {
	Link   string
	Reason string
	Err    error
}

func (e *DownloadFailure) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("download %s: %s", e.Link, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("download %s: %v", e.Link, e.Err)
	}
	return fmt.Sprintf("download %s failed", e.Link)
}

func (e *DownloadFailure) Unwrap() error { return e.Err }

// ConnectionFailure reports that playback could not start because the player
// is not in a voice channel.
type ConnectionFailure struct {
	ChannelID snowflake.ID
	Err       error
}

func (e *ConnectionFailure) Error() string {
	if e.ChannelID != 0 {
		return fmt.Sprintf("voice connection to %s: %v", e.ChannelID, e.Err)
	}
	return fmt.Sprintf("voice connection: %v", e.Err)
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }
