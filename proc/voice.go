package proc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

const (
	connectAttempts  = 3
	connectBackoff   = time.Second
	providerBuffer   = 100
	providerIdleWait = 100 * time.Millisecond
)

// --- Voice player ---

var _ Player = (*VoicePlayer)(nil)

// VoicePlayer plays local files into a Discord voice connection.
type VoicePlayer struct {
	guildID snowflake.ID
	newConn func() voice.Conn

	// serializes Connect and Close
	connMu sync.Mutex

	mu        sync.Mutex
	conn      voice.Conn
	channelID snowflake.ID
	joined    bool
	provider  *StreamProvider
	stop      context.CancelFunc
}

func NewVoicePlayer(client *bot.Client, guildID snowflake.ID) *VoicePlayer {
	return &VoicePlayer{
		guildID: guildID,
		newConn: func() voice.Conn {
			return client.VoiceManager.CreateConn(guildID)
		},
	}
}

// Connect joins channelID. Moving to another channel replaces the connection
// and carries the current stream over.
func (p *VoicePlayer) Connect(ctx context.Context, channelID snowflake.ID) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	p.mu.Lock()
	if p.joined && p.channelID == channelID {
		p.mu.Unlock()
		return nil
	}
	old := p.conn
	p.conn, p.joined = nil, false
	p.mu.Unlock()

	if old != nil {
		old.Close(ctx)
	}

	var conn voice.Conn
	var err error
	backoff := connectBackoff
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn = p.newConn()
		if err = conn.Open(ctx, channelID, false, false); err == nil {
			break
		}
		conn.Close(ctx)
		sys.LogVoice("Voice connect attempt %d/%d failed in guild %s: %v", attempt, connectAttempts, p.guildID, err)
		if attempt == connectAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	p.mu.Lock()
	p.conn = conn
	p.channelID = channelID
	p.joined = true
	prov := p.provider
	p.mu.Unlock()

	if prov != nil {
		p.attach(conn, prov)
	}
	sys.LogVoice("Joined channel %s in guild %s", channelID, p.guildID)
	return nil
}

func (p *VoicePlayer) Play(ctx context.Context, path string) (<-chan error, error) {
	p.mu.Lock()
	if !p.joined || p.conn == nil {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()

	t := NewTranscoder()
	if err := t.Open(path); err != nil {
		t.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	prov := NewStreamProvider(ctx)
	finished := make(chan error, 1)

	p.mu.Lock()
	p.provider = prov
	p.stop = cancel
	conn := p.conn
	p.mu.Unlock()

	go func() {
		defer cancel()
		err := t.Run(ctx, prov.Push)
		t.Close()
		prov.Push(nil)

		select {
		case <-prov.Finished():
		case <-ctx.Done():
		}
		p.release(prov)

		if errors.Is(err, context.Canceled) {
			err = nil
		}
		finished <- err
	}()

	p.attach(conn, prov)
	return finished, nil
}

// Stop ends the current playback. Its finished channel still fires.
func (p *VoicePlayer) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *VoicePlayer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *VoicePlayer) ChannelID() snowflake.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelID
}

// MarkDisconnected records that the bot was removed from voice from outside,
// ending any playback so the session can notice.
func (p *VoicePlayer) MarkDisconnected() {
	p.mu.Lock()
	p.joined = false
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// MarkMoved follows a move of the bot to another channel by someone else.
func (p *VoicePlayer) MarkMoved(channelID snowflake.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joined {
		p.channelID = channelID
	}
}

func (p *VoicePlayer) Close(ctx context.Context) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	p.mu.Lock()
	stop, conn := p.stop, p.conn
	p.conn, p.joined, p.provider = nil, false, nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close(ctx)
	}
}

func (p *VoicePlayer) attach(conn voice.Conn, prov *StreamProvider) {
	if conn == nil {
		return
	}
	setFrameProvider(conn, prov)
	if err := conn.SetSpeaking(context.TODO(), voice.SpeakingFlagMicrophone); err != nil {
		sys.LogVoiceDebug("SetSpeaking failed in guild %s: %v", p.guildID, err)
	}
}

// release detaches prov if it is still the active stream.
func (p *VoicePlayer) release(prov *StreamProvider) {
	p.mu.Lock()
	if p.provider != prov {
		p.mu.Unlock()
		return
	}
	p.provider = nil
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		setFrameProvider(conn, nil)
		_ = conn.SetSpeaking(context.TODO(), 0)
	}
}

// setFrameProvider guards against the connection panicking when it is torn
// down concurrently.
func setFrameProvider(conn voice.Conn, prov voice.OpusFrameProvider) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogVoice("Recovered from panic in SetOpusFrameProvider: %v", r)
		}
	}()
	if prov == nil {
		conn.SetOpusFrameProvider(nil)
		return
	}
	conn.SetOpusFrameProvider(prov)
}

// --- Frame provider ---

// StreamProvider buffers encoded frames between the transcoder and the voice
// connection. A nil frame marks the end of the stream.
type StreamProvider struct {
	ctx      context.Context
	frames   chan []byte
	finished chan struct{}
	once     sync.Once
}

func NewStreamProvider(ctx context.Context) *StreamProvider {
	return &StreamProvider{
		ctx:      ctx,
		frames:   make(chan []byte, providerBuffer),
		finished: make(chan struct{}),
	}
}

// Push blocks until the frame is buffered or the stream is cancelled.
func (p *StreamProvider) Push(frame []byte) {
	select {
	case p.frames <- frame:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case f := <-p.frames:
		if f == nil {
			p.Close()
			return nil, io.EOF
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(providerIdleWait):
		return nil, nil
	}
}

// Finished is closed once the connection has consumed the end of the stream.
func (p *StreamProvider) Finished() <-chan struct{} {
	return p.finished
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		close(p.finished)
	})
}
