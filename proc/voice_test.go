package proc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamProviderDeliversFramesThenEOF(t *testing.T) {
	t.Parallel()

	p := NewStreamProvider(context.Background())
	p.Push([]byte{1})
	p.Push([]byte{2})
	p.Push(nil)

	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, f)

	f, err = p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, f)

	_, err = p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-p.Finished():
	default:
		t.Fatal("provider not finished after end of stream")
	}
}

func TestStreamProviderIdleReturnsNoFrame(t *testing.T) {
	t.Parallel()

	p := NewStreamProvider(context.Background())
	start := time.Now()
	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.GreaterOrEqual(t, time.Since(start), providerIdleWait)
}

func TestStreamProviderCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewStreamProvider(ctx)
	cancel()

	// Push must not block once cancelled, even with a full buffer
	for i := 0; i < providerBuffer+10; i++ {
		p.Push([]byte{0})
	}

	var err error
	for i := 0; i < providerBuffer+1 && err == nil; i++ {
		_, err = p.ProvideOpusFrame()
	}
	assert.ErrorIs(t, err, io.EOF)
	<-p.Finished()

	p.Close()
}
