package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(timeout time.Duration, run func(ctx context.Context, link, dest string) (string, error)) *YtdlpFetcher {
	f := NewYtdlpFetcher("opus", "", timeout)
	f.run = run
	return f
}

func TestNewYtdlpFetcherDefaults(t *testing.T) {
	t.Parallel()

	f := NewYtdlpFetcher("", "socks5://127.0.0.1:9050", time.Minute)
	assert.Equal(t, "opus", f.Format)
	assert.Equal(t, "socks5://127.0.0.1:9050", f.Proxy)
	assert.Equal(t, time.Minute, f.Timeout)
	assert.NotNil(t, f.run)
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "1_current")
	f := testFetcher(0, func(_ context.Context, link, dest string) (string, error) {
		return "", os.WriteFile(dest+".opus", []byte(link), 0644)
	})

	path, err := f.Fetch(context.Background(), "https://example.com/a", dest)
	require.NoError(t, err)
	assert.Equal(t, dest+".opus", path)
}

func TestFetchToolFailure(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "1_current")
	f := testFetcher(0, func(_ context.Context, _, dest string) (string, error) {
		_ = os.WriteFile(dest+".webm.part", []byte("x"), 0644)
		return "[youtube] abc: Downloading\nERROR: Video unavailable\n\n", errors.New("yt-dlp exited with status 1")
	})

	_, err := f.Fetch(context.Background(), "https://example.com/a", dest)

	var df *DownloadFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, "ERROR: Video unavailable", df.Reason)
	assert.Equal(t, "https://example.com/a", df.Link)
	assert.NoFileExists(t, dest+".webm.part")
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "1_current")
	f := testFetcher(20*time.Millisecond, func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := f.Fetch(context.Background(), "https://example.com/a", dest)

	var df *DownloadFailure
	require.ErrorAs(t, err, &df)
	assert.Contains(t, df.Reason, "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchCancelled(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "1_next")
	ctx, cancel := context.WithCancel(context.Background())
	f := testFetcher(time.Minute, func(ctx context.Context, _, dest string) (string, error) {
		_ = os.WriteFile(dest+".opus.part", []byte("x"), 0644)
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := f.Fetch(ctx, "https://example.com/a", dest)
	assert.ErrorIs(t, err, context.Canceled)

	var df *DownloadFailure
	assert.False(t, errors.As(err, &df))
	assert.NoFileExists(t, dest+".opus.part")
}

func TestFetchNoArtifact(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "1_current")
	f := testFetcher(0, func(_ context.Context, _, dest string) (string, error) {
		return "", os.WriteFile(dest+".opus.part", []byte("x"), 0644)
	})

	_, err := f.Fetch(context.Background(), "https://example.com/a", dest)

	var df *DownloadFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, "no audio file was produced", df.Reason)
	assert.NoFileExists(t, dest+".opus.part")
}

func TestLastLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "c", lastLine("a\nb\nc\n"))
	assert.Equal(t, "b", lastLine("a\n  b  \n \n"))
	assert.Equal(t, "unknown error", lastLine(""))
}

func TestBuildYtdlpArgs(t *testing.T) {
	t.Parallel()

	args := buildYtdlpArgs()
	assert.Contains(t, args, "--extractor-args")
	assert.Contains(t, args, "--retries")

	// callers append to the result, so it must not alias the cache
	args[0] = "mutated"
	assert.NotEqual(t, "mutated", buildYtdlpArgs()[0])
}
