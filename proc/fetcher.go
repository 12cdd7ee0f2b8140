package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/jukebox/sys"
	"github.com/lrstanley/go-ytdlp"
)

// Fetcher downloads a link into the slot base dest and returns the path of the
// artifact it produced. Implementations must honour ctx cancellation and must
// not leave partial files behind on failure.
type Fetcher interface {
	Fetch(ctx context.Context, link, dest string) (string, error)
}

// YtdlpFetcher runs yt-dlp once per fetch. Success is decided by the exit
// status alone; the artifact is then located by scanning dest.*.
type YtdlpFetcher struct {
	Format  string
	Proxy   string
	Timeout time.Duration

	// run executes the download. Tests replace it.
	run func(ctx context.Context, link, dest string) (stderr string, err error)
}

func NewYtdlpFetcher(format, proxy string, timeout time.Duration) *YtdlpFetcher {
	if format == "" {
		format = "opus"
	}
	f := &YtdlpFetcher{
		Format:  format,
		Proxy:   proxy,
		Timeout: timeout,
	}
	f.run = f.runYtdlp
	return f
}

func (f *YtdlpFetcher) Fetch(ctx context.Context, link, dest string) (string, error) {
	parent := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	start := time.Now()
	stderr, err := f.run(ctx, link, dest)
	if err != nil {
		_ = removeBase(dest)
		if parent.Err() != nil {
			return "", parent.Err()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &DownloadFailure{
				Link:   link,
				Reason: fmt.Sprintf("timed out after %v", f.Timeout),
				Err:    context.DeadlineExceeded,
			}
		}
		return "", &DownloadFailure{Link: link, Reason: lastLine(stderr), Err: err}
	}

	path, ok := findArtifact(dest)
	if !ok {
		_ = removeBase(dest)
		return "", &DownloadFailure{Link: link, Reason: "no audio file was produced"}
	}

	if info, statErr := os.Stat(path); statErr == nil {
		sys.LogVoiceDebug("Fetched %s -> %s (%d bytes in %v)", link, path, info.Size(), time.Since(start).Round(time.Millisecond))
	}
	return path, nil
}

func (f *YtdlpFetcher) runYtdlp(ctx context.Context, link, dest string) (string, error) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		NoPlaylist().
		NoCheckCertificates().
		Format("bestaudio/best").
		Output(dest + ".%(ext)s")

	if f.Proxy != "" {
		cmd.Proxy(f.Proxy)
	}

	args := buildYtdlpArgs()
	args = append(args, "--extract-audio", "--audio-format", f.Format, link)

	execCmd := cmd.BuildCommand(ctx, args...)
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	execCmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stderr.String(), fmt.Errorf("yt-dlp exited with status %d", exitErr.ExitCode())
		}
		return stderr.String(), err
	}
	return stderr.String(), nil
}

var (
	cachedJSArgs []string
	jsOnce       sync.Once
)

// buildYtdlpArgs returns the args shared by every yt-dlp invocation.
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "30",
		"--retries", "10",
		"--fragment-retries", "10",
	)
	return args
}

// lastLine returns the last non-empty line of tool output.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "unknown error"
}
