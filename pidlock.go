package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/leeineian/jukebox/sys"
)

// pidLock is an exclusive flock on the PID file. Only one instance of the
// bot may stream to a guild at a time.
type pidLock struct {
	f    *os.File
	path string
}

// acquirePIDLock takes the lock, terminating a previous instance that still
// holds it.
func acquirePIDLock(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			_ = f.Close()
			return nil, err
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil || oldPid == os.Getpid() {
			<-ticker.C
			continue
		}
		terminate(oldPid, ticker)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()
	return &pidLock{f: f, path: path}, nil
}

// terminate sends SIGTERM, then SIGKILL if pid survives five seconds.
func terminate(pid int, ticker *time.Ticker) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return
	}

	sys.LogInfo(sys.MsgBotKillingOld, pid)
	_ = process.Signal(syscall.SIGTERM)
	if waitExit(process, ticker, 5*time.Second) {
		sys.LogInfo(sys.MsgBotOldTerminated)
		return
	}

	sys.LogWarn("Old process %d is stubborn. Sending SIGKILL...", pid)
	_ = process.Signal(syscall.SIGKILL)
	if !waitExit(process, ticker, 2*time.Second) {
		sys.LogWarn("Process %d still exists after SIGKILL", pid)
		return
	}
	sys.LogInfo(sys.MsgBotOldTerminated)
}

func waitExit(process *os.Process, ticker *time.Ticker, limit time.Duration) bool {
	timeout := time.After(limit)
	for {
		select {
		case <-ticker.C:
			if err := process.Signal(syscall.Signal(0)); err != nil {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func (l *pidLock) Release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
