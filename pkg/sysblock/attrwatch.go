// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sysblock

import (
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// AttrWatcher polls one sysfs attribute file for the kernel's POLLERR
// wake-up convention and invokes onChange each time it fires, after
// re-reading the file from the beginning (spec §4.5 "Watches fire by
// reading the attribute file from the beginning on EPOLLERR and
// synthesizing a change event for the array"). Grounded on
// pkg/mountinfo.Observer.Run's identical poll-on-procfs-fd technique;
// sysfs attribute files use the same notify-via-POLLERR convention as
// procfs special files.
type AttrWatcher struct {
	path string
	stop chan struct{}
	done chan struct{}
}

// WatchAttr opens path and starts polling it on a dedicated goroutine.
// Stop must be called to release the fd and goroutine.
func WatchAttr(logger logr.Logger, path string, onChange func()) (*AttrWatcher, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	w := &AttrWatcher{
		path: path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run(fd, onChange, logger.WithName("attrwatch").WithValues("path", filepath.Base(path)))
	return w, nil
}

func (w *AttrWatcher) run(fd int, onChange func(), logger logr.Logger) {
	defer unix.Close(fd)
	defer close(w.done)

	buf := make([]byte, 64)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLERR | unix.POLLPRI}}
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Error(err, "poll attribute")
			return
		}
		if n == 0 {
			continue // timeout: re-check stop and loop
		}

		if _, err := unix.Seek(fd, 0, 0); err != nil {
			logger.Error(err, "seek attribute")
			continue
		}
		_, _ = unix.Read(fd, buf)

		onChange()
	}
}

// Stop closes the watcher's fd and blocks until its goroutine exits.
func (w *AttrWatcher) Stop() {
	close(w.stop)
	<-w.done
}
