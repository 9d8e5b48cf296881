//go:build linux

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// PresenceEvent reports the removable media backing the persistent layout
// becoming usable or unusable.
type PresenceEvent struct {
	Device  string
	Present bool
}

// WatchPresence publishes a PresenceEvent whenever the named device node
// (e.g. "sda1") changes availability, starting with its current state.
// Inotify activity under /dev is treated as a hint only: each event naming
// the device triggers a fresh stat of the node, and an event is published
// solely on a state transition, so consumers never see repeats for the
// churn a hotplug burst produces. When a Layout is supplied, an appearing
// device must also pass the layout's write probe before it is reported
// present; a node that exists but is not mountable/writable is still
// absent as far as the daemon is concerned.
func WatchPresence(name string, layout *Layout, ch chan<- PresenceEvent) error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("storage: inotify_init1: %w", err)
	}
	f := os.NewFile(uintptr(fd), "inotify:/dev")
	if _, err := unix.InotifyAddWatch(fd, "/dev", unix.IN_CREATE|unix.IN_DELETE|unix.IN_ATTRIB); err != nil {
		f.Close()
		return fmt.Errorf("storage: watch /dev: %w", err)
	}

	node := filepath.Join("/dev", name)
	usable := func() bool {
		if _, err := os.Stat(node); err != nil {
			return false
		}
		if layout == nil {
			return true
		}
		_, err := Mount(layout.Root)
		return err == nil
	}

	go func() {
		defer f.Close()
		last := usable()
		ch <- PresenceEvent{Device: name, Present: last}
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if err != nil {
				return
			}
			if !eventsName(buf[:n], name) {
				continue
			}
			if now := usable(); now != last {
				last = now
				ch <- PresenceEvent{Device: name, Present: now}
			}
		}
	}()
	return nil
}

// eventsName reports whether any inotify event in buf names target.
// Events are decoded by offset per inotify(7): a fixed header (wd, mask,
// cookie, then a name length) followed by that many NUL-padded name bytes.
func eventsName(buf []byte, target string) bool {
	const lenOff = unix.SizeofInotifyEvent - 4
	for len(buf) >= unix.SizeofInotifyEvent {
		nameLen := int(binary.LittleEndian.Uint32(buf[lenOff : lenOff+4]))
		end := unix.SizeofInotifyEvent + nameLen
		if end > len(buf) {
			break
		}
		name := string(bytes.TrimRight(buf[unix.SizeofInotifyEvent:end], "\x00"))
		if name == target {
			return true
		}
		buf = buf[end:]
	}
	return false
}
