package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaracil/ttypcm"
	"golang.org/x/sys/unix"
)

// pollable is implemented by PCMs that expose a descriptor to wait on.
type pollable interface {
	PollDescriptor() (fd uintptr, events int16, ok bool)
}

// host drives a PCM the way an audio framework does: it hands data over in
// periods and, whenever the device makes no progress, waits one period
// before trying again.
type host struct {
	pcm       ttypcm.PCM
	frameSize int
	wait      time.Duration
	logger    *slog.Logger
	// appl is the number of frames the host has moved so far.
	appl uint64
}

func newHost(pcm ttypcm.PCM, frameSize, periodFrames, rate int, logger *slog.Logger) *host {
	wait := time.Second * time.Duration(periodFrames) / time.Duration(rate)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return &host{pcm: pcm, frameSize: frameSize, wait: wait, logger: logger}
}

// write hands all of data to the device.
func (h *host) write(ctx context.Context, data []byte) error {
	frames := len(data) / h.frameSize
	done := 0
	for done < frames {
		n, err := h.pcm.Transfer(data[done*h.frameSize:], frames-done)
		if err != nil {
			return err
		}
		done += n
		h.appl += uint64(n)
		if n == 0 {
			if err := h.sleep(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// read fills buf with at least one frame. It only transfers once the
// device position shows input beyond what was already taken.
func (h *host) read(ctx context.Context, buf []byte) (int, error) {
	frames := len(buf) / h.frameSize
	for {
		pos, err := h.pcm.Position()
		if err != nil {
			return 0, err
		}
		if uint64(pos) > h.appl {
			n, err := h.pcm.Transfer(buf, frames)
			if err != nil {
				return 0, err
			}
			h.appl += uint64(n)
			if n > 0 {
				return n, nil
			}
		}
		if err := h.sleep(ctx); err != nil {
			return 0, err
		}
	}
}

// sleep waits up to one period for the device. A pollable device ends the
// wait as soon as it is ready.
func (h *host) sleep(ctx context.Context) error {
	h.logger.Debug("Waiting for device", "frames", h.appl, "wait", h.wait)
	if p, ok := h.pcm.(pollable); ok {
		if fd, events, ok := p.PollDescriptor(); ok {
			return h.poll(ctx, fd, events)
		}
	}
	t := time.NewTimer(h.wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *host) poll(ctx context.Context, fd uintptr, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	timeout := max(int(h.wait/time.Millisecond), 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		return ctx.Err()
	}
}
