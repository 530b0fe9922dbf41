//go:build linux

package engine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance plus an eventfd that serves as the request
// wake flag: producers raise it after every push, and the I/O goroutine sees
// it as just another readable fd in the same wait.
type poller struct {
	epfd   int
	wakeFd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &poller{epfd: epfd, wakeFd: wakeFd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		p.close()
		return nil, fmt.Errorf("epoll_ctl wake fd: %w", err)
	}
	return p, nil
}

// add registers a connection fd for edge-triggered input readiness. Edge
// triggering requires the owner to read until EAGAIN on every readiness
// event; connection.drainResults honors that contract.
func (p *poller) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) {
	// The event argument is ignored for EPOLL_CTL_DEL but must be non-nil
	// on older kernels.
	var ev unix.EpollEvent
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

// wait blocks until at least one registered fd is ready. EINTR is retried
// transparently.
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		return n, nil
	}
}

// wake raises the request flag. Raising an already-raised flag is a no-op at
// the eventfd level: the counter accumulates and a single read clears it.
func (p *poller) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(p.wakeFd, buf[:])
}

// clearWake lowers the request flag. The caller re-checks the request queue
// after clearing, which closes the race against a producer raising the flag
// between the check and the sleep.
func (p *poller) clearWake() {
	var buf [8]byte
	unix.Read(p.wakeFd, buf[:])
}

func (p *poller) close() {
	unix.Close(p.wakeFd)
	unix.Close(p.epfd)
}
