package adapter

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller is a level-triggered epoll set.
type poller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// add registers fd for events.
func (p *poller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// modify replaces the interest mask of a registered fd. Hang-ups and errors
// are reported even with an empty mask.
func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll modify fd %d: %w", fd, err)
	}
	return nil
}

// remove deregisters fd. Removing an fd that is not registered is not an
// error.
func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll remove fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks for up to timeoutMs (-1 forever). An interrupted wait returns
// no events and no error.
func (p *poller) wait(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	return p.events[:n], nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
