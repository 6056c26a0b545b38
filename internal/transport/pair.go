package transport

import (
	"context"
	"sync"
)

// Pair returns two connected in-memory channels. Closing either end tears
// down both; the other end then reports an unexpected closure.
func Pair() (Channel, Channel) {
	link := &pairLink{dead: make(chan struct{})}
	a := newMemChannel(link)
	b := newMemChannel(link)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

type pairLink struct {
	dead     chan struct{}
	once     sync.Once
	closedBy *memChannel
}

type memChannel struct {
	link    *pairLink
	peer    *memChannel
	deliver chan Envelope
	out     chan Envelope
	done    chan struct{}
}

func newMemChannel(link *pairLink) *memChannel {
	return &memChannel{
		link:    link,
		deliver: make(chan Envelope, 64),
		out:     make(chan Envelope),
		done:    make(chan struct{}),
	}
}

func (m *memChannel) pump() {
	defer close(m.done)
	defer close(m.out)
	for {
		select {
		case env := <-m.deliver:
			select {
			case m.out <- env:
			case <-m.link.dead:
				return
			}
		case <-m.link.dead:
			return
		}
	}
}

func (m *memChannel) Send(ctx context.Context, env Envelope) error {
	select {
	case <-m.link.dead:
		return m.closedErr("send")
	default:
	}
	select {
	case m.peer.deliver <- env:
		return nil
	case <-m.link.dead:
		return m.closedErr("send")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memChannel) Messages() <-chan Envelope { return m.out }

func (m *memChannel) Done() <-chan struct{} { return m.done }

func (m *memChannel) Err() error {
	select {
	case <-m.link.dead:
		return m.closedErr("receive")
	default:
		return nil
	}
}

func (m *memChannel) Close() error {
	m.link.once.Do(func() {
		m.link.closedBy = m
		close(m.link.dead)
	})
	<-m.done
	return nil
}

func (m *memChannel) closedErr(op string) error {
	if m.link.closedBy == m {
		return ErrClosed
	}
	return &Error{Op: op, Err: ErrClosed}
}
