package connection

import (
	"errors"
	"sync"
	"time"
)

type written struct {
	kind int
	data []byte
}

type fakeChannel struct {
	mu      sync.Mutex
	writes  []written
	inbound chan []byte
	closed  chan struct{}
	closes  int
	failOn  int
	once    sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan []byte, 4), closed: make(chan struct{})}
}

func (f *fakeChannel) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeChannel) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeChannel) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeChannel) WriteMessage(kind int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.writes)+1 >= f.failOn {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, written{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) snapshot() []written {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]written(nil), f.writes...)
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
