// Package transport 在工作区与中继之间搬运同步信封。实现异步投递信封，
// 并通过接收回调上抛入站流量。
package transport

import (
	"errors"
	"sync"

	"github.com/loomsync/loomsync/internal/syncer"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("send buffer full")
)

// Transport 双向信封管道
type Transport interface {
	// Send 把信封排入投递队列，从不阻塞在网络上
	Send(env *syncer.Envelope) error

	// OnReceive 安装入站处理器。同时只有一个处理器生效，
	// 新安装的替换旧的。
	OnReceive(fn func(env *syncer.Envelope))

	// Close 拆除传输，之后的 Send 会失败
	Close() error
}

// ChanTransport 进程内传输。NewChanPair 返回背靠背接好的两端，
// 测试和单进程模式用它替代中继连接。
type ChanTransport struct {
	mu      sync.Mutex
	peer    *ChanTransport
	handler func(env *syncer.Envelope)
	queue   chan *syncer.Envelope
	done    chan struct{}
	closed  bool
}

// NewChanPair 创建两个互联的进程内传输
func NewChanPair() (*ChanTransport, *ChanTransport) {
	a := &ChanTransport{queue: make(chan *syncer.Envelope, 256), done: make(chan struct{})}
	b := &ChanTransport{queue: make(chan *syncer.Envelope, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func (t *ChanTransport) deliverLoop() {
	for {
		select {
		case env := <-t.queue:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(env)
			}
		case <-t.done:
			return
		}
	}
}

func (t *ChanTransport) Send(env *syncer.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	peer := t.peer
	t.mu.Unlock()

	select {
	case peer.queue <- env:
		return nil
	case <-peer.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *ChanTransport) OnReceive(fn func(env *syncer.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *ChanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
