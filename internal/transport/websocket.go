package transport

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/syncer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024 * 1024

	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// WSConfig 中继连接配置
type WSConfig struct {
	// URL 中继 websocket 端点，ws:// 或 wss://
	URL string

	// Token 设置后在握手时作为 bearer Authorization 头发送
	Token string

	// Logger 日志，默认空实现
	Logger *zap.Logger
}

// WSTransport 维护到中继的 websocket 连接，链路断开时按带抖动的
// 指数退避重连。断线期间排队的信封留在发送缓冲里等待。
type WSTransport struct {
	url    string
	token  string
	logger *zap.Logger

	mu      sync.Mutex
	handler func(env *syncer.Envelope)
	closed  bool

	send   chan *syncer.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSTransport 在后台拨号中继并立即返回
func NewWSTransport(config *WSConfig) *WSTransport {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	t := &WSTransport{
		url:    config.URL,
		token:  config.Token,
		logger: config.Logger,
		send:   make(chan *syncer.Envelope, 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *WSTransport) Send(env *syncer.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- env:
		return nil
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
		t.logger.Warn("send buffer full, dropping envelope",
			zap.String("object_id", env.ObjectID),
			zap.String("type", string(env.Type)),
		)
		return ErrSendBufferFull
	}
}

func (t *WSTransport) OnReceive(fn func(env *syncer.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	<-t.done
	return nil
}

// run 负责连接生命周期：拨号、泵送直到失败、退避，循环到 Close 为止
func (t *WSTransport) run() {
	defer close(t.done)

	delay := minReconnectDelay
	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, err := t.dial()
		if err != nil {
			t.logger.Warn("relay dial failed",
				zap.String("url", t.url),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
				return
			}
			delay = nextDelay(delay)
			continue
		}

		t.logger.Info("relay connected", zap.String("url", t.url))
		delay = minReconnectDelay
		t.pump(conn)
		conn.Close()

		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("relay connection lost, reconnecting",
			zap.String("url", t.url))
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	// 抖动打散中继重启后的重连风暴
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (t *WSTransport) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, header)
	return conn, err
}

// pump 运行读写循环，任一方失败即返回
func (t *WSTransport) pump(conn *websocket.Conn) {
	connDone := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(connDone) }) }

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer stop()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := syncer.DecodeEnvelope(data)
			if err != nil {
				t.logger.Warn("dropping malformed relay message", zap.Error(err))
				continue
			}
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(env)
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env := <-t.send:
			data, err := syncer.EncodeEnvelope(env)
			if err != nil {
				t.logger.Error("failed to encode envelope", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				stop()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				stop()
				return
			}
		case <-connDone:
			return
		case <-t.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
