package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscription 一个对象上的订阅
type Subscription struct {
	ID       string
	ObjectID string

	// Origin 订阅方标识，广播器据此过滤回声
	Origin string

	// Channel 接收其他参与方发布的信封
	Channel chan *Envelope

	CreatedAt time.Time

	cancel func()
}

// Close 取消订阅
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Broadcaster 广播器接口
// 把同一对象上其他参与方（其他标签页、其他进程）的更新扇出给订阅者
type Broadcaster interface {
	// Subscribe 订阅对象变更
	Subscribe(ctx context.Context, objectID, origin string) (*Subscription, error)

	// Publish 发布信封到对象的所有订阅者
	Publish(ctx context.Context, env *Envelope) error

	// SubscriberCount 获取对象的订阅者数量
	SubscriberCount(objectID string) int

	// Close 关闭广播器
	Close() error
}

// MemoryBroadcaster 内存广播器实现
// 同进程内多个同步上下文之间的扇出
type MemoryBroadcaster struct {
	mu sync.RWMutex

	subscribers     map[string]*Subscription // subscriptionID -> Subscription
	subscribersByID map[string][]string      // objectID -> []subscriptionID

	channelBufferSize int
	logger            *zap.Logger

	closed bool
}

// NewMemoryBroadcaster 创建内存广播器
func NewMemoryBroadcaster(logger *zap.Logger) *MemoryBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemoryBroadcaster{
		subscribers:       make(map[string]*Subscription),
		subscribersByID:   make(map[string][]string),
		channelBufferSize: 100, // 默认缓冲区大小
		logger:            logger,
	}
}

// Subscribe 订阅对象变更
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, objectID, origin string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broadcaster is closed")
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		ObjectID:  objectID,
		Origin:    origin,
		Channel:   make(chan *Envelope, b.channelBufferSize),
		CreatedAt: time.Now(),
	}
	sub.cancel = func() { b.unsubscribe(sub.ID) }

	b.subscribers[sub.ID] = sub
	b.subscribersByID[objectID] = append(b.subscribersByID[objectID], sub.ID)

	b.logger.Debug("subscriber added",
		zap.String("subscription_id", sub.ID),
		zap.String("object_id", objectID),
		zap.String("origin", origin),
	)
	return sub, nil
}

func (b *MemoryBroadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)

	ids := b.subscribersByID[sub.ObjectID]
	for i, sid := range ids {
		if sid == id {
			b.subscribersByID[sub.ObjectID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.subscribersByID[sub.ObjectID]) == 0 {
		delete(b.subscribersByID, sub.ObjectID)
	}
	close(sub.Channel)
}

// Publish 发布信封到对象的所有订阅者
// 发布方自己的订阅会被跳过；接收通道已满时丢弃并告警，不阻塞发布方
func (b *MemoryBroadcaster) Publish(ctx context.Context, env *Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broadcaster is closed")
	}

	for _, sid := range b.subscribersByID[env.ObjectID] {
		sub := b.subscribers[sid]
		if sub == nil || sub.Origin == env.Origin {
			continue
		}
		select {
		case sub.Channel <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("subscriber channel full, dropping envelope",
				zap.String("subscription_id", sub.ID),
				zap.String("object_id", env.ObjectID),
			)
		}
	}
	return nil
}

// SubscriberCount 获取对象的订阅者数量
func (b *MemoryBroadcaster) SubscriberCount(objectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribersByID[objectID])
}

// Close 关闭广播器
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.Channel)
	}
	b.subscribersByID = make(map[string][]string)
	return nil
}

// RedisBroadcaster 基于 Redis Pub/Sub 的广播器实现
// 跨进程扇出，每个对象一个频道
type RedisBroadcaster struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	sub    *Subscription
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBroadcaster 创建 Redis 广播器
func NewRedisBroadcaster(client *redis.Client, logger *zap.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroadcaster{
		client: client,
		logger: logger,
		subs:   make(map[string]*redisSub),
	}
}

func redisChannel(objectID string) string {
	return "loomsync:obj:" + objectID
}

// Subscribe 订阅对象变更
func (b *RedisBroadcaster) Subscribe(ctx context.Context, objectID, origin string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broadcaster is closed")
	}

	pubsub := b.client.Subscribe(ctx, redisChannel(objectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", objectID, err)
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		ObjectID:  objectID,
		Origin:    origin,
		Channel:   make(chan *Envelope, 100),
		CreatedAt: time.Now(),
	}
	rs := &redisSub{sub: sub, pubsub: pubsub, done: make(chan struct{})}
	sub.cancel = func() { b.unsubscribe(sub.ID) }
	b.subs[sub.ID] = rs

	go b.receiveLoop(rs)
	return sub, nil
}

// receiveLoop 把 Redis 消息解码后送入订阅通道，过滤自己的回声
func (b *RedisBroadcaster) receiveLoop(rs *redisSub) {
	ch := rs.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed broadcast payload",
					zap.String("object_id", rs.sub.ObjectID),
					zap.Error(err))
				continue
			}
			if env.Origin == rs.sub.Origin {
				continue
			}
			select {
			case rs.sub.Channel <- env:
			default:
				b.logger.Warn("subscriber channel full, dropping envelope",
					zap.String("object_id", rs.sub.ObjectID))
			}
		case <-rs.done:
			return
		}
	}
}

func (b *RedisBroadcaster) unsubscribe(id string) {
	b.mu.Lock()
	rs, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(rs.done)
	rs.pubsub.Close()
	close(rs.sub.Channel)
}

// Publish 发布信封到对象的频道
func (b *RedisBroadcaster) Publish(ctx context.Context, env *Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannel(env.ObjectID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", env.ObjectID, err)
	}
	return nil
}

// SubscriberCount 获取本进程在对象上的订阅数量
func (b *RedisBroadcaster) SubscriberCount(objectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, rs := range b.subs {
		if rs.sub.ObjectID == objectID {
			count++
		}
	}
	return count
}

// Close 关闭广播器
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	for _, rs := range subs {
		close(rs.done)
		rs.pubsub.Close()
		close(rs.sub.Channel)
	}
	return nil
}
