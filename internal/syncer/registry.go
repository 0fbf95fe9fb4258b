package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
)

const (
	// defaultDebounceInterval 出站更新的合并窗口
	defaultDebounceInterval = 100 * time.Millisecond

	// defaultCleanupGrace 延迟清理的宽限期
	defaultCleanupGrace = 3 * time.Second
)

// Handler 入站信封处理器
type Handler func(sc *SyncContext, env *Envelope)

// SyncContext 同步上下文
// 把一个 CRDT 文档和它的网络同步管线绑定在一起，被多个持有者引用计数共享
type SyncContext struct {
	registry *ContextRegistry

	objectID   string
	collabType CollabType
	origin     string

	mu      sync.Mutex
	doc     *crdt.Doc
	version *string

	// 所有权状态机：ownerCount 归零时安排延迟清理，
	// 宽限期内出现新持有者则取消
	ownerCount      int
	pendingTeardown *time.Timer
	tornDown        bool

	// 出站合并
	pendingOut    [][]byte
	debounceTimer *time.Timer

	updateSub  int
	destroySub int
	sub        *Subscription
	done       chan struct{}
}

// ObjectID 对象标识
func (sc *SyncContext) ObjectID() string { return sc.objectID }

// CollabType 协作对象类型
func (sc *SyncContext) CollabType() CollabType { return sc.collabType }

// Doc 当前绑定的文档
func (sc *SyncContext) Doc() *crdt.Doc {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.doc
}

// Version 当前数据版本标签
func (sc *SyncContext) Version() *string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.version
}

// OwnerCount 当前持有者数量
func (sc *SyncContext) OwnerCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.ownerCount
}

// Config 同步上下文注册表配置
type Config struct {
	// Origin 本参与方标识，用于过滤回声
	Origin string

	// Sender 出站传输，可以为空（纯本地模式）
	Sender Sender

	// Broadcaster 跨参与方扇出，可以为空
	Broadcaster Broadcaster

	// Handler 入站信封处理器
	Handler Handler

	// DebounceInterval 出站合并窗口，为零时取默认值
	DebounceInterval time.Duration

	// CleanupGrace 延迟清理宽限期，为零时取默认值
	CleanupGrace time.Duration

	// Logger 日志
	Logger *zap.Logger
}

// ContextRegistry 同步上下文注册表
// 同一对象标识共享一个上下文，最后一个持有者释放后延迟拆除
type ContextRegistry struct {
	origin      string
	sender      Sender
	broadcaster Broadcaster
	handler     Handler
	debounce    time.Duration
	grace       time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	contexts map[string]*SyncContext
	closed   bool
}

// NewContextRegistry 创建同步上下文注册表
func NewContextRegistry(config *Config) *ContextRegistry {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaultDebounceInterval
	}
	if config.CleanupGrace <= 0 {
		config.CleanupGrace = defaultCleanupGrace
	}

	return &ContextRegistry{
		origin:      config.Origin,
		sender:      config.Sender,
		broadcaster: config.Broadcaster,
		handler:     config.Handler,
		debounce:    config.DebounceInterval,
		grace:       config.CleanupGrace,
		logger:      config.Logger,
		contexts:    make(map[string]*SyncContext),
	}
}

// SetHandler 设置入站处理器
// 允许在调和器构造之后再接线
func (r *ContextRegistry) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Register 注册同步上下文
// 已存在同一对象的上下文时增加持有者计数并取消待执行的拆除
func (r *ContextRegistry) Register(ctx context.Context, doc *crdt.Doc, objectID string, collabType CollabType, version *string) (*SyncContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("context registry is closed")
	}

	if sc, ok := r.contexts[objectID]; ok {
		sc.mu.Lock()
		sc.ownerCount++
		if sc.pendingTeardown != nil {
			sc.pendingTeardown.Stop()
			sc.pendingTeardown = nil
			r.logger.Debug("deferred cleanup cancelled",
				zap.String("object_id", objectID))
		}
		sc.mu.Unlock()

		if sc.Doc() != doc {
			sc.rebind(doc, version)
		}
		return sc, nil
	}

	sc := &SyncContext{
		registry:   r,
		objectID:   objectID,
		collabType: collabType,
		origin:     r.origin,
		doc:        doc,
		version:    version,
		ownerCount: 1,
		done:       make(chan struct{}),
	}
	sc.attach(doc)

	if r.broadcaster != nil {
		sub, err := r.broadcaster.Subscribe(ctx, objectID, r.origin)
		if err != nil {
			return nil, err
		}
		sc.sub = sub
		go sc.inboundLoop()
	}

	r.contexts[objectID] = sc

	r.logger.Info("sync context registered",
		zap.String("object_id", objectID),
		zap.String("collab_type", string(collabType)),
	)

	// 注册后立即向对端请求完整状态回放
	sc.sendEnvelope(&Envelope{
		ObjectID:   objectID,
		CollabType: collabType,
		Type:       MessageTypeSyncRequest,
		Origin:     r.origin,
		Version:    version,
		Timestamp:  time.Now(),
	})
	return sc, nil
}

// Lookup 查找对象的同步上下文
func (r *ContextRegistry) Lookup(objectID string) (*SyncContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.contexts[objectID]
	return sc, ok
}

// Dispatch 把入站信封路由到对应的同步上下文
// 没有匹配上下文的信封被丢弃
func (r *ContextRegistry) Dispatch(env *Envelope) {
	r.mu.Lock()
	sc, ok := r.contexts[env.ObjectID]
	handler := r.handler
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("no sync context for inbound envelope",
			zap.String("object_id", env.ObjectID))
		return
	}
	if handler != nil {
		handler(sc, env)
	}
}

// ScheduleDeferredCleanup 释放一个持有者
// 计数归零时在 delay 之后拆除，delay 为零时取注册表的宽限期默认值；
// 宽限期内重新注册会取消拆除
func (r *ContextRegistry) ScheduleDeferredCleanup(objectID string, delay time.Duration) {
	r.mu.Lock()
	sc, ok := r.contexts[objectID]
	grace := r.grace
	r.mu.Unlock()
	if !ok {
		return
	}
	if delay > 0 {
		grace = delay
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.ownerCount > 0 {
		sc.ownerCount--
	}
	if sc.ownerCount > 0 || sc.pendingTeardown != nil || sc.tornDown {
		return
	}

	r.logger.Debug("deferred cleanup scheduled",
		zap.String("object_id", objectID),
		zap.Duration("grace", grace))

	sc.pendingTeardown = time.AfterFunc(grace, func() {
		sc.mu.Lock()
		// 定时器触发和重新注册之间存在竞争，以触发时刻的计数为准
		if sc.ownerCount > 0 || sc.tornDown {
			sc.pendingTeardown = nil
			sc.mu.Unlock()
			return
		}
		sc.pendingTeardown = nil
		sc.mu.Unlock()
		r.teardown(sc)
	})
}

// teardown 拆除同步上下文：冲刷残留的出站更新并断开所有订阅
func (r *ContextRegistry) teardown(sc *SyncContext) {
	sc.mu.Lock()
	if sc.tornDown {
		sc.mu.Unlock()
		return
	}
	sc.tornDown = true
	doc := sc.doc
	sc.mu.Unlock()

	sc.flushOutbound()

	if doc != nil {
		doc.OffUpdate(sc.updateSub)
		doc.OffDestroy(sc.destroySub)
	}
	if sc.sub != nil {
		sc.sub.Close()
	}
	close(sc.done)

	r.mu.Lock()
	if r.contexts[sc.objectID] == sc {
		delete(r.contexts, sc.objectID)
	}
	r.mu.Unlock()

	r.logger.Info("sync context torn down",
		zap.String("object_id", sc.objectID))
}

// Close 关闭注册表，拆除所有上下文
func (r *ContextRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	contexts := make([]*SyncContext, 0, len(r.contexts))
	for _, sc := range r.contexts {
		contexts = append(contexts, sc)
	}
	r.mu.Unlock()

	for _, sc := range contexts {
		sc.mu.Lock()
		if sc.pendingTeardown != nil {
			sc.pendingTeardown.Stop()
			sc.pendingTeardown = nil
		}
		sc.ownerCount = 0
		sc.mu.Unlock()
		r.teardown(sc)
	}
	return nil
}

// attach 把文档的本地更新接入出站合并管线
func (sc *SyncContext) attach(doc *crdt.Doc) {
	sc.updateSub = doc.OnUpdate(sc.onLocalUpdate)
	// 文档销毁时同步冲刷，避免丢失最后一批更新
	sc.destroySub = doc.OnDestroy(sc.flushOutbound)
}

// rebind 把上下文换绑到新的文档实例
// 版本重置后调和器用重建的文档替换旧文档
func (sc *SyncContext) rebind(doc *crdt.Doc, version *string) {
	sc.mu.Lock()
	old := sc.doc
	sc.doc = doc
	sc.version = version
	sc.mu.Unlock()

	if old != nil && old != doc {
		old.OffUpdate(sc.updateSub)
		old.OffDestroy(sc.destroySub)
	}
	sc.attach(doc)
}

// onLocalUpdate 缓冲本地更新，在合并窗口结束后一次性发出
func (sc *SyncContext) onLocalUpdate(update []byte) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.tornDown {
		return
	}
	sc.pendingOut = append(sc.pendingOut, update)
	if sc.debounceTimer == nil {
		sc.debounceTimer = time.AfterFunc(sc.registry.debounce, sc.flushOutbound)
	}
}

// flushOutbound 立即发出缓冲中的更新
func (sc *SyncContext) flushOutbound() {
	sc.mu.Lock()
	if sc.debounceTimer != nil {
		sc.debounceTimer.Stop()
		sc.debounceTimer = nil
	}
	batch := sc.pendingOut
	sc.pendingOut = nil
	version := sc.version
	sc.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	merged, err := crdt.MergeUpdates(batch)
	if err != nil {
		sc.registry.logger.Error("failed to merge outbound updates",
			zap.String("object_id", sc.objectID),
			zap.Error(err))
		return
	}

	sc.sendEnvelope(&Envelope{
		ObjectID:   sc.objectID,
		CollabType: sc.collabType,
		Type:       MessageTypeUpdate,
		Origin:     sc.origin,
		Version:    version,
		Payload:    merged,
		Timestamp:  time.Now(),
	})
}

// sendEnvelope 同时走传输层和广播器
func (sc *SyncContext) sendEnvelope(env *Envelope) {
	r := sc.registry
	if r.sender != nil {
		if err := r.sender.Send(env); err != nil {
			r.logger.Warn("failed to send envelope",
				zap.String("object_id", sc.objectID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
		}
	}
	if r.broadcaster != nil {
		if err := r.broadcaster.Publish(context.Background(), env); err != nil {
			r.logger.Warn("failed to publish envelope",
				zap.String("object_id", sc.objectID),
				zap.Error(err))
		}
	}
}

// inboundLoop 消费广播订阅并交给处理器
func (sc *SyncContext) inboundLoop() {
	for {
		select {
		case env, ok := <-sc.sub.Channel:
			if !ok {
				return
			}
			sc.registry.mu.Lock()
			handler := sc.registry.handler
			sc.registry.mu.Unlock()
			if handler != nil {
				handler(sc, env)
			}
		case <-sc.done:
			return
		}
	}
}
