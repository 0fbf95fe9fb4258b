// Package collab 同步核心的嵌入层。Workspace 持有本地存储、文档注册表、
// 同步上下文注册表和对账器，通过可插拔的传输与广播器接在一起。
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
	"github.com/loomsync/loomsync/internal/docreg"
	"github.com/loomsync/loomsync/internal/localstore"
	"github.com/loomsync/loomsync/internal/position"
	"github.com/loomsync/loomsync/internal/syncer"
	"github.com/loomsync/loomsync/internal/transport"
)

// OpenOptions 转发 docreg.OpenOptions 给门面的调用方
type OpenOptions = docreg.OpenOptions

// Handle 转发 OpenDocumentWithHandle 返回的文档句柄
type Handle = docreg.Handle

// Config 工作区配置
type Config struct {
	// Root 存放本地持久化状态的目录，必填
	Root string

	// Origin 过滤广播回声时标识本参与者，默认随机标识
	Origin string

	// RelayURL 设置后通过 websocket 把工作区接入中继
	RelayURL string

	// RelayToken 中继握手时作为 bearer 令牌发送
	RelayToken string

	// Transport 覆盖中继连接，供进程内接线和测试使用。
	// 设置了 RelayURL 时忽略。
	Transport transport.Transport

	// RedisClient 设置后把跨进程扇出切换到 Redis 发布订阅，
	// 否则扇出留在进程内。
	RedisClient *redis.Client

	// Broadcaster 整体覆盖扇出通道。共享的内存广播器让同进程内的
	// 多个工作区表现为兄弟标签页。所有权归调用方，由调用方关闭。
	Broadcaster syncer.Broadcaster

	// DebounceInterval 出站合批窗口，零取默认值
	DebounceInterval time.Duration

	// CleanupGrace 延迟拆除的宽限期，零取默认值
	CleanupGrace time.Duration

	// Logger 日志，默认空实现
	Logger *zap.Logger
}

// Workspace 一个同步域。同一进程可以共存多个相互独立的工作区，
// 这里没有任何包级单例。
type Workspace struct {
	logger *zap.Logger

	store          *localstore.Store
	docs           *docreg.Registry
	contexts       *syncer.ContextRegistry
	reconciler     *syncer.Reconciler
	broadcaster    syncer.Broadcaster
	ownBroadcaster bool
	transport      transport.Transport
}

// New 构建并接线一个工作区
func New(config *Config) (*Workspace, error) {
	if config == nil || config.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Origin == "" {
		config.Origin = uuid.NewString()
	}

	store, err := localstore.New(&localstore.Config{
		Root:   config.Root,
		Logger: config.Logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	docs, err := docreg.NewRegistry(&docreg.Config{
		Store:  store,
		Logger: config.Logger.Named("docreg"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	broadcaster := config.Broadcaster
	ownBroadcaster := broadcaster == nil
	if ownBroadcaster {
		if config.RedisClient != nil {
			broadcaster = syncer.NewRedisBroadcaster(config.RedisClient, config.Logger.Named("broadcast"))
		} else {
			broadcaster = syncer.NewMemoryBroadcaster(config.Logger.Named("broadcast"))
		}
	}

	tr := config.Transport
	if config.RelayURL != "" {
		tr = transport.NewWSTransport(&transport.WSConfig{
			URL:    config.RelayURL,
			Token:  config.RelayToken,
			Logger: config.Logger.Named("transport"),
		})
	}

	var sender syncer.Sender
	if tr != nil {
		sender = tr
	}

	contexts := syncer.NewContextRegistry(&syncer.Config{
		Origin:           config.Origin,
		Sender:           sender,
		Broadcaster:      broadcaster,
		DebounceInterval: config.DebounceInterval,
		CleanupGrace:     config.CleanupGrace,
		Logger:           config.Logger.Named("syncer"),
	})

	w := &Workspace{
		logger:         config.Logger,
		store:          store,
		docs:           docs,
		contexts:       contexts,
		broadcaster:    broadcaster,
		ownBroadcaster: ownBroadcaster,
		transport:      tr,
	}

	w.reconciler = syncer.NewReconciler(&syncer.ReconcilerConfig{
		Opener: syncer.OpenerFunc(func(ctx context.Context, objectID string, expectedVersion *string) (*crdt.Doc, error) {
			return docs.Open(ctx, objectID, docreg.OpenOptions{ExpectedVersion: expectedVersion})
		}),
		Logger: config.Logger.Named("reconcile"),
	})
	contexts.SetHandler(w.reconciler.Handle)

	if tr != nil {
		tr.OnReceive(contexts.Dispatch)
	}
	return w, nil
}

// OpenDocument 打开或创建 id 对应的文档，并发打开同一 id 得到同一实例
func (w *Workspace) OpenDocument(ctx context.Context, id string, opts OpenOptions) (*crdt.Doc, error) {
	return w.docs.Open(ctx, id, opts)
}

// OpenDocumentWithHandle 额外返回底层存储句柄
func (w *Workspace) OpenDocumentWithHandle(ctx context.Context, id string, opts OpenOptions) (*Handle, error) {
	return w.docs.OpenWithHandle(ctx, id, opts)
}

// CloseDocument 销毁文档的持久化状态，幂等
func (w *Workspace) CloseDocument(id string) error {
	return w.docs.Close(id)
}

// ClearAllLocalData 删除所有本地数据库，全部删除成功才返回 true。
// 被占用的数据库保留其缓存数据。
func (w *Workspace) ClearAllLocalData(ctx context.Context) bool {
	return w.docs.ClearAll(ctx)
}

// RegisterSyncContext 把文档挂接到同步管线，与同一 id 的既有持有者
// 共享上下文
func (w *Workspace) RegisterSyncContext(ctx context.Context, doc *crdt.Doc, objectID string, collabType syncer.CollabType) (*syncer.SyncContext, error) {
	version, err := w.docs.PersistedVersion(objectID)
	if err != nil {
		return nil, err
	}
	return w.contexts.Register(ctx, doc, objectID, collabType, version)
}

// ScheduleDeferredCleanup 释放对象同步上下文的一个持有者
// delay 为零时取工作区配置的宽限期默认值
func (w *Workspace) ScheduleDeferredCleanup(objectID string, delay time.Duration) {
	w.contexts.ScheduleDeferredCleanup(objectID, delay)
}

// ToRelativePosition 把编辑器坐标锚定到文档的 CRDT 内
func (w *Workspace) ToRelativePosition(doc *crdt.Doc, root *position.Node, p position.Point) (*position.Anchored, error) {
	return position.NewBridge(doc, w.logger.Named("position")).ToRelative(root, p)
}

// ToEditorPoint 把锚定位置回解为编辑器坐标，无法解析时返回 nil
func (w *Workspace) ToEditorPoint(doc *crdt.Doc, root *position.Node, a *position.Anchored) *position.Point {
	return position.NewBridge(doc, w.logger.Named("position")).ToEditorPoint(root, a)
}

// ToRelativeRange 锚定编辑器选区的两个端点
func (w *Workspace) ToRelativeRange(doc *crdt.Doc, root *position.Node, r position.Range) (anchor, focus *position.Anchored, err error) {
	return position.NewBridge(doc, w.logger.Named("position")).ToRelativeRange(root, r)
}

// ToEditorRange 把锚定选区回解为编辑器坐标，两个端点都解析成功才返回
func (w *Workspace) ToEditorRange(doc *crdt.Doc, root *position.Node, anchor, focus *position.Anchored) *position.Range {
	return position.NewBridge(doc, w.logger.Named("position")).ToEditorRange(root, anchor, focus)
}

// Close 关停工作区：先关传输避免新入站流量与拆除竞争，
// 再关上下文、注册表和存储。
func (w *Workspace) Close() error {
	var firstErr error
	if w.transport != nil {
		if err := w.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.contexts.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if w.ownBroadcaster {
		if err := w.broadcaster.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.docs.CloseRegistry(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
