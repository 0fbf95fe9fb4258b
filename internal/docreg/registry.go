package docreg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
	"github.com/loomsync/loomsync/internal/localstore"
)

var (
	ErrRegistryClosed = errors.New("document registry closed")
)

// OpenOptions 打开文档的可选参数
type OpenOptions struct {
	// ExpectedVersion 期望的版本标签
	// 与持久化版本不一致时（包括没有持久化版本的情况），本地状态会被
	// 整体丢弃并在期望版本上重建，不做向前合并
	ExpectedVersion *string

	// CurrentUser 当前用户标识 (记录在文档元数据中)
	CurrentUser string

	// AwaitSync 是否在返回前等待首次水合完成信号
	// 只写不读的调用方可以跳过等待
	AwaitSync bool
}

// Handle 文档句柄
// 除文档实例外还携带底层存储句柄，调用方可以显式销毁它
type Handle struct {
	Doc *crdt.Doc
	DB  *localstore.DB

	// Synced 首次水合完成后关闭
	Synced <-chan struct{}
}

// entry 注册表中一个已打开文档的记录
type entry struct {
	doc        *crdt.Doc
	db         *localstore.DB
	synced     chan struct{}
	persistSub int
	appliedSub int
}

// detach 停止本地提交和远端应用两路落盘
func (e *entry) detach() {
	e.doc.OffUpdate(e.persistSub)
	e.doc.OffApplied(e.appliedSub)
}

// Config 注册表配置
type Config struct {
	// Store 持久化存储
	Store *localstore.Store

	// Logger 日志
	Logger *zap.Logger
}

// Registry 文档句柄注册表
// 按稳定标识打开/创建/销毁 CRDT 文档，保证同一标识只存在一个内存实例
type Registry struct {
	store  *localstore.Store
	logger *zap.Logger

	mu     sync.Mutex
	open   map[string]*entry
	closed bool
}

// NewRegistry 创建文档句柄注册表
func NewRegistry(config *Config) (*Registry, error) {
	if config == nil || config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Registry{
		store:  config.Store,
		logger: config.Logger,
		open:   make(map[string]*entry),
	}, nil
}

// Open 打开文档
// 同一标识的并发调用返回同一个文档实例；期望版本不一致时丢弃本地状态重建
func (r *Registry) Open(ctx context.Context, id string, opts OpenOptions) (*crdt.Doc, error) {
	h, err := r.OpenWithHandle(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return h.Doc, nil
}

// OpenWithHandle 打开文档并返回底层存储句柄
func (r *Registry) OpenWithHandle(ctx context.Context, id string, opts OpenOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := r.openHandle(id, opts)
	if err != nil {
		return nil, err
	}
	if opts.AwaitSync {
		select {
		case <-h.Synced:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h, nil
}

func (r *Registry) openHandle(id string, opts OpenOptions) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	if e, ok := r.open[id]; ok {
		matches, err := r.versionMatches(e.db, opts.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if matches {
			return &Handle{Doc: e.doc, DB: e.db, Synced: e.synced}, nil
		}
		// 期望版本不一致：现有实例被替换，由调用方负责换掉对它的引用
		r.detachLocked(id, e)
	}

	e, err := r.loadLocked(id, opts)
	if err != nil {
		return nil, err
	}
	r.open[id] = e
	return &Handle{Doc: e.doc, DB: e.db, Synced: e.synced}, nil
}

// versionMatches 判断期望版本与持久化版本是否一致
func (r *Registry) versionMatches(db *localstore.DB, expected *string) (bool, error) {
	if expected == nil {
		return true, nil
	}
	persisted, ok, err := db.Version()
	if err != nil {
		return false, err
	}
	return ok && persisted == *expected, nil
}

// loadLocked 从存储加载文档，必要时丢弃旧状态重建
func (r *Registry) loadLocked(id string, opts OpenOptions) (*entry, error) {
	db, err := r.store.OpenDatabase(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage for %s: %w", id, err)
	}

	doc := crdt.NewDoc()
	synced := make(chan struct{})

	matches, err := r.versionMatches(db, opts.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if !matches {
		persisted, _, _ := db.Version()
		r.logger.Info("version mismatch, discarding local state",
			zap.String("object_id", id),
			zap.String("persisted_version", persisted),
			zap.String("expected_version", *opts.ExpectedVersion))

		if err := db.Clear(); err != nil {
			return nil, err
		}
		if err := db.SetVersion(*opts.ExpectedVersion); err != nil {
			return nil, err
		}
	} else {
		updates, err := db.LoadUpdates()
		if err != nil {
			return nil, err
		}
		for _, u := range updates {
			if err := doc.ApplyUpdate(u); err != nil {
				// 个别损坏的更新跳过，不放弃整个文档
				r.logger.Warn("skipping corrupt persisted update",
					zap.String("object_id", id),
					zap.Error(err))
			}
		}
	}

	if opts.CurrentUser != "" {
		doc.SetMeta("last_opened_by", opts.CurrentUser)
	}

	// 本地提交和远端应用的更新全部落盘；远端一路必须在水合回放之后
	// 订阅，否则回放本身会被重复写回日志
	persist := func(update []byte) {
		if err := db.AppendUpdate(update); err != nil {
			r.logger.Error("failed to persist update",
				zap.String("object_id", id),
				zap.Error(err))
		}
	}
	sub := doc.OnUpdate(persist)
	appliedSub := doc.OnApplied(persist)

	// 水合在本进程内同步完成，信号仍然保留给调用方
	close(synced)

	r.logger.Debug("document opened",
		zap.String("object_id", id))

	return &entry{doc: doc, db: db, synced: synced, persistSub: sub, appliedSub: appliedSub}, nil
}

// detachLocked 把记录从注册表摘除并停止落盘
func (r *Registry) detachLocked(id string, e *entry) {
	e.detach()
	delete(r.open, id)
}

// Close 关闭文档并销毁其持久化状态
// 对不存在的标识调用是无害的幂等操作
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	if e, ok := r.open[id]; ok {
		r.detachLocked(id, e)
		r.mu.Unlock()
		if err := e.db.Destroy(); err != nil {
			return err
		}
		return nil
	}
	r.mu.Unlock()

	// 内存中没有实例：重建一个句柄并对持久层发起销毁
	if err := r.store.DeleteDatabase(id); err != nil {
		if errors.Is(err, localstore.ErrDatabaseMissing) {
			return nil
		}
		return err
	}
	return nil
}

// PersistedVersion 读取文档的持久化版本标签，没有时返回 nil
func (r *Registry) PersistedVersion(id string) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	db, err := r.store.OpenDatabase(id)
	if err != nil {
		return nil, err
	}
	v, ok, err := db.Version()
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// IsOpen 判断文档当前是否在内存中
func (r *Registry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[id]
	return ok
}

// ClearAll 枚举并删除所有本地数据库
// 被其他持有者阻塞的数据库会被跳过，其关联的缓存数据也不清理；
// 只有全部删除成功才返回 true
func (r *Registry) ClearAll(ctx context.Context) bool {
	names, err := r.store.List()
	if err != nil {
		r.logger.Error("failed to enumerate local databases", zap.Error(err))
		return false
	}

	success := true
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return false
		}

		if e, ok := r.takeEntry(name); ok {
			e.detach()
		}

		if err := r.store.DeleteDatabase(name); err != nil {
			success = false
			if errors.Is(err, localstore.ErrDatabaseBlocked) {
				// 其他标签页仍持有该库：跳过它的缓存数据，避免误删仍被引用的内容
				r.logger.Warn("database blocked, keeping its cached blobs",
					zap.String("object_id", name))
				continue
			}
			r.logger.Error("failed to delete database",
				zap.String("object_id", name),
				zap.Error(err))
			continue
		}

		if _, err := r.store.DeleteBlobsWithPrefix(name + "_"); err != nil {
			// 缓存清理失败只记录，不影响整体结果
			r.logger.Warn("failed to clean cached blobs",
				zap.String("object_id", name),
				zap.Error(err))
		}
	}
	return success
}

func (r *Registry) takeEntry(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.open[id]
	if ok {
		delete(r.open, id)
	}
	return e, ok
}

// CloseRegistry 关闭注册表，停止所有落盘
func (r *Registry) CloseRegistry() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, e := range r.open {
		e.detach()
		delete(r.open, id)
	}
	r.logger.Info("document registry closed")
	return nil
}
