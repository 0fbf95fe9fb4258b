package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomsync/loomsync/internal/crdt"
)

// DocOpener 按期望版本重新打开文档
// 版本不一致触发重置时由调和器调用
type DocOpener interface {
	Reopen(ctx context.Context, objectID string, expectedVersion *string) (*crdt.Doc, error)
}

// OpenerFunc 函数式 DocOpener 适配器
type OpenerFunc func(ctx context.Context, objectID string, expectedVersion *string) (*crdt.Doc, error)

func (f OpenerFunc) Reopen(ctx context.Context, objectID string, expectedVersion *string) (*crdt.Doc, error) {
	return f(ctx, objectID, expectedVersion)
}

// ReconcilerConfig 调和器配置
type ReconcilerConfig struct {
	// Opener 版本重置时重新打开文档
	Opener DocOpener

	// ResetInterval 同一对象相邻两次重置之间的最小间隔，为零时取 1s
	ResetInterval time.Duration

	// ResetBurst 同一对象短时间内允许的重置次数，为零时取 3
	ResetBurst int

	// Logger 日志
	Logger *zap.Logger
}

// objectState 一个对象的调和状态
type objectState struct {
	// resetMu 串行化同一对象的重开副作用
	// 旧代号的重开永远先于新代号执行，注册表最终落在最新代号的版本上
	resetMu sync.Mutex

	// generation 重置代号，只有最后一次发起的重置允许落地
	generation uint64

	// limiter 对象级限流器，重置风暴不跨对象互相挤占
	limiter *rate.Limiter
}

// Reconciler 更新调和器
// 入站更新按版本标签走三个分支：无版本直接应用、版本一致直接应用、
// 版本不一致丢弃本地状态并在远端版本上重建
type Reconciler struct {
	opener        DocOpener
	logger        *zap.Logger
	resetInterval time.Duration
	resetBurst    int

	mu      sync.Mutex
	objects map[string]*objectState
}

// NewReconciler 创建更新调和器
func NewReconciler(config *ReconcilerConfig) *Reconciler {
	if config == nil {
		config = &ReconcilerConfig{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ResetInterval <= 0 {
		config.ResetInterval = time.Second
	}
	if config.ResetBurst <= 0 {
		config.ResetBurst = 3
	}

	return &Reconciler{
		opener:        config.Opener,
		logger:        config.Logger,
		resetInterval: config.ResetInterval,
		resetBurst:    config.ResetBurst,
		objects:       make(map[string]*objectState),
	}
}

// Handle 处理入站信封
// 任何内部异常都不允许击穿到传输层，降级为丢弃该信封
func (rc *Reconciler) Handle(sc *SyncContext, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Error("panic while handling inbound envelope",
				zap.String("object_id", env.ObjectID),
				zap.String("type", string(env.Type)),
				zap.Any("panic", r))
		}
	}()

	switch env.Type {
	case MessageTypeSyncRequest:
		rc.handleSyncRequest(sc, env)
	case MessageTypeUpdate, MessageTypeFullSync:
		rc.reconcile(sc, env)
	default:
		rc.logger.Debug("ignoring envelope with unknown type",
			zap.String("object_id", env.ObjectID),
			zap.String("type", string(env.Type)))
	}
}

// handleSyncRequest 响应对端的同步请求
// 请求携带的已知版本与本地不一致时，本地状态已经过期，和更新走同一条
// 重置路径；版本一致或未知时直接用完整状态回放应答
func (rc *Reconciler) handleSyncRequest(sc *SyncContext, env *Envelope) {
	if env.Version != nil && !versionsEqual(sc.Version(), env.Version) {
		rc.requestReset(sc, env)
		return
	}
	rc.replyFullState(sc)
}

// replyFullState 把当前文档的完整状态发给对端
func (rc *Reconciler) replyFullState(sc *SyncContext) {
	doc := sc.Doc()
	if doc == nil || doc.Destroyed() {
		return
	}
	sc.sendEnvelope(&Envelope{
		ObjectID:   sc.objectID,
		CollabType: sc.collabType,
		Type:       MessageTypeFullSync,
		Origin:     sc.origin,
		Version:    sc.Version(),
		Payload:    doc.EncodeState(),
		Timestamp:  time.Now(),
	})
}

// reconcile 三分支调和
func (rc *Reconciler) reconcile(sc *SyncContext, env *Envelope) {
	local := sc.Version()

	// 分支一/二：与版本无关，或版本一致，直接应用
	if env.Version == nil || versionsEqual(local, env.Version) {
		rc.apply(sc, sc.Doc(), env)
		return
	}

	// 分支三：版本不一致，丢弃本地状态并在远端版本上重建
	rc.requestReset(sc, env)
}

// requestReset 发起一次版本重置
// 每次发起占用一个新代号；超出对象限流配额的重置延后执行而不是丢弃，
// 重新打开的工作区里每个过期文档都必须最终被重建
func (rc *Reconciler) requestReset(sc *SyncContext, env *Envelope) {
	if rc.opener == nil {
		rc.logger.Warn("version mismatch but no opener configured, dropping envelope",
			zap.String("object_id", env.ObjectID))
		return
	}

	st := rc.objectFor(env.ObjectID)
	rc.mu.Lock()
	st.generation++
	gen := st.generation
	rc.mu.Unlock()

	delay := st.limiter.Reserve().Delay()
	rc.logger.Info("version mismatch, resetting document",
		zap.String("object_id", env.ObjectID),
		zap.Stringp("local_version", sc.Version()),
		zap.Stringp("remote_version", env.Version),
		zap.Uint64("generation", gen),
		zap.Duration("delay", delay))

	if delay <= 0 {
		go rc.reset(sc, env, gen)
		return
	}
	rc.logger.Warn("reset rate exceeded, delaying reset",
		zap.String("object_id", env.ObjectID),
		zap.Duration("delay", delay))
	time.AfterFunc(delay, func() { rc.reset(sc, env, gen) })
}

// reset 在远端版本上重建文档并换绑到同步上下文
// 同一对象的重建串行执行；执行前后都校验代号，代号失效的重建要么完全不
// 发起重开，要么整体丢弃其结果，最新代号的重开总是最后落地，文档注册表
// 和同步上下文因此保持一致
func (rc *Reconciler) reset(sc *SyncContext, env *Envelope, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Error("panic during document reset",
				zap.String("object_id", env.ObjectID),
				zap.Any("panic", r))
		}
	}()

	st := rc.objectFor(env.ObjectID)
	st.resetMu.Lock()
	defer st.resetMu.Unlock()

	if !rc.isCurrentGeneration(env.ObjectID, gen) {
		rc.logger.Debug("skipping superseded reset",
			zap.String("object_id", env.ObjectID),
			zap.Uint64("generation", gen))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := rc.opener.Reopen(ctx, env.ObjectID, env.Version)
	if err != nil {
		rc.logger.Error("failed to reopen document at remote version",
			zap.String("object_id", env.ObjectID),
			zap.Stringp("remote_version", env.Version),
			zap.Error(err))
		return
	}

	if !rc.isCurrentGeneration(env.ObjectID, gen) {
		rc.logger.Debug("discarding stale reset result",
			zap.String("object_id", env.ObjectID),
			zap.Uint64("generation", gen))
		return
	}

	sc.rebind(doc, env.Version)
	if env.Type == MessageTypeSyncRequest {
		// 触发重置的是对端的同步请求：在新版本上应答它
		rc.replyFullState(sc)
	} else {
		rc.apply(sc, doc, env)
	}

	rc.logger.Info("document reset complete",
		zap.String("object_id", env.ObjectID),
		zap.Stringp("version", env.Version),
		zap.Uint64("generation", gen))
}

// apply 把信封负载应用到文档
func (rc *Reconciler) apply(sc *SyncContext, doc *crdt.Doc, env *Envelope) {
	if doc == nil || len(env.Payload) == 0 {
		return
	}
	if err := doc.ApplyUpdate(env.Payload); err != nil {
		rc.logger.Warn("failed to apply inbound update",
			zap.String("object_id", env.ObjectID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (rc *Reconciler) objectFor(objectID string) *objectState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	st, ok := rc.objects[objectID]
	if !ok {
		st = &objectState{
			limiter: rate.NewLimiter(rate.Every(rc.resetInterval), rc.resetBurst),
		}
		rc.objects[objectID] = st
	}
	return st
}

func (rc *Reconciler) isCurrentGeneration(objectID string, gen uint64) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	st, ok := rc.objects[objectID]
	return ok && st.generation == gen
}

func versionsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
