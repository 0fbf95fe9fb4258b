// Package localstore 提供同步核心水合 CRDT 文档所依赖的持久化存储。
// 每个文档名对应根目录下一个独立的 bbolt 数据库文件，清空或销毁单个文档
// 不影响邻居；共享同一目录的兄弟进程由 bbolt 的文件锁隔离。共享的 blobs/
// 子目录存放按文档标识前缀命名的辅助缓存数据。
package localstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	ErrStoreClosed      = errors.New("local store closed")
	ErrDatabaseBlocked  = errors.New("database is held open elsewhere")
	ErrDatabaseMissing  = errors.New("database does not exist")
	ErrInvalidName      = errors.New("invalid database name")
)

const (
	dbSuffix     = ".db"
	blobDirName  = "blobs"
	fileMode     = 0600
	dirMode      = 0700
)

// 模式升级钩子创建的桶名
var (
	bucketUpdates = []byte("updates")
	bucketMeta    = []byte("meta")
)

// metaVersionKey 存放文档的乐观版本标签
var metaVersionKey = []byte("version")

// Config 存储配置
type Config struct {
	// Root 存放数据库文件的目录，必填
	Root string

	// Logger 日志，默认空实现
	Logger *zap.Logger

	// OpenTimeout 打开时等待其他持有者文件锁的上限，超时报告
	// ErrDatabaseBlocked
	OpenTimeout time.Duration

	// Upgrade 可选的模式升级钩子，在标准桶创建后的同一事务内运行，
	// 必须幂等
	Upgrade func(tx *bolt.Tx) error
}

// Store 管理按文档划分的数据库目录
type Store struct {
	root        string
	logger      *zap.Logger
	openTimeout time.Duration
	upgrade     func(tx *bolt.Tx) error

	mu     sync.Mutex
	open   map[string]*DB
	closed bool
}

// New 创建存储，保证根目录和缓存目录存在
func New(config *Config) (*Store, error) {
	if config == nil || config.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 2 * time.Second
	}

	if err := os.MkdirAll(config.Root, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(config.Root, blobDirName), dirMode); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &Store{
		root:        config.Root,
		logger:      config.Logger,
		openTimeout: config.OpenTimeout,
		upgrade:     config.Upgrade,
		open:        make(map[string]*DB),
	}, nil
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\") && name != "." && name != ".."
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name+dbSuffix)
}

// OpenDatabase 打开（或创建）命名数据库并执行模式升级钩子
// 本进程内已打开的数据库直接共享句柄而不是重新打开，否则第二个调用方
// 会死等 bbolt 的文件锁
func (s *Store) OpenDatabase(name string) (*DB, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if db, ok := s.open[name]; ok {
		return db, nil
	}

	bdb, err := bolt.Open(s.path(name), fileMode, &bolt.Options{Timeout: s.openTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseBlocked, name)
		}
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}

	// 幂等的模式升级：首次使用前补齐缺失的桶
	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUpdates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		if s.upgrade != nil {
			return s.upgrade(tx)
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("failed to upgrade database %s: %w", name, err)
	}

	db := &DB{name: name, store: s, db: bdb}
	s.open[name] = db

	s.logger.Debug("database opened", zap.String("name", name))
	return db, nil
}

// List 枚举根目录下所有数据库文件的名字
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list store root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dbSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), dbSuffix))
	}
	return names, nil
}

// DeleteDatabase 删除命名数据库文件
// 被兄弟进程持有的数据库报告 ErrDatabaseBlocked；本进程内已打开的通过
// 活动句柄销毁
func (s *Store) DeleteDatabase(name string) error {
	if !validName(name) {
		return ErrInvalidName
	}

	s.mu.Lock()
	db, inProcess := s.open[name]
	s.mu.Unlock()
	if inProcess {
		return db.Destroy()
	}

	if _, err := os.Stat(s.path(name)); errors.Is(err, os.ErrNotExist) {
		return ErrDatabaseMissing
	}

	// 先取文件锁：其他进程仍持有的数据库报告阻塞，而不是在它脚下删除
	bdb, err := bolt.Open(s.path(name), fileMode, &bolt.Options{Timeout: s.openTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrDatabaseBlocked, name)
		}
		return fmt.Errorf("failed to open database %s for delete: %w", name, err)
	}
	bdb.Close()

	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("failed to remove database %s: %w", name, err)
	}
	s.logger.Info("database deleted", zap.String("name", name))
	return nil
}

// PutBlob 写入辅助缓存数据
func (s *Store) PutBlob(key string, data []byte) error {
	if !validName(key) {
		return ErrInvalidName
	}
	return os.WriteFile(filepath.Join(s.root, blobDirName, key), data, fileMode)
}

// GetBlob 读取辅助缓存数据
func (s *Store) GetBlob(key string) ([]byte, error) {
	if !validName(key) {
		return nil, ErrInvalidName
	}
	return os.ReadFile(filepath.Join(s.root, blobDirName, key))
}

// DeleteBlobsWithPrefix 删除所有带给定前缀的缓存数据，返回删除的个数
func (s *Store) DeleteBlobsWithPrefix(prefix string) (int, error) {
	dir := filepath.Join(s.root, blobDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove blob %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Close 关闭所有打开的数据库句柄
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, db := range s.open {
		if err := db.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.open, name)
	}
	return firstErr
}

func (s *Store) forget(name string) {
	s.mu.Lock()
	delete(s.open, name)
	s.mu.Unlock()
}
