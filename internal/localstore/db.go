package localstore

import (
	"encoding/binary"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
)

// DB 单个文档数据库的句柄
type DB struct {
	name  string
	store *Store
	db    *bolt.DB
}

// Name 返回数据库名
func (d *DB) Name() string {
	return d.name
}

// Get 读取元数据键，键不存在返回 nil 且无错误
func (d *DB) Get(key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return out, nil
}

// Set 写入元数据键
func (d *DB) Set(key string, value []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Version 读取持久化的版本标签，未设置时 ok 为 false
func (d *DB) Version() (string, bool, error) {
	v, err := d.Get(string(metaVersionKey))
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

// SetVersion 持久化版本标签
func (d *DB) SetVersion(version string) error {
	return d.Set(string(metaVersionKey), []byte(version))
}

// AppendUpdate 向日志追加一条更新负载
func (d *DB) AppendUpdate(update []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, update)
	})
	if err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

// LoadUpdates 按追加顺序返回所有持久化的更新
func (d *DB) LoadUpdates() ([][]byte, error) {
	var updates [][]byte
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdates).ForEach(func(_, v []byte) error {
			updates = append(updates, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load updates: %w", err)
	}
	return updates, nil
}

// Clear 清空文档的全部持久化状态，保留数据库文件和模式本身
func (d *DB) Clear() error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUpdates, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear database %s: %w", d.name, err)
	}
	return nil
}

// Destroy 关闭句柄并删除数据库文件
func (d *DB) Destroy() error {
	d.store.forget(d.name)
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database %s: %w", d.name, err)
	}
	if err := os.Remove(d.store.path(d.name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove database %s: %w", d.name, err)
	}
	return nil
}

// Close 释放句柄，不删除任何数据
func (d *DB) Close() error {
	d.store.forget(d.name)
	return d.db.Close()
}
