package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/pkg/sigchan"
)

// key 前缀：流水记录与工作流 context 共用一个 badger 实例
const (
	recordPrefix  = "txrecord:"
	contextPrefix = "context:"
)

// BadgerStore 基于 Badger 的持久化实现（LedgerStore + ContextStore）。
// Badger 事务保证 insert-if-absent 的 check-then-set 原子性。
type BadgerStore struct {
	db    *badger.DB
	now   func() time.Time
	dirty *sigchan.Chan // 有过写入的脏标记，驱动 value log GC
}

// OpenOptions Badger 打开参数
type OpenOptions struct {
	Path     string
	ReadOnly bool
	InMemory bool // 测试用
}

// Open 打开存储
func Open(opts OpenOptions) (*BadgerStore, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly).
		WithInMemory(opts.InMemory)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, now: time.Now, dirty: sigchan.New(1)}, nil
}

// RunGC 周期性触发 Badger 的 value log GC（阻塞，调用方放独立 goroutine）。
// 两次 tick 之间没有任何写入就跳过本轮。
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.dirty.TryRecv() {
				continue
			}
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TryCreate insert-if-absent；记录已存在时返回 (false, nil)
func (s *BadgerStore) TryCreate(rec *domain.TransactionRecord) (bool, error) {
	if rec == nil || rec.TransactionID == "" {
		return false, errors.New("store: record id is empty")
	}
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(recordPrefix + rec.TransactionID)
		_, err := txn.Get(key)
		if err == nil {
			return nil // 已存在，保持原值
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		created = true
		return txn.Set(key, raw)
	})
	if err == nil && created {
		s.dirty.Emit()
	}
	return created, err
}

// CreateOrUpdate 确保记录存在，不覆盖其他字段
func (s *BadgerStore) CreateOrUpdate(id string, commandType domain.CommandType) error {
	if id == "" {
		return errors.New("store: record id is empty")
	}
	defer s.dirty.Emit()
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(recordPrefix + id)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(&domain.TransactionRecord{
			TransactionID: id,
			CommandType:   commandType,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
}

// FindByTransactionID 未找到时返回 (nil, nil)
func (s *BadgerStore) FindByTransactionID(id string) (*domain.TransactionRecord, error) {
	var rec *domain.TransactionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &domain.TransactionRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update 字段级合并更新
func (s *BadgerStore) Update(id string, fields UpdateFields) error {
	defer s.dirty.Emit()
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(recordPrefix + id)
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotExists
			}
			return err
		}
		var rec domain.TransactionRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		applyUpdate(&rec, fields, s.now())
		raw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
}

// Get 读取工作流 context；不存在返回 ErrNotExists
func (s *BadgerStore) Get(key string, out any) error {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(contextPrefix + key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotExists
	}
	return nil
}

// Set 整 blob 覆盖写入工作流 context。
// 同一 id 在同一时刻只有一个逻辑步骤是 current（总线按工作流串行），
// 所以整体覆盖是安全的。
func (s *BadgerStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	defer s.dirty.Emit()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(contextPrefix+key), raw)
	})
}
