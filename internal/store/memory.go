package store

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/opsbot/goledger/internal/domain"
)

// MemoryStore 内存实现（LedgerStore + ContextStore）。
// 测试与 dry-run 模式使用；语义与 BadgerStore 完全一致。
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*domain.TransactionRecord
	contexts map[string][]byte
	now      func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*domain.TransactionRecord),
		contexts: make(map[string][]byte),
		now:      time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *MemoryStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) TryCreate(rec *domain.TransactionRecord) (bool, error) {
	if rec == nil || rec.TransactionID == "" {
		return false, errors.New("store: record id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.TransactionID]; ok {
		return false, nil
	}
	clone := *rec
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	s.records[rec.TransactionID] = &clone
	return true, nil
}

func (s *MemoryStore) CreateOrUpdate(id string, commandType domain.CommandType) error {
	if id == "" {
		return errors.New("store: record id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return nil
	}
	s.records[id] = &domain.TransactionRecord{
		TransactionID: id,
		CommandType:   commandType,
		CreatedAt:     s.now(),
	}
	return nil
}

func (s *MemoryStore) FindByTransactionID(id string) (*domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) Update(id string, fields UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotExists
	}
	applyUpdate(rec, fields, s.now())
	return nil
}

func (s *MemoryStore) Get(key string, out any) error {
	s.mu.Lock()
	raw, ok := s.contexts[key]
	s.mu.Unlock()
	if !ok {
		return ErrNotExists
	}
	return json.Unmarshal(raw, out)
}

func (s *MemoryStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.contexts[key] = raw
	s.mu.Unlock()
	return nil
}
