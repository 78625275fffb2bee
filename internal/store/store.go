package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/opsbot/goledger/internal/domain"
)

// ErrNotExists 表示数据不存在。
// 对调用方而言这是可恢复的领域状况，不是基础设施故障。
var ErrNotExists = errors.New("store: data not exists")

// LedgerStore 事务流水存储。
//
// 记录只增不删（审计轨迹）；所有写入都是幂等的 upsert 或字段级合并。
// 存储不可用属于瞬态错误，由消息重投递兜底。
type LedgerStore interface {
	// TryCreate insert-if-absent；已存在时返回 false（不是错误）
	TryCreate(rec *domain.TransactionRecord) (bool, error)
	// CreateOrUpdate 确保记录存在（最小字段），绝不覆盖已有字段
	CreateOrUpdate(id string, commandType domain.CommandType) error
	// FindByTransactionID 未找到时返回 (nil, nil)
	FindByTransactionID(id string) (*domain.TransactionRecord, error)
	// Update 字段级合并：未提供的字段保持原值；记录不存在返回 ErrNotExists
	Update(id string, fields UpdateFields) error
}

// UpdateFields 合并更新的字段集合，nil 字段不参与更新
type UpdateFields struct {
	Request        json.RawMessage
	Context        json.RawMessage
	Response       json.RawMessage
	Channel        *domain.SubmissionChannel
	BlockchainHash *string
}

// ContextStore 每事务工作流状态的 blob 存储。
//
// 存储层 schema 无关：只存字节，schema 归调用方。调用方在
// ErrNotExists 时默认构造，并始终 read-modify-write 整个 blob。
type ContextStore interface {
	Get(key string, out any) error
	Set(key string, value any) error
}

// applyUpdate 在一条已存在的记录上执行字段级合并。
// Response 首次写入时同时落 RespondedAt。
func applyUpdate(rec *domain.TransactionRecord, fields UpdateFields, now time.Time) {
	if fields.Request != nil {
		rec.RequestPayload = fields.Request
	}
	if fields.Context != nil {
		rec.ContextPayload = fields.Context
	}
	if fields.Response != nil {
		rec.ResponsePayload = fields.Response
		if rec.RespondedAt == nil {
			t := now
			rec.RespondedAt = &t
		}
	}
	if fields.Channel != nil {
		rec.Channel = *fields.Channel
	}
	if fields.BlockchainHash != nil {
		rec.BlockchainHash = *fields.BlockchainHash
	}
}
