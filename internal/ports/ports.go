package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opsbot/goledger/internal/domain"
)

// External collaborators consumed by the processing core.
// Timeouts are the collaborator's responsibility; any returned error is
// treated as "fail, let the transport retry".

// LedgerOperation is one balance movement to register against the
// ledger/account service.
type LedgerOperation struct {
	ClientID  string
	AssetID   string
	Amount    decimal.Decimal
	Comment   string
	ValueDate *time.Time // future-dated for forward cash-ins
}

// LedgerService is the account/balance collaborator.
type LedgerService interface {
	// Register posts one operation and returns its operation id.
	// Calling it twice for the same logical step is the caller's bug:
	// the workflow context guard exists to prevent exactly that.
	Register(ctx context.Context, op LedgerOperation) (operationID string, err error)
	UpdateBlockchainHash(ctx context.Context, clientID, operationID, hash string) error
	SetIsSettled(ctx context.Context, clientID, operationID string, settled bool) error
	// LinkForwardWithdrawal attaches a future-dated cash-in operation to
	// the original withdrawal it redeems.
	LinkForwardWithdrawal(ctx context.Context, clientID, forwardWithdrawalID, cashInOperationID string) error
}

// AssetCache resolves asset metadata at runtime.
type AssetCache interface {
	GetAsset(ctx context.Context, assetID string) (*domain.Asset, error)
	// IsClientTrusted reports whether the client settles immediately on
	// ledger posting (bypassing blockchain submission).
	IsClientTrusted(ctx context.Context, clientID string) (bool, error)
}

// Submission is a blockchain submission request routed to one channel.
type Submission struct {
	TransactionID string
	FromAddress   string
	ToAddress     string
	Amount        decimal.Decimal
	AssetID       string
}

// BlockchainChannel submits settlement transactions for one family.
type BlockchainChannel interface {
	Channel() domain.SubmissionChannel
	Submit(ctx context.Context, sub Submission) error
}

// NotificationSender pushes client-facing notifications.
type NotificationSender interface {
	Push(ctx context.Context, clientID, message string) error
}

// OperationHistoryWriter maintains cached per-client counters consumed
// by the history surface.
type OperationHistoryWriter interface {
	IncrementOperations(ctx context.Context, clientID string, delta int) error
}
