package repositories

import (
	"context"
	"time"

	domain "github.com/impimediavillage/marketplace/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ShipmentRepository persists shipment documents together with their status history.
type ShipmentRepository interface {
	Insert(ctx context.Context, shipment domain.Shipment) error
	// Get returns a RepositoryError with IsNotFound when the shipment does not exist.
	Get(ctx context.Context, shipmentID string) (domain.Shipment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Shipment, error)
	// Mutate reads the shipment and persists the value left by fn in one transaction. When fn returns an
	// error nothing is written and the error is returned unchanged.
	Mutate(ctx context.Context, shipmentID string, fn func(*domain.Shipment) error) (domain.Shipment, error)
}

// CreditAccountTx exposes a single user's balance document inside a store transaction. All reads must
// happen before the first write.
type CreditAccountTx interface {
	// Balance returns the current balance; a missing account reads as zero.
	Balance() (int64, error)
	// EntryExists reports whether a ledger entry with the given ID was already written for the user.
	EntryExists(entryID string) (bool, error)
	SetBalance(balance int64) error
	AppendEntry(entry domain.CreditLogEntry) error
}

// CreditEntryFilter narrows ledger history queries.
type CreditEntryFilter struct {
	Kind    domain.CreditEntryKind
	WasFree *bool
	Advisor string
}

// CreditEntryCursor is the keyset position of the last entry already returned.
type CreditEntryCursor struct {
	CreatedAt time.Time
	ID        string
}

// CreditEntryPage selects one page of ledger history, newest first.
type CreditEntryPage struct {
	Limit int
	After *CreditEntryCursor
}

// CreditLedgerRepository stores credit balances and the interaction log.
type CreditLedgerRepository interface {
	// RunInAccountTx executes fn in a transaction scoped to userID's balance document. Writes staged through
	// the CreditAccountTx are committed atomically only when fn returns nil. Contention is reported as a
	// RepositoryError with IsConflict and is never retried by the repository.
	RunInAccountTx(ctx context.Context, userID string, fn func(ctx context.Context, tx CreditAccountTx) error) error
	GetBalance(ctx context.Context, userID string) (domain.CreditBalance, error)
	// ListEntries returns entries ordered by createdAt then ID, both descending, starting after page.After.
	ListEntries(ctx context.Context, userID string, page CreditEntryPage) ([]domain.CreditLogEntry, error)
	CountEntries(ctx context.Context, userID string, filter CreditEntryFilter) (int, error)
}

// HealthRepository aggregates dependency probes for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
