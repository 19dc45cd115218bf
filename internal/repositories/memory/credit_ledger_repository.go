package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	domain "github.com/impimediavillage/marketplace/internal/domain"
	"github.com/impimediavillage/marketplace/internal/repositories"
)

// CreditLedgerRepository serialises transactions per user with a mutex, matching the isolation a
// document-store transaction gives a single balance document.
type CreditLedgerRepository struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	balances map[string]domain.CreditBalance
	entries  map[string][]domain.CreditLogEntry
	now      func() time.Time
}

var _ repositories.CreditLedgerRepository = (*CreditLedgerRepository)(nil)

// NewCreditLedgerRepository returns an empty ledger.
func NewCreditLedgerRepository() *CreditLedgerRepository {
	return &CreditLedgerRepository{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]domain.CreditBalance),
		entries:  make(map[string][]domain.CreditLogEntry),
		now:      time.Now,
	}
}

// Seed sets a starting balance without writing a ledger entry. Intended for tests and fixtures.
func (r *CreditLedgerRepository) Seed(userID string, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] = domain.CreditBalance{UserID: userID, Balance: balance, UpdatedAt: r.now().UTC()}
}

func (r *CreditLedgerRepository) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[userID] = lock
	}
	return lock
}

func (r *CreditLedgerRepository) RunInAccountTx(ctx context.Context, userID string, fn func(ctx context.Context, tx repositories.CreditAccountTx) error) error {
	if fn == nil {
		return errors.New("memory credit ledger: transaction function is nil")
	}
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	tx := &memoryAccountTx{
		balance:  r.balances[userID].Balance,
		existing: make(map[string]struct{}, len(r.entries[userID])),
	}
	for _, entry := range r.entries[userID] {
		tx.existing[entry.ID] = struct{}{}
	}
	r.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.balanceSet {
		r.balances[userID] = domain.CreditBalance{UserID: userID, Balance: tx.newBalance, UpdatedAt: r.now().UTC()}
	}
	r.entries[userID] = append(r.entries[userID], tx.staged...)
	return nil
}

func (r *CreditLedgerRepository) GetBalance(_ context.Context, userID string) (domain.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		return domain.CreditBalance{}, notFound("credits.balance", "account %s not found", userID)
	}
	return balance, nil
}

func (r *CreditLedgerRepository) ListEntries(_ context.Context, userID string, page repositories.CreditEntryPage) ([]domain.CreditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	source := r.entries[userID]
	out := make([]domain.CreditLogEntry, 0, len(source))
	for _, entry := range source {
		if page.After != nil && !entryBefore(entry, *page.After) {
			continue
		}
		entry.Metadata = maps.Clone(entry.Metadata)
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return entryBefore(out[j], repositories.CreditEntryCursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID})
	})
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

// entryBefore reports whether entry sorts after cursor in newest-first order.
func entryBefore(entry domain.CreditLogEntry, cursor repositories.CreditEntryCursor) bool {
	if !entry.CreatedAt.Equal(cursor.CreatedAt) {
		return entry.CreatedAt.Before(cursor.CreatedAt)
	}
	return entry.ID < cursor.ID
}

func (r *CreditLedgerRepository) CountEntries(_ context.Context, userID string, filter repositories.CreditEntryFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entry := range r.entries[userID] {
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if filter.WasFree != nil && entry.WasFree != *filter.WasFree {
			continue
		}
		if filter.Advisor != "" {
			if advisor, _ := entry.Metadata["advisor"].(string); advisor != filter.Advisor {
				continue
			}
		}
		count++
	}
	return count, nil
}

type memoryAccountTx struct {
	balance    int64
	existing   map[string]struct{}
	wrote      bool
	balanceSet bool
	newBalance int64
	staged     []domain.CreditLogEntry
}

func (tx *memoryAccountTx) Balance() (int64, error) {
	if tx.wrote {
		return 0, errors.New("memory credit ledger: read after write")
	}
	return tx.balance, nil
}

func (tx *memoryAccountTx) EntryExists(entryID string) (bool, error) {
	if tx.wrote {
		return false, errors.New("memory credit ledger: read after write")
	}
	_, ok := tx.existing[entryID]
	return ok, nil
}

func (tx *memoryAccountTx) SetBalance(balance int64) error {
	tx.wrote = true
	tx.balanceSet = true
	tx.newBalance = balance
	return nil
}

func (tx *memoryAccountTx) AppendEntry(entry domain.CreditLogEntry) error {
	tx.wrote = true
	if _, ok := tx.existing[entry.ID]; ok {
		return conflict("credits.append", "entry %s already exists", entry.ID)
	}
	tx.existing[entry.ID] = struct{}{}
	entry.Metadata = maps.Clone(entry.Metadata)
	tx.staged = append(tx.staged, entry)
	return nil
}
