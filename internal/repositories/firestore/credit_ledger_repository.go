package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/impimediavillage/marketplace/internal/domain"
	pfirestore "github.com/impimediavillage/marketplace/internal/platform/firestore"
	"github.com/impimediavillage/marketplace/internal/repositories"
)

const (
	defaultCreditAccountsCollection = "creditAccounts"
	creditEntriesCollection         = "entries"
)

type creditAccountDocument struct {
	Balance   int64     `firestore:"balance"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type creditEntryDocument struct {
	UserID       string         `firestore:"userId"`
	Kind         string         `firestore:"kind"`
	Amount       int64          `firestore:"amount"`
	WasFree      bool           `firestore:"wasFree"`
	BalanceAfter int64          `firestore:"balanceAfter"`
	Advisor      string         `firestore:"advisor,omitempty"`
	Metadata     map[string]any `firestore:"metadata,omitempty"`
	CreatedAt    time.Time      `firestore:"createdAt"`
}

// CreditLedgerRepository keeps one balance document per user with the interaction log in an "entries"
// subcollection beneath it.
type CreditLedgerRepository struct {
	provider *pfirestore.Provider
	accounts *pfirestore.Collection[creditAccountDocument]
	entries  *pfirestore.Collection[creditEntryDocument]
	now      func() time.Time
}

var _ repositories.CreditLedgerRepository = (*CreditLedgerRepository)(nil)

// NewCreditLedgerRepository constructs the Firestore ledger. An empty collection name falls back to
// "creditAccounts".
func NewCreditLedgerRepository(provider *pfirestore.Provider, collection string) (*CreditLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("credit ledger repository requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultCreditAccountsCollection
	}
	accounts, err := pfirestore.NewCollection[creditAccountDocument](provider, collection)
	if err != nil {
		return nil, err
	}
	entries, err := pfirestore.NewCollection[creditEntryDocument](provider, collection)
	if err != nil {
		return nil, err
	}
	return &CreditLedgerRepository{
		provider: provider,
		accounts: accounts,
		entries:  entries,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunInAccountTx runs fn in a single-attempt transaction. Aborted commits surface as conflicts.
func (r *CreditLedgerRepository) RunInAccountTx(ctx context.Context, userID string, fn func(ctx context.Context, tx repositories.CreditAccountTx) error) error {
	if fn == nil {
		return errors.New("credit ledger transaction function is nil")
	}
	ref, err := r.accounts.Doc(ctx, userID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &accountTx{tx: tx, account: ref, userID: userID, now: r.now()})
	}, pfirestore.WithTxAttempts(1))
}

func (r *CreditLedgerRepository) GetBalance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	doc, err := r.accounts.Get(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.CreditBalance{UserID: userID}, nil
		}
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{UserID: userID, Balance: doc.Balance, UpdatedAt: doc.UpdatedAt.UTC()}, nil
}

// ListEntries relies on a composite index over createdAt and the document ID, both descending.
func (r *CreditLedgerRepository) ListEntries(ctx context.Context, userID string, page repositories.CreditEntryPage) ([]domain.CreditLogEntry, error) {
	docs, err := r.entries.Query(ctx, r.entriesOf(userID), func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if page.After != nil {
			q = q.StartAfter(page.After.CreatedAt, page.After.ID)
		}
		if page.Limit > 0 {
			q = q.Limit(page.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreditLogEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeCreditEntry(doc.ID, doc.Data))
	}
	return out, nil
}

// CountEntries relies on a composite index over kind, wasFree and advisor on the entries collection.
func (r *CreditLedgerRepository) CountEntries(ctx context.Context, userID string, filter repositories.CreditEntryFilter) (int, error) {
	return r.entries.Count(ctx, r.entriesOf(userID), func(q firestore.Query) firestore.Query {
		if filter.Kind != "" {
			q = q.Where("kind", "==", string(filter.Kind))
		}
		if filter.WasFree != nil {
			q = q.Where("wasFree", "==", *filter.WasFree)
		}
		if filter.Advisor != "" {
			q = q.Where("advisor", "==", filter.Advisor)
		}
		return q
	})
}

func (r *CreditLedgerRepository) entriesOf(userID string) func(*firestore.Client) *firestore.CollectionRef {
	return func(client *firestore.Client) *firestore.CollectionRef {
		return client.Collection(r.accounts.Name()).Doc(userID).Collection(creditEntriesCollection)
	}
}

type accountTx struct {
	tx      *firestore.Transaction
	account *firestore.DocumentRef
	userID  string
	now     time.Time
}

func (t *accountTx) Balance() (int64, error) {
	snap, err := t.tx.Get(t.account)
	switch status.Code(err) {
	case codes.OK:
	case codes.NotFound:
		return 0, nil
	default:
		return 0, pfirestore.WrapError("creditAccounts.balance", err)
	}
	doc, err := pfirestore.Decode[creditAccountDocument](snap)
	if err != nil {
		return 0, err
	}
	return doc.Balance, nil
}

func (t *accountTx) EntryExists(entryID string) (bool, error) {
	if strings.TrimSpace(entryID) == "" {
		return false, nil
	}
	_, err := t.tx.Get(t.account.Collection(creditEntriesCollection).Doc(entryID))
	switch status.Code(err) {
	case codes.OK:
		return true, nil
	case codes.NotFound:
		return false, nil
	default:
		return false, pfirestore.WrapError("creditAccounts.entryExists", err)
	}
}

func (t *accountTx) SetBalance(balance int64) error {
	return t.tx.Set(t.account, creditAccountDocument{Balance: balance, UpdatedAt: t.now})
}

func (t *accountTx) AppendEntry(entry domain.CreditLogEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("credit entry id is required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now
	}
	advisor, _ := entry.Metadata["advisor"].(string)
	return t.tx.Create(t.account.Collection(creditEntriesCollection).Doc(entry.ID), creditEntryDocument{
		UserID:       t.userID,
		Kind:         string(entry.Kind),
		Amount:       entry.Amount,
		WasFree:      entry.WasFree,
		BalanceAfter: entry.BalanceAfter,
		Advisor:      advisor,
		Metadata:     entry.Metadata,
		CreatedAt:    createdAt.UTC(),
	})
}

func decodeCreditEntry(id string, doc creditEntryDocument) domain.CreditLogEntry {
	return domain.CreditLogEntry{
		ID:           id,
		UserID:       doc.UserID,
		Kind:         domain.CreditEntryKind(doc.Kind),
		Amount:       doc.Amount,
		WasFree:      doc.WasFree,
		BalanceAfter: doc.BalanceAfter,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt.UTC(),
	}
}
