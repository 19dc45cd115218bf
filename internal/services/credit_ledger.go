package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/impimediavillage/marketplace/internal/domain"
	"github.com/impimediavillage/marketplace/internal/payments"
	"github.com/impimediavillage/marketplace/internal/platform/pagination"
	"github.com/impimediavillage/marketplace/internal/repositories"
)

const (
	defaultCreditHistoryLimit = 20
	maxCreditHistoryLimit     = 100
	creditMetricNamespace     = "github.com/impimediavillage/marketplace/internal/services/credits"

	// Stripe PaymentIntent metadata keys written by the purchase checkout.
	creditPurchaseUserKey    = "user_id"
	creditPurchaseCreditsKey = "credits"
)

var (
	// ErrCreditInvalidInput signals a missing user, negative amount or malformed purchase.
	ErrCreditInvalidInput = errors.New("credits: invalid input")
	// ErrCreditInsufficientBalance is returned when a paid deduction exceeds the current balance.
	ErrCreditInsufficientBalance = errors.New("credits: insufficient balance")
	// ErrCreditRetryTransaction reports store contention or unavailability; the caller may retry.
	ErrCreditRetryTransaction = errors.New("credits: system error, try again")
	// ErrCreditAlreadyApplied is returned when a payment intent has already been credited.
	ErrCreditAlreadyApplied = errors.New("credits: payment already applied")
	// ErrCreditPaymentNotSettled is returned when the payment intent has not succeeded.
	ErrCreditPaymentNotSettled = errors.New("credits: payment not settled")
)

// CreditPaymentLookup retrieves a settled credit purchase from the payment provider.
type CreditPaymentLookup interface {
	LookupPayment(ctx context.Context, intentID string) (payments.PaymentDetails, error)
}

// CreditLedgerDeps wires the ledger's collaborators.
type CreditLedgerDeps struct {
	Repository  repositories.CreditLedgerRepository
	Payments    CreditPaymentLookup
	Sanitize    func(string) string
	Meter       metric.Meter
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// DeductCreditsCommand charges a user for one interaction. Free interactions are logged with amount 0.
type DeductCreditsCommand struct {
	UserID   string
	Amount   int64
	WasFree  bool
	Metadata map[string]any
}

// CreditHistoryQuery requests one page of a user's ledger history, newest first.
type CreditHistoryQuery struct {
	UserID    string
	PageSize  int
	PageToken string
}

// CreditHistoryPage is a page of ledger entries; NextPageToken is empty on the last page.
type CreditHistoryPage struct {
	Entries       []CreditLogEntry
	NextPageToken string
}

// GrantCreditsCommand applies a completed credit purchase to the user's balance.
type GrantCreditsCommand struct {
	UserID          string
	PaymentIntentID string
}

type creditLedger struct {
	repo     repositories.CreditLedgerRepository
	payments CreditPaymentLookup
	sanitize func(string) string
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)

	deductions metric.Int64Counter
	grants     metric.Int64Counter
}

// NewCreditLedger constructs the ledger service.
func NewCreditLedger(deps CreditLedgerDeps) (CreditLedgerService, error) {
	if deps.Repository == nil {
		return nil, errors.New("credit ledger: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(creditMetricNamespace)
	}

	deductions, err := meter.Int64Counter("credits.deductions",
		metric.WithDescription("Credit deductions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("credit ledger: register deduction counter: %w", err)
	}
	grants, err := meter.Int64Counter("credits.grants",
		metric.WithDescription("Credit grants from verified payments by outcome"))
	if err != nil {
		return nil, fmt.Errorf("credit ledger: register grant counter: %w", err)
	}

	return &creditLedger{
		repo:       deps.Repository,
		payments:   deps.Payments,
		sanitize:   sanitize,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
		deductions: deductions,
		grants:     grants,
	}, nil
}

// DeductAndLog checks and applies the charge against a freshly read balance and appends the interaction
// log entry in the same transaction. It never retries; contention surfaces as ErrCreditRetryTransaction.
func (l *creditLedger) DeductAndLog(ctx context.Context, cmd DeductCreditsCommand) (int64, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	if cmd.Amount < 0 {
		return 0, fmt.Errorf("%w: amount must be non-negative", ErrCreditInvalidInput)
	}

	charged := cmd.Amount
	if cmd.WasFree {
		charged = 0
	}
	now := l.clock()
	entry := domain.CreditLogEntry{
		ID:        "crl_" + l.newID(),
		UserID:    userID,
		Kind:      domain.CreditEntryDeduction,
		Amount:    charged,
		WasFree:   cmd.WasFree,
		Metadata:  l.cleanMetadata(cmd.Metadata),
		CreatedAt: now,
	}

	var newBalance int64
	err := l.repo.RunInAccountTx(ctx, userID, func(ctx context.Context, tx repositories.CreditAccountTx) error {
		balance, err := tx.Balance()
		if err != nil {
			return err
		}
		if balance < charged {
			return fmt.Errorf("%w: balance %d, required %d", ErrCreditInsufficientBalance, balance, charged)
		}
		newBalance = balance - charged
		entry.BalanceAfter = newBalance
		if err := tx.SetBalance(newBalance); err != nil {
			return err
		}
		return tx.AppendEntry(entry)
	})
	if err != nil {
		err = l.mapRepositoryError(err)
		l.deductions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", creditOutcome(err))))
		l.logger(ctx, "credits.deduct.failed", map[string]any{
			"userId": userID,
			"amount": charged,
			"free":   cmd.WasFree,
			"error":  err.Error(),
		})
		return 0, err
	}

	l.deductions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "applied"),
		attribute.Bool("free", cmd.WasFree),
	))
	l.logger(ctx, "credits.deducted", map[string]any{
		"userId":  userID,
		"entryId": entry.ID,
		"amount":  charged,
		"free":    cmd.WasFree,
		"balance": newBalance,
	})
	return newBalance, nil
}

// GrantFromPayment verifies a succeeded PaymentIntent and credits its purchased amount exactly once. The
// ledger entry ID is derived from the intent so a replay is detected inside the transaction.
func (l *creditLedger) GrantFromPayment(ctx context.Context, cmd GrantCreditsCommand) (CreditBalance, error) {
	userID := strings.TrimSpace(cmd.UserID)
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if userID == "" || intentID == "" {
		return CreditBalance{}, fmt.Errorf("%w: user id and payment intent id are required", ErrCreditInvalidInput)
	}
	if l.payments == nil {
		return CreditBalance{}, errors.New("credit ledger: payment lookup is not configured")
	}

	details, err := l.payments.LookupPayment(ctx, intentID)
	if err != nil {
		return CreditBalance{}, fmt.Errorf("credits: lookup payment %s: %w", intentID, err)
	}
	if details.Status != payments.StatusSucceeded {
		return CreditBalance{}, fmt.Errorf("%w: payment %s is %s", ErrCreditPaymentNotSettled, intentID, details.Status)
	}
	if owner := strings.TrimSpace(details.Metadata[creditPurchaseUserKey]); owner != userID {
		return CreditBalance{}, fmt.Errorf("%w: payment %s belongs to another user", ErrCreditInvalidInput, intentID)
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(details.Metadata[creditPurchaseCreditsKey]), 10, 64)
	if err != nil || credits <= 0 {
		return CreditBalance{}, fmt.Errorf("%w: payment %s carries no credit amount", ErrCreditInvalidInput, intentID)
	}

	now := l.clock()
	entry := domain.CreditLogEntry{
		ID:     "grant_" + intentID,
		UserID: userID,
		Kind:   domain.CreditEntryGrant,
		Amount: credits,
		Metadata: map[string]any{
			"paymentIntent": intentID,
			"paidAmount":    details.Amount,
			"currency":      details.Currency,
		},
		CreatedAt: now,
	}

	var balance int64
	err = l.repo.RunInAccountTx(ctx, userID, func(ctx context.Context, tx repositories.CreditAccountTx) error {
		current, err := tx.Balance()
		if err != nil {
			return err
		}
		exists, err := tx.EntryExists(entry.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrCreditAlreadyApplied, intentID)
		}
		balance = current + credits
		entry.BalanceAfter = balance
		if err := tx.SetBalance(balance); err != nil {
			return err
		}
		return tx.AppendEntry(entry)
	})
	if err != nil {
		err = l.mapRepositoryError(err)
		l.grants.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", creditOutcome(err))))
		return CreditBalance{}, err
	}

	l.grants.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "applied")))
	l.logger(ctx, "credits.granted", map[string]any{
		"userId":        userID,
		"paymentIntent": intentID,
		"credits":       credits,
		"balance":       balance,
	})
	return CreditBalance{UserID: userID, Balance: balance, UpdatedAt: now}, nil
}

func (l *creditLedger) Balance(ctx context.Context, userID string) (CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CreditBalance{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	balance, err := l.repo.GetBalance(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CreditBalance{UserID: userID}, nil
		}
		return CreditBalance{}, l.mapRepositoryError(err)
	}
	return balance, nil
}

func (l *creditLedger) History(ctx context.Context, query CreditHistoryQuery) (CreditHistoryPage, error) {
	userID := strings.TrimSpace(query.UserID)
	if userID == "" {
		return CreditHistoryPage{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	size := query.PageSize
	switch {
	case size <= 0:
		size = defaultCreditHistoryLimit
	case size > maxCreditHistoryLimit:
		size = maxCreditHistoryLimit
	}

	page := repositories.CreditEntryPage{Limit: size + 1}
	if token := strings.TrimSpace(query.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return CreditHistoryPage{}, fmt.Errorf("%w: %v", ErrCreditInvalidInput, err)
		}
		page.After = &repositories.CreditEntryCursor{CreatedAt: cursor.After, ID: cursor.ID}
	}

	entries, err := l.repo.ListEntries(ctx, userID, page)
	if err != nil {
		return CreditHistoryPage{}, l.mapRepositoryError(err)
	}
	result := CreditHistoryPage{Entries: entries}
	if len(entries) > size {
		result.Entries = entries[:size]
		last := result.Entries[size-1]
		result.NextPageToken = pagination.EncodeToken(pagination.Cursor{After: last.CreatedAt, ID: last.ID})
	}
	if result.Entries == nil {
		result.Entries = []CreditLogEntry{}
	}
	return result, nil
}

func (l *creditLedger) FreeInteractionsUsed(ctx context.Context, userID, advisor string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	free := true
	count, err := l.repo.CountEntries(ctx, userID, repositories.CreditEntryFilter{
		Kind:    domain.CreditEntryDeduction,
		WasFree: &free,
		Advisor: strings.TrimSpace(advisor),
	})
	if err != nil {
		return 0, l.mapRepositoryError(err)
	}
	return count, nil
}

func (l *creditLedger) cleanMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := maps.Clone(metadata)
	for key, value := range out {
		if text, ok := value.(string); ok {
			out[key] = l.sanitize(text)
		}
	}
	return out
}

func (l *creditLedger) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCreditInsufficientBalance) || errors.Is(err, ErrCreditAlreadyApplied) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && (repoErr.IsConflict() || repoErr.IsUnavailable()) {
		return fmt.Errorf("%w: %v", ErrCreditRetryTransaction, err)
	}
	return err
}

func creditOutcome(err error) string {
	switch {
	case errors.Is(err, ErrCreditInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrCreditAlreadyApplied):
		return "already_applied"
	case errors.Is(err, ErrCreditRetryTransaction):
		return "retry"
	default:
		return "error"
	}
}
