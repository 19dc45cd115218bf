package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/impimediavillage/marketplace/internal/advisors"
)

const maxAdvisorPromptRunes = 4000

var (
	// ErrAdvisorInvalidInput signals an empty or oversized prompt.
	ErrAdvisorInvalidInput = errors.New("advisor: invalid input")
	// ErrAdvisorNotFound is returned for an unknown advisor slug.
	ErrAdvisorNotFound = errors.New("advisor: not found")
	// ErrAdvisorUnavailable wraps model failures. No credits are charged when it is returned.
	ErrAdvisorUnavailable = errors.New("advisor: model unavailable")
)

// AdvisorModel produces completions for advisor prompts.
type AdvisorModel interface {
	Complete(ctx context.Context, req advisors.CompletionRequest) (advisors.Completion, error)
}

// AdvisorCatalog resolves advisor profiles.
type AdvisorCatalog interface {
	Lookup(slug string) (advisors.Profile, bool)
}

// AdvisorServiceDeps wires advisor collaborators.
type AdvisorServiceDeps struct {
	Catalog  AdvisorCatalog
	Model    AdvisorModel
	Credits  CreditLedgerService
	Sanitize func(string) string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// AskAdvisorCommand is one user prompt.
type AskAdvisorCommand struct {
	UserID  string
	Advisor string
	Prompt  string
}

// AdvisorAnswer is the model's reply plus what the interaction cost.
type AdvisorAnswer struct {
	Advisor        string
	Answer         string
	Model          string
	WasFree        bool
	CreditsCharged int64
	Balance        int64
	FreeRemaining  int
}

type advisorService struct {
	catalog  AdvisorCatalog
	model    AdvisorModel
	credits  CreditLedgerService
	sanitize func(string) string
	logger   func(context.Context, string, map[string]any)
}

// NewAdvisorService constructs the advisor service.
func NewAdvisorService(deps AdvisorServiceDeps) (AdvisorService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("advisor service: catalog is required")
	}
	if deps.Model == nil {
		return nil, errors.New("advisor service: model is required")
	}
	if deps.Credits == nil {
		return nil, errors.New("advisor service: credit ledger is required")
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &advisorService{
		catalog:  deps.Catalog,
		model:    deps.Model,
		credits:  deps.Credits,
		sanitize: sanitize,
		logger:   logger,
	}, nil
}

// Ask answers a prompt and then charges for it. Free interactions are logged with amount 0 until the
// advisor's allowance is used up. Model failures are never charged.
func (s *advisorService) Ask(ctx context.Context, cmd AskAdvisorCommand) (AdvisorAnswer, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return AdvisorAnswer{}, fmt.Errorf("%w: user id is required", ErrAdvisorInvalidInput)
	}
	profile, ok := s.catalog.Lookup(cmd.Advisor)
	if !ok {
		return AdvisorAnswer{}, fmt.Errorf("%w: %s", ErrAdvisorNotFound, strings.TrimSpace(cmd.Advisor))
	}
	prompt := s.sanitize(cmd.Prompt)
	if prompt == "" {
		return AdvisorAnswer{}, fmt.Errorf("%w: prompt is required", ErrAdvisorInvalidInput)
	}
	if utf8.RuneCountInString(prompt) > maxAdvisorPromptRunes {
		return AdvisorAnswer{}, fmt.Errorf("%w: prompt exceeds %d characters", ErrAdvisorInvalidInput, maxAdvisorPromptRunes)
	}

	used, err := s.credits.FreeInteractionsUsed(ctx, userID, profile.Slug)
	if err != nil {
		return AdvisorAnswer{}, err
	}
	free := used < profile.FreeInteractions
	if !free && profile.CreditCost > 0 {
		balance, err := s.credits.Balance(ctx, userID)
		if err != nil {
			return AdvisorAnswer{}, err
		}
		if balance.Balance < profile.CreditCost {
			return AdvisorAnswer{}, fmt.Errorf("%w: balance %d, required %d", ErrCreditInsufficientBalance, balance.Balance, profile.CreditCost)
		}
	}

	completion, err := s.model.Complete(ctx, advisors.CompletionRequest{
		Advisor:      profile.Slug,
		Instructions: profile.Instructions,
		Prompt:       prompt,
		UserID:       userID,
	})
	if err != nil {
		s.logger(ctx, "advisor.completion.failed", map[string]any{
			"advisor": profile.Slug,
			"userId":  userID,
			"error":   err.Error(),
		})
		if errors.Is(err, advisors.ErrRejected) {
			return AdvisorAnswer{}, fmt.Errorf("%w: %v", ErrAdvisorInvalidInput, err)
		}
		return AdvisorAnswer{}, fmt.Errorf("%w: %v", ErrAdvisorUnavailable, err)
	}

	balance, err := s.credits.DeductAndLog(ctx, DeductCreditsCommand{
		UserID:  userID,
		Amount:  profile.CreditCost,
		WasFree: free,
		Metadata: map[string]any{
			"advisor":      profile.Slug,
			"model":        completion.Model,
			"inputTokens":  completion.InputTokens,
			"outputTokens": completion.OutputTokens,
		},
	})
	if err != nil {
		return AdvisorAnswer{}, err
	}

	answer := AdvisorAnswer{
		Advisor: profile.Slug,
		Answer:  completion.Text,
		Model:   completion.Model,
		WasFree: free,
		Balance: balance,
	}
	if free {
		answer.FreeRemaining = profile.FreeInteractions - used - 1
	} else {
		answer.CreditsCharged = profile.CreditCost
	}
	return answer, nil
}
