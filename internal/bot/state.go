package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Rus9136/reviews-parser/internal/store"
)

// Session actions and browse-flow steps.
const (
	actionSubscribe = "subscribe"
	actionReviews   = "reviews"

	stepDateFrom    = "date_from"
	stepDateTo      = "date_to"
	stepShowReviews = "show_reviews"
)

// sessionState is the persisted conversational context, serialized as
// JSON into telegram_user_states keyed by user id.
type sessionState struct {
	Action string `json:"action,omitempty"`
	Step   string `json:"step,omitempty"`

	// Subscribe flow. AvailableOrder preserves the roster ordering the
	// checklist was rendered with; the map alone would lose it.
	SelectedBranches  []string          `json:"selected_branches,omitempty"`
	AvailableBranches map[string]string `json:"available_branches,omitempty"`
	AvailableOrder    []string          `json:"available_order,omitempty"`

	// Browse flow.
	SelectedBranchID   string `json:"selected_branch_id,omitempty"`
	SelectedBranchName string `json:"selected_branch_name,omitempty"`
	DateFrom           string `json:"date_from,omitempty"`
	DateTo             string `json:"date_to,omitempty"`
	Offset             int    `json:"offset,omitempty"`
}

func (s *sessionState) hasSelected(branchID string) bool {
	for _, id := range s.SelectedBranches {
		if id == branchID {
			return true
		}
	}
	return false
}

func (s *sessionState) toggleSelected(branchID string) {
	for i, id := range s.SelectedBranches {
		if id == branchID {
			s.SelectedBranches = append(s.SelectedBranches[:i], s.SelectedBranches[i+1:]...)
			return
		}
	}
	s.SelectedBranches = append(s.SelectedBranches, branchID)
}

// loadState fetches and decodes the session state. Returns (nil, nil)
// when no state exists; a pruned session is a soft condition, not an
// error.
func (b *Bot) loadState(ctx context.Context, userID string) (*sessionState, error) {
	data, err := b.store.GetUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupted state behaves like an expired one.
		b.logger.Warn("corrupt session state dropped", "user_id", userID, "error", err)
		return nil, nil
	}
	return &st, nil
}

func (b *Bot) saveState(ctx context.Context, userID string, st *sessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return b.store.SaveUserState(ctx, userID, data)
}

func (b *Bot) clearState(ctx context.Context, userID string) {
	if err := b.store.ClearUserState(ctx, userID); err != nil {
		b.logger.Warn("clear session state failed", "user_id", userID, "error", err)
	}
}
