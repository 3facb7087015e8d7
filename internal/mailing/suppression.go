package mailing

import "context"

// SuppressionResult reports whether a recipient may receive a message of a
// given category, and why not if they may not.
type SuppressionResult struct {
	Suppressed bool
	Reason     string
}

// Suppression reasons, in precedence order.
const (
	ReasonBounced          = "bounced"
	ReasonUnsubscribedAll  = "unsubscribed_all"
	ReasonCategoryOptedOut = "category_opted_out"
)

// SuppressionChecker answers "may we email this recipient in this category
// right now?" against live data. Results are never cached: an opt-out must
// take effect on the very next send decision.
type SuppressionChecker struct {
	store *Store
}

// NewSuppressionChecker creates a checker backed by the given store.
func NewSuppressionChecker(store *Store) *SuppressionChecker {
	return &SuppressionChecker{store: store}
}

// Check evaluates suppression in precedence order: hard bounce, then global
// unsubscribe, then per-category opt-out. The first match wins. Category
// opt-outs apply to every category including transactional; a recipient who
// opted out of transactional gets no transactional mail.
func (c *SuppressionChecker) Check(ctx context.Context, recipient string, category Category) (SuppressionResult, error) {
	bounce, err := c.store.GetBounce(ctx, recipient)
	if err != nil {
		return SuppressionResult{}, err
	}
	if bounce != nil && bounce.Suppressed {
		return SuppressionResult{Suppressed: true, Reason: ReasonBounced}, nil
	}

	pref, err := c.store.GetPreference(ctx, recipient)
	if err != nil {
		return SuppressionResult{}, err
	}
	if pref != nil {
		if pref.UnsubscribedAll {
			return SuppressionResult{Suppressed: true, Reason: ReasonUnsubscribedAll}, nil
		}
		if pref.OptedOut(category) {
			return SuppressionResult{Suppressed: true, Reason: ReasonCategoryOptedOut}, nil
		}
	}

	return SuppressionResult{}, nil
}
