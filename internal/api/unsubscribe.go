package api

import (
	"fmt"
	"net/http"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// CategoryAll is the pseudo-category for a global unsubscribe link.
const CategoryAll = "all"

// handleUnsubscribe processes signed unsubscribe links. The signature binds
// recipient and category, so nobody can unsubscribe an address they cannot
// read mail for. A valid "all" link sets unsubscribed_all; a category link
// adds that category to the opt-out list. Either way every active enrollment
// for the recipient is cancelled; future enrollments in other categories are
// still allowed.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	category := r.URL.Query().Get("category")
	sig := r.URL.Query().Get("sig")

	if recipient == "" || category == "" || sig == "" {
		http.Error(w, "missing recipient, category, or sig", http.StatusBadRequest)
		return
	}
	if category != CategoryAll && !mailing.Category(category).Valid() {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return
	}
	if !s.signer.Verify(recipient, mailing.Category(category), sig) {
		logger.Warn("unsubscribe signature mismatch", "recipient", recipient, "category", category)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	pref, err := s.store.GetPreference(ctx, recipient)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if pref == nil {
		pref = &mailing.Preference{Recipient: recipient}
	}

	if category == CategoryAll {
		pref.UnsubscribedAll = true
	} else if !pref.OptedOut(mailing.Category(category)) {
		pref.UnsubscribedCategories = append(pref.UnsubscribedCategories, mailing.Category(category))
	}

	if err := s.store.UpsertPreference(ctx, pref); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.manager.CancelAll(ctx, recipient); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("unsubscribe processed", "recipient", recipient, "category", category)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, unsubscribePage, unsubscribeBlurb(category))
}

func unsubscribeBlurb(category string) string {
	if category == CategoryAll {
		return "You have been unsubscribed from all emails."
	}
	return fmt.Sprintf("You have been unsubscribed from %s emails.", category)
}

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center">
<h1>Done</h1>
<p>%s</p>
</body>
</html>
`
