package automation

import (
	"context"
	"fmt"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// seedStep is one step of a catalog sequence: a subject line and the delay
// from the previous send (or from enrollment, for the first step).
type seedStep struct {
	subject      string
	delayMinutes int
}

type seedSequence struct {
	slug     string
	name     string
	trigger  string
	category mailing.Category
	steps    []seedStep
}

// catalog is the default sequence set installed on a fresh database.
var catalog = []seedSequence{
	{
		slug:     "quote-follow-up",
		name:     "Quote Follow-Up",
		trigger:  "quote_approved",
		category: mailing.CategoryFollowUp,
		steps: []seedStep{
			{"Your moving quote from {{ company }}", 120},
			{"Any questions about your quote, {{ name }}?", 1440},
			{"Your quote expires soon", 4320},
		},
	},
	{
		slug:     "onboarding-drip",
		name:     "New Customer Onboarding",
		trigger:  "company_onboarded",
		category: mailing.CategoryMarketing,
		steps: []seedStep{
			{"Welcome to {{ company }}, {{ name }}!", 1440},
			{"How to prepare for moving day", 4320},
			{"Packing tips from our crews", 10080},
			{"Storage options you might need", 20160},
			{"Refer a friend, get a discount", 30240},
		},
	},
	{
		slug:     "survey-nudge",
		name:     "Survey Reminder",
		trigger:  "survey_invitation_sent",
		category: mailing.CategoryFollowUp,
		steps: []seedStep{
			{"Quick reminder: your feedback survey", 1440},
			{"Last chance to share your feedback", 4320},
		},
	},
	{
		slug:     "post-move-review",
		name:     "Post-Move Review Request",
		trigger:  "job_completed",
		category: mailing.CategoryFollowUp,
		steps: []seedStep{
			{"How did your move go, {{ name }}?", 1440},
			{"Share your experience with {{ company }}", 10080},
		},
	},
}

// Seed installs the default sequence catalog. It is idempotent: if any
// sequence already exists the database is considered seeded and nothing is
// written. Returns the number of sequences created.
func Seed(ctx context.Context, store *mailing.Store) (int, error) {
	n, err := store.CountSequences(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed: count sequences: %w", err)
	}
	if n > 0 {
		logger.Info("sequences already present, skipping seed", "count", n)
		return 0, nil
	}

	created := 0
	for _, sc := range catalog {
		seq := &mailing.Sequence{
			Slug:         sc.slug,
			Name:         sc.name,
			TriggerEvent: sc.trigger,
			IsActive:     true,
		}
		if err := store.CreateSequence(ctx, seq); err != nil {
			return created, fmt.Errorf("seed: create sequence %s: %w", sc.slug, err)
		}

		for i, st := range sc.steps {
			tmpl := &mailing.Template{
				Slug:     fmt.Sprintf("%s-step-%d", sc.slug, i),
				Name:     fmt.Sprintf("%s (step %d)", sc.name, i+1),
				Subject:  st.subject,
				BodyHTML: defaultBody(st.subject),
				Category: sc.category,
				IsActive: true,
			}
			if err := store.CreateTemplate(ctx, tmpl); err != nil {
				return created, fmt.Errorf("seed: create template %s: %w", tmpl.Slug, err)
			}
			step := &mailing.SequenceStep{
				SequenceID:   seq.ID,
				TemplateID:   tmpl.ID,
				StepOrder:    i,
				DelayMinutes: st.delayMinutes,
			}
			if err := store.CreateSequenceStep(ctx, step); err != nil {
				return created, fmt.Errorf("seed: create step %d of %s: %w", i, sc.slug, err)
			}
		}

		created++
		logger.Info("seeded sequence", "slug", sc.slug, "steps", len(sc.steps))
	}
	return created, nil
}

// defaultBody produces a minimal HTML body for a catalog template. Real
// deployments replace these through the templates table.
func defaultBody(subject string) string {
	return fmt.Sprintf(
		`<html><body><p>Hi {{ name }},</p><p>%s</p><p>&mdash; The {{ company }} Team</p></body></html>`,
		subject)
}
