package automation

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/primehaul/mailflow/internal/mailing"
)

func TestSeed_SkipsWhenSequencesExist(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM email_sequences`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	created, err := Seed(context.Background(), mailing.NewStore(db))
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d, want 0 on an already-seeded database", created)
	}
}

func TestSeed_FreshDatabase(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM email_sequences`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	for _, sc := range catalog {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO email_sequences`)).
			WithArgs(sqlmock.AnyArg(), sc.slug, sc.name, sc.trigger, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		for range sc.steps {
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO email_templates`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO email_sequence_steps`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
	}

	created, err := Seed(context.Background(), mailing.NewStore(db))
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if created != len(catalog) {
		t.Errorf("created = %d, want %d", created, len(catalog))
	}
}

func TestCatalogShape(t *testing.T) {
	// Review and survey chasers follow up on a transaction the recipient
	// already had; only the onboarding drip is marketing.
	wantCategories := map[string]mailing.Category{
		"quote-follow-up":  mailing.CategoryFollowUp,
		"onboarding-drip":  mailing.CategoryMarketing,
		"survey-nudge":     mailing.CategoryFollowUp,
		"post-move-review": mailing.CategoryFollowUp,
	}

	triggers := make(map[string]bool)
	for _, sc := range catalog {
		if triggers[sc.trigger] {
			t.Errorf("trigger %q bound to more than one sequence", sc.trigger)
		}
		triggers[sc.trigger] = true

		if !sc.category.Valid() {
			t.Errorf("sequence %q has invalid category %q", sc.slug, sc.category)
		}
		if want, ok := wantCategories[sc.slug]; !ok {
			t.Errorf("unexpected catalog sequence %q", sc.slug)
		} else if sc.category != want {
			t.Errorf("sequence %q category = %q, want %q", sc.slug, sc.category, want)
		}
		if len(sc.steps) == 0 {
			t.Errorf("sequence %q has no steps", sc.slug)
		}
		for _, st := range sc.steps {
			if st.delayMinutes < 0 {
				t.Errorf("sequence %q has negative delay %d", sc.slug, st.delayMinutes)
			}
		}
	}
}

func TestDefaultBody(t *testing.T) {
	body := defaultBody("Your moving quote")
	for _, want := range []string{"{{ name }}", "{{ company }}", "Your moving quote"} {
		if !strings.Contains(body, want) {
			t.Errorf("defaultBody missing %q in %q", want, body)
		}
	}
}
