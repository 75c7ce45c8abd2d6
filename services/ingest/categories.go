package ingest

import (
	"context"
	"log/slog"

	"github.com/city-of-baltimore/atves/services/ingest/db"
)

// violationCategories maps the labels both vendors use for a
// violation's workflow state onto the warehouse category codes. Axsis
// and CiteWeb spell the same states differently, and CiteWeb has
// changed its spellings over time, so this covers every form seen in
// the reports.
var violationCategories = map[string]int{
	"1- In Process":            db.CategoryInProcess,
	"In Process":               db.CategoryInProcess,
	"Events still in WF":       db.CategoryInProcess,
	"2- Non Violation":         db.CategoryNonViolation,
	"Non Violation":            db.CategoryNonViolation,
	"Non Events":               db.CategoryNonViolation,
	"3- Controllable Reject":   db.CategoryControllableReject,
	"Controllable Reject":      db.CategoryControllableReject,
	"Controllable":             db.CategoryControllableReject,
	"4- Uncontrollable Reject": db.CategoryUncontrollableReject,
	"Uncontrollable Reject":    db.CategoryUncontrollableReject,
	"Uncontrollable":           db.CategoryUncontrollableReject,
	"5- Issued":                db.CategoryIssued,
	"Issued":                   db.CategoryIssued,
	"Citations Issued":         db.CategoryIssued,
}

// violationCategory resolves a vendor label to its category code.
// Labels nobody has seen before land in the unknown bucket rather than
// failing the import; the nightly run must not die on a vendor renaming
// a workflow state.
func violationCategory(ctx context.Context, label string) int {
	if category, ok := violationCategories[label]; ok {
		return category
	}
	slog.WarnContext(ctx, "unrecognized violation category label", "label", label)
	return db.CategoryUnknown
}
