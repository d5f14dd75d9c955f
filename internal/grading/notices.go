package grading

import (
	"fmt"
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

type NoticeLevel string

const (
	LevelInfo    NoticeLevel = "info"
	LevelWarning NoticeLevel = "warning"
)

// Notice is an informational message about ledger completeness. None of
// them stop grading.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

// Notices inspects the ledger for gaps a reader of the grading output should
// know about: no data at all, the latest day still awaiting actuals, fewer
// sources than expected on the latest day, and nothing gradable yet.
func Notices(rows []models.LedgerRow, expectedSources int) []Notice {
	if len(rows) == 0 {
		return []Notice{{Level: LevelWarning, Message: "No data found. The ledger has no rows yet."}}
	}

	var latest time.Time
	for _, r := range rows {
		if r.Date.After(latest) {
			latest = r.Date
		}
	}

	var notices []Notice
	sources := make(map[string]bool)
	missing := 0
	for _, r := range rows {
		if !r.Date.Equal(latest) {
			continue
		}
		sources[r.Source] = true
		if !r.HasActuals() {
			missing++
		}
	}
	day := latest.Format(models.DateLayout)
	if missing > 0 {
		notices = append(notices, Notice{
			Level:   LevelWarning,
			Message: fmt.Sprintf("Waiting on actuals for %s (%d rows) before grading.", day, missing),
		})
	}
	if expectedSources > 0 && len(sources) < expectedSources {
		notices = append(notices, Notice{
			Level:   LevelWarning,
			Message: fmt.Sprintf("Only %d of %d sources reported for %s.", len(sources), expectedSources, day),
		})
	}
	if len(GradeAll(rows)) == 0 {
		notices = append(notices, Notice{
			Level:   LevelInfo,
			Message: "No completed actuals available yet to calculate accuracy.",
		})
	}
	return notices
}
