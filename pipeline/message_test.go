package pipeline

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestValidate(t *testing.T) {
	ok := AnalysisCompleted{
		AnalysisID:        "an_1",
		UserID:            "user-1",
		LinesAnalyzed:     120,
		FindingsGenerated: 3,
		CompletedAt:       time.Now(),
	}
	assert.NilError(t, ok.Validate())

	missingID := ok
	missingID.AnalysisID = ""
	assert.ErrorContains(t, missingID.Validate(), "AnalysisID")

	negative := ok
	negative.LinesAnalyzed = -1
	assert.ErrorContains(t, negative.Validate(), "LinesAnalyzed")

	noTime := ok
	noTime.CompletedAt = time.Time{}
	assert.ErrorContains(t, noTime.Validate(), "CompletedAt")

	admitted := ok
	admitted.PeriodKey = "2024-03"
	assert.NilError(t, admitted.Validate())

	for _, key := range []string{"2024-13", "2024-3", "March", "2024-03-01"} {
		badKey := ok
		badKey.PeriodKey = key
		assert.ErrorContains(t, badKey.Validate(), "PeriodKey", key)
	}
}
