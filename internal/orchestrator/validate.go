package orchestrator

import (
	"regexp"
	"strings"
)

// successIndicators are phrases that job boards show after a submitted
// application. Matching is case-insensitive over worker logs and output.
var successIndicators = []string{
	"application submitted",
	"application received",
	"successfully applied",
	"thank you for applying",
	"thank you for your application",
	"your application has been sent",
	"application complete",
}

// confirmationPatterns extract a confirmation identifier from worker
// output. The first capture group of the first matching pattern wins.
var confirmationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)confirmation\s*(?:number|id|code)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{4,})`),
	regexp.MustCompile(`(?i)application\s*(?:id|number)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{4,})`),
	regexp.MustCompile(`(?i)reference\s*(?:number|code)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{4,})`),
}

// Confidence score contributions. The sum of all parts is capped at 100.
const (
	scoreWorkerSuccess  = 40
	scoreIndicators     = 20
	scoreConfirmationID = 25
	scoreScreenshots    = 15
)

// matchIndicators reports whether any success phrase appears in the lines.
func matchIndicators(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, phrase := range successIndicators {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

// extractConfirmationID scans the lines for a confirmation identifier.
func extractConfirmationID(lines []string) string {
	for _, line := range lines {
		for _, re := range confirmationPatterns {
			if m := re.FindStringSubmatch(line); len(m) > 1 {
				return m[1]
			}
		}
	}
	return ""
}

// confidenceScore combines the validation signals into a 0-100 score.
func confidenceScore(workerSuccess, indicators bool, confirmationID string, screenshotCount int) int {
	score := 0
	if workerSuccess {
		score += scoreWorkerSuccess
	}
	if indicators {
		score += scoreIndicators
	}
	if confirmationID != "" {
		score += scoreConfirmationID
	}
	if screenshotCount > 0 {
		score += scoreScreenshots
	}
	if score > 100 {
		score = 100
	}
	return score
}
