package structuring

import (
	"regexp"
	"strings"
)

// Severity and urgency weighting for the global priority ranking. The
// concrete weights are a tunable policy; they are tested independently of
// the pipeline shape.
var severityWeights = []struct {
	word   string
	weight int
}{
	{"arrest", 6}, {"unresponsive", 6}, {"sepsis", 5}, {"deteriorat", 5},
	{"airway", 5}, {"chest pain", 5}, {"transfusion", 4}, {"bleeding", 4},
	{"desat", 4}, {"hypotens", 4}, {"fall", 3}, {"seizure", 3},
	{"infection", 3}, {"fever", 2}, {"pain", 2}, {"vomiting", 2},
	{"nausea", 1}, {"confusion", 2}, {"wound", 2},
}

var urgencyWords = []string{"immediately", "stat", "right away", "now", "asap", "urgent"}

var (
	actionRe    = regexp.MustCompile(`(?i)\b(check|recheck|give|administer|follow up|draw|schedule|call|monitor|reassess|change|flush|restart|notify|chase|review|hold|titrate)\b`)
	timedRe     = regexp.MustCompile(`(?i)\b(at \d|by \d|before|after|tonight|overnight|q\d+h|in the morning|midnight)\b`)
	vagueTimeRe = regexp.MustCompile(`(?i)\b(later|soon|at some point|sometime|eventually|when someone gets a chance|when you get a chance)\b`)
	doseRe      = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(mg|mcg|g|ml|units?|mmol)\b`)
	medVerbRe   = regexp.MustCompile(`(?i)\b(give|administer|dose|infuse|push)\b`)
	vitalsBP    = regexp.MustCompile(`(?i)\b(?:bp|blood pressure)\D{0,10}(\d{2,3})\s*/\s*(\d{2,3})\b`)
	hedgeRe     = regexp.MustCompile(`(?i)\b(maybe|unsure|not sure|unclear|possibly|i think|can't remember|cannot remember|might be)\b`)
	wardRe      = regexp.MustCompile(`(?i)\b(ward|unit|staffing|supply|supplies|pharmacy|equipment|maintenance|census|fire drill|handover room)\b`)
	problemRe   = regexp.MustCompile(`(?i)\b(pain|fever|nausea|vomiting|confusion|wound|infection|hypotens|desat|bleeding|fall|sepsis|arrhythmia|short(ness)? of breath|chest pain|deteriorat|unresponsive|seizure)\b`)
	riskRe      = regexp.MustCompile(`(?i)\b(fall risk|pressure injury|aspiration|allerg|seizure precaution|flight risk|isolation)\b`)
)

// severity scores a sentence by additive keyword weights plus an urgency
// bonus. Zero means the sentence carries no ranked clinical signal.
func severity(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range severityWeights {
		if strings.Contains(lower, w.word) {
			score += w.weight
		}
	}
	for _, u := range urgencyWords {
		if strings.Contains(lower, u) {
			score += 2
			break
		}
	}
	return score
}

// badge maps a score to the display badge.
func badge(score int) string {
	switch {
	case score >= 6:
		return "critical"
	case score >= 4:
		return "urgent"
	default:
		return "watch"
	}
}

// riskLevel classifies a todo sentence.
func riskLevel(text string) RiskLevel {
	if severity(text) >= 4 || doseRe.MatchString(text) {
		return RiskHigh
	}
	if timedRe.MatchString(text) {
		return RiskMedium
	}
	return RiskLow
}

func isTodo(text string) bool    { return actionRe.MatchString(text) }
func isProblem(text string) bool { return problemRe.MatchString(text) }
func isRisk(text string) bool    { return riskRe.MatchString(text) }
func isWard(text string) bool    { return wardRe.MatchString(text) }
