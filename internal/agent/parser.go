package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedReview represents a review verdict extracted from reviewer output.
type ParsedReview struct {
	Verdict  string // APPROVE, REJECT
	Comments []string
}

// Approved reports whether the reviewer approved.
func (r ParsedReview) Approved() bool { return r.Verdict == "APPROVE" }

// ParseReview extracts the verdict and comments from reviewer output.
// Expected format:
//
//	VERDICT: APPROVE
//	COMMENTS:
//	- file:line: description
func ParseReview(output string) ParsedReview {
	result := ParsedReview{}

	lines := strings.Split(output, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		if strings.HasPrefix(upper, "VERDICT:") {
			result.Verdict = parseVerdict(trimmed[len("VERDICT:"):])
			continue
		}

		if strings.HasPrefix(upper, "COMMENTS:") {
			// Collect all following lines that start with - or *
			for j := i + 1; j < len(lines); j++ {
				cl := strings.TrimSpace(lines[j])
				if cl == "" {
					continue
				}
				if strings.HasPrefix(cl, "-") || strings.HasPrefix(cl, "*") {
					comment := strings.TrimSpace(cl[1:])
					if comment != "" {
						result.Comments = append(result.Comments, comment)
					}
				} else if strings.HasSuffix(cl, ":") {
					break
				}
			}
		}
	}

	return result
}

// parseVerdict reads the first word of a verdict line. Only APPROVE or
// APPROVED is affirmative; any other word is a rejection, and a line with
// no word at all is no verdict.
func parseVerdict(rest string) string {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	word := strings.ToUpper(strings.Trim(fields[0], "*_`.,:;!-"))
	switch word {
	case "":
		return ""
	case "APPROVE", "APPROVED":
		return "APPROVE"
	}
	return "REJECT"
}

// ParseDecisionRequest extracts a NEEDS_DECISION prompt from executor
// output, or "" when the executor did not ask for one.
func ParseDecisionRequest(output string) string {
	const marker = "NEEDS_DECISION:"
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), marker) {
			return strings.TrimSpace(trimmed[len(marker):])
		}
	}
	return ""
}

var progressRe = regexp.MustCompile(`(?i)^PROGRESS:\s*(\d{1,3})%?\s*(.*)$`)

// ParseProgress parses a "PROGRESS: <pct> <step>" line. Percentages above
// 100 are clamped.
func ParseProgress(line string) (pct int, step string, ok bool) {
	m := progressRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, "", false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	if pct > 100 {
		pct = 100
	}
	return pct, strings.TrimSpace(m[2]), true
}

// ParseTestResult looks for a "TESTS: PASS|FAIL" line. found is false
// when the output carries no test signal at all.
func ParseTestResult(output string) (pass bool, found bool) {
	for _, line := range strings.Split(output, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if !strings.HasPrefix(upper, "TESTS:") {
			continue
		}
		rest := strings.TrimSpace(upper[6:])
		switch {
		case strings.HasPrefix(rest, "PASS"):
			pass, found = true, true
		case strings.HasPrefix(rest, "FAIL"):
			pass, found = false, true
		}
	}
	return pass, found
}
