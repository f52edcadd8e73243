package detector

import "strings"

// Detector is a strategy that decides whether a command line is suspicious.
// It must be safe for concurrent use.
type Detector interface {
	// Suspicious returns true if the command line should be flagged.
	Suspicious(commandLine string) bool
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Classify reports whether any keyword occurs in commandLine, ignoring case.
// An empty command line is never suspicious and empty keywords never match.
func Classify(commandLine string, keywords []string) bool {
	if commandLine == "" {
		return false
	}
	lower := strings.ToLower(commandLine)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
