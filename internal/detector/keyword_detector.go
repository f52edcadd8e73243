package detector

import "strings"

// DefaultKeywords are command-injection and obfuscation markers commonly seen in
// living-off-the-land shell invocations.
var DefaultKeywords = []string{"hidden", "-enc", "/c", "temp", "downloadstring", "bypass"}

// KeywordDetector flags command lines containing any configured keyword.
// Keywords are lower-cased once at construction; blanks are dropped.
type KeywordDetector struct {
	keywords []string
}

func NewKeywordDetector(keywords []string) KeywordDetector {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw = append(kw, k)
		}
	}
	return KeywordDetector{keywords: kw}
}

func (d KeywordDetector) Suspicious(commandLine string) bool {
	return Classify(commandLine, d.keywords)
}

// Matches returns the keywords found in commandLine in configuration order.
func (d KeywordDetector) Matches(commandLine string) []string {
	if commandLine == "" {
		return nil
	}
	lower := strings.ToLower(commandLine)
	var hits []string
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

func (d KeywordDetector) Keywords() []string {
	return append([]string(nil), d.keywords...)
}

func (d KeywordDetector) Describe() string { return "keywords:" + strings.Join(d.keywords, ",") }
