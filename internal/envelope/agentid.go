package envelope

import (
	"regexp"
	"strings"
)

// Unknown is the sentinel agent ID returned when a mail header carries no
// recognizable agent identifier.
const Unknown = "https://unknown/@unknown"

var (
	// agentIDSearch finds the first agent-ID-shaped substring in free text.
	agentIDSearch = regexp.MustCompile(`https?://[a-zA-Z0-9.\-]+/@[a-zA-Z0-9_.\-]+`)

	// splitScheme matches a scheme prefix broken up by spaces, as produced
	// by header line-folding (e.g. "https : //example.com").
	splitScheme = regexp.MustCompile(`https?\s*:\s*//`)

	bracketScrub = strings.NewReplacer("<", " ", ">", " ")
)

// ExtractAgentID pulls an ActivityPub-style agent ID out of a raw mail
// header value such as "Alice <https://example.com/@alice>". It is a total
// function: when the header is empty or carries no agent ID it returns the
// Unknown sentinel rather than failing.
func ExtractAgentID(header string) string {
	if header == "" {
		return Unknown
	}

	sanitized := bracketScrub.Replace(header)
	sanitized = splitScheme.ReplaceAllStringFunc(sanitized, func(m string) string {
		return strings.ReplaceAll(m, " ", "")
	})

	if m := agentIDSearch.FindString(sanitized); m != "" {
		return strings.TrimRight(m, "/")
	}
	return Unknown
}
