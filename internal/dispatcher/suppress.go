package dispatcher

import "regexp"

// errorPhrasePatterns are phrases that indicate a reply's content is itself
// a model/transport error surfaced verbatim rather than a genuine response —
// an HTTP status line, a rate-limit notice, an invalid-input rejection, or a
// context-length overflow. When a reply the dispatcher is about to publish
// matches two or more of these, publication is suppressed — a single match
// is tolerated (e.g. an agent genuinely discussing "HTTP 500s in prod"), but
// two or more is treated as a sign the reply is just an error passthrough,
// which left alone would ping-pong between agents forever.
var errorPhrasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bHTTP(/\d(\.\d)?)?\s*[45]\d\d\b`),
	regexp.MustCompile(`(?i)\b[45]\d\d\s+(bad request|unauthorized|forbidden|not found|too many requests|internal server error|bad gateway|service unavailable|gateway timeout)\b`),
	regexp.MustCompile(`(?i)rate.?limit(ed|ing)?\b`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)invalid (input|request|argument|parameter)\b`),
	regexp.MustCompile(`(?i)context(_| )?length`),
	regexp.MustCompile(`(?i)(maximum|max) (context|token) (length|limit)`),
	regexp.MustCompile(`(?i)prompt (is )?too long`),
}

// shouldSuppressReply reports whether content matches two or more of the
// known auto-failure phrases, per the two-match suppression rule.
func shouldSuppressReply(content string) bool {
	matches := 0
	for _, p := range errorPhrasePatterns {
		if p.MatchString(content) {
			matches++
			if matches >= 2 {
				return true
			}
		}
	}
	return false
}
