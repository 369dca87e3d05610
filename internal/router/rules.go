package router

import (
	"regexp"
	"strings"
)

// MatchMode selects how a rule's keywords are tested.
type MatchMode int

const (
	// MatchSubstring fires when any keyword occurs anywhere in the utterance.
	MatchSubstring MatchMode = iota
	// MatchGreeting fires when the whole utterance is a keyword, or starts
	// with a keyword followed by a space.
	MatchGreeting
)

// Rule is one (predicate, classifier) pair. Keywords are lower case.
type Rule struct {
	Name     string
	Kind     IntentKind
	Keywords []string
	Mode     MatchMode

	// Build produces the intent once the rule matched on keyword.
	Build func(utterance, keyword string) Intent
}

// Match reports the first keyword of r found in utterance.
func (r Rule) Match(utterance string) (keyword string, ok bool) {
	lower := toLowerASCII(utterance)

	switch r.Mode {
	case MatchGreeting:
		trimmed := strings.TrimSpace(lower)
		for _, kw := range r.Keywords {
			if trimmed == kw || strings.HasPrefix(trimmed, kw+" ") {
				return kw, true
			}
		}
	default:
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return kw, true
			}
		}
	}
	return "", false
}

var (
	deletePhrases = []string{"delete task", "remove task", "clear task"}
	createPhrases = []string{"remind", "schedule", "buy", "todo", "wake me up", "alarm", "add"}

	// createStrip removes every trigger phrase from a task title.
	createStrip = phraseStripper("remind me to ", "schedule ", "buy ", "todo ", "wake me up at ", "alarm for ", "add ")
	deleteStrip = phraseStripper("delete task ", "remove task ", "clear task ")
)

// DefaultRules returns the rule list in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "task-delete",
			Kind:     IntentTaskDelete,
			Keywords: deletePhrases,
			Build: func(utterance, keyword string) Intent {
				return Intent{Query: deleteQuery(utterance, keyword)}
			},
		},
		{
			Name:     "task-create",
			Kind:     IntentTaskCreate,
			Keywords: createPhrases,
			Build: func(utterance, _ string) Intent {
				title := strings.TrimSpace(createStrip.ReplaceAllString(utterance, ""))
				if title == "" {
					title = utterance
				}
				return Intent{Title: title}
			},
		},
		{
			Name:     "identity",
			Kind:     IntentIdentityQuery,
			Keywords: []string{"your name", "who are you", "who is this"},
		},
		{
			Name:     "memory",
			Kind:     IntentMemoryStore,
			Keywords: []string{"i love", "i hate", "remember that"},
			Build: func(utterance, _ string) Intent {
				return Intent{Text: utterance}
			},
		},
		{
			Name:     "greeting",
			Kind:     IntentGreeting,
			Keywords: []string{"hello", "hi", "hey"},
			Mode:     MatchGreeting,
		},
	}
}

// deleteQuery is the text after the first occurrence of the matched phrase.
// When nothing follows it, every delete phrase is stripped instead.
func deleteQuery(utterance, keyword string) string {
	if i := strings.Index(toLowerASCII(utterance), keyword); i >= 0 {
		if q := strings.TrimSpace(utterance[i+len(keyword):]); q != "" {
			return q
		}
	}
	q := strings.TrimSpace(deleteStrip.ReplaceAllString(utterance, ""))
	for _, p := range deletePhrases {
		if strings.EqualFold(q, p) {
			return ""
		}
	}
	return q
}

// phraseStripper compiles a case-insensitive alternation of literal phrases.
func phraseStripper(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
}

// toLowerASCII lowers ASCII letters only, so byte offsets in the result are
// valid offsets into the input.
func toLowerASCII(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
