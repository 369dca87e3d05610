package router

// Classifier evaluates rules in order; the first match wins. A Classifier is
// immutable and safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over rules, or DefaultRules when none are given.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Classifier{rules: cp}
}

// Rules returns a copy of the rule list in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify maps utterance to an intent. It never fails: anything no rule
// claims is general chat, which carries prior so the reply can be generated
// with the conversation so far.
func (c *Classifier) Classify(utterance string, prior []Turn) Intent {
	for _, rule := range c.rules {
		kw, ok := rule.Match(utterance)
		if !ok {
			continue
		}

		var in Intent
		if rule.Build != nil {
			in = rule.Build(utterance, kw)
		}
		in.Kind = rule.Kind
		in.Rule = rule.Name
		in.Keyword = kw
		in.Utterance = utterance
		return in
	}

	history := make([]Turn, len(prior))
	copy(history, prior)
	return Intent{
		Kind:      IntentGeneralChat,
		Rule:      "general",
		Utterance: utterance,
		History:   history,
	}
}

var defaultClassifier = NewClassifier()

// Classify uses the default rule list.
func Classify(utterance string, prior []Turn) Intent {
	return defaultClassifier.Classify(utterance, prior)
}
