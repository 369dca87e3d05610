// Package router classifies a free-text utterance into an intent before any
// generation call is made. Classification is ordered keyword precedence over
// a data-driven rule list: the first matching rule wins.
package router

// IntentKind is the classified purpose of an utterance.
type IntentKind string

const (
	IntentTaskDelete    IntentKind = "task_delete"
	IntentTaskCreate    IntentKind = "task_create"
	IntentIdentityQuery IntentKind = "identity_query"
	IntentMemoryStore   IntentKind = "memory_store"
	IntentGreeting      IntentKind = "greeting"
	IntentGeneralChat   IntentKind = "general_chat"
)

// AllIntentKinds returns every kind in rule precedence order.
func AllIntentKinds() []IntentKind {
	return []IntentKind{
		IntentTaskDelete,
		IntentTaskCreate,
		IntentIdentityQuery,
		IntentMemoryStore,
		IntentGreeting,
		IntentGeneralChat,
	}
}

// String returns the string representation of an IntentKind.
func (k IntentKind) String() string {
	return string(k)
}

// IsValid checks if k is a known kind.
func (k IntentKind) IsValid() bool {
	for _, valid := range AllIntentKinds() {
		if k == valid {
			return true
		}
	}
	return false
}

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Intent is the result of classification. Only the field matching Kind is set:
// Query for TaskDelete, Title for TaskCreate, Text for MemoryStore, History
// for GeneralChat.
type Intent struct {
	Kind IntentKind

	// Rule is the name of the rule that matched, for logging.
	Rule string
	// Keyword is the trigger phrase that matched, empty for general chat.
	Keyword string

	Utterance string

	Query   string
	Title   string
	Text    string
	History []Turn
}
