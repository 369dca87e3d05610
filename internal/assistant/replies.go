package assistant

import "fmt"

// Canned replies for intents answered without a backend. user is the user's
// display name and ai the active persona's name.

func taskCreatedReply(user, ai, title string) string {
	return fmt.Sprintf("Of course, %s. I've added %q to your list. — %s", user, title, ai)
}

func taskDeletedReply(ai, title string) string {
	return fmt.Sprintf("Task %q has been removed. — %s", title, ai)
}

func taskNotFoundReply(ai, query string) string {
	return fmt.Sprintf("I couldn't find a task matching %q. — %s", query, ai)
}

func identityReply(user, ai string) string {
	return fmt.Sprintf("I am %s, your personal AI companion. It's a pleasure to assist you, %s.", ai, user)
}

func memoryReply(user string) string {
	return fmt.Sprintf("Noted, %s. I'll remember that for you.", user)
}

func greetingReply(user, ai string) string {
	return fmt.Sprintf("Hello %s! How can I help you today? — %s", user, ai)
}
