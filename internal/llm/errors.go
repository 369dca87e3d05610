package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a generation failure independent of backend wording.
type Code string

const (
	CodeUnknownModel          Code = "UnknownModel"
	CodeProviderUnavailable   Code = "ProviderUnavailable"
	CodeModelNotFound         Code = "ModelNotFound"
	CodeAuthenticationMissing Code = "AuthenticationMissing"
	CodeNetworkError          Code = "NetworkError"
	CodeMalformedResponse     Code = "MalformedResponse"
)

// Error is the normalized error returned by every provider and the Adapter.
// Message is user-facing guidance; Err is the underlying cause, if any.
// Status is the backend's HTTP status when the failure came from a reply.
type Error struct {
	Code     Code
	Provider string
	Model    string
	Message  string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("llm: ")
	b.WriteString(string(e.Code))
	if e.Provider != "" || e.Model != "" {
		fmt.Fprintf(&b, " (%s/%s)", e.Provider, e.Model)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownModel          = &Error{Code: CodeUnknownModel}
	ErrProviderUnavailable   = &Error{Code: CodeProviderUnavailable}
	ErrModelNotFound         = &Error{Code: CodeModelNotFound}
	ErrAuthenticationMissing = &Error{Code: CodeAuthenticationMissing}
	ErrNetworkError          = &Error{Code: CodeNetworkError}
	ErrMalformedResponse     = &Error{Code: CodeMalformedResponse}
)

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Guidance renders err as text suitable for an assistant-role chat message.
func Guidance(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("I ran into a problem generating a reply: %v", err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONSTRUCTORS
// ═══════════════════════════════════════════════════════════════════════════════

func unknownModelError(modelID string) *Error {
	return &Error{
		Code:    CodeUnknownModel,
		Model:   modelID,
		Message: fmt.Sprintf("Unknown model %q. Pick one of the models listed by \"confidant models\".", modelID),
	}
}

func unavailableError(provider, model string, cause error) *Error {
	msg := fmt.Sprintf("%s is not available right now.", displayName(provider))
	if provider == "ollama" {
		msg = "Ollama connection failed. Is Ollama running? Make sure it is listening on port 11434."
	}
	return &Error{Code: CodeProviderUnavailable, Provider: provider, Model: model, Message: msg, Err: cause}
}

func budgetExhaustedError(provider, model string, cause error) *Error {
	return &Error{
		Code:     CodeProviderUnavailable,
		Provider: provider,
		Model:    model,
		Message:  fmt.Sprintf("Today's %s token budget is used up. Try the local model or raise tokens_per_day.", displayName(provider)),
		Err:      cause,
	}
}

func authMissingError(provider, model string) *Error {
	return &Error{
		Code:     CodeAuthenticationMissing,
		Provider: provider,
		Model:    model,
		Message: fmt.Sprintf("%s API key not configured. Set %s in your environment.",
			displayName(provider), apiKeyEnvVar(provider)),
	}
}

func networkError(provider, model string, cause error) *Error {
	msg := fmt.Sprintf("Could not reach %s. Check your network connection and try again.", displayName(provider))
	if provider == "ollama" {
		msg = "Ollama connection refused. Make sure Ollama is running on port 11434."
	}
	return &Error{Code: CodeNetworkError, Provider: provider, Model: model, Message: msg, Err: cause}
}

func malformedError(provider, model string, cause error) *Error {
	return &Error{
		Code:     CodeMalformedResponse,
		Provider: provider,
		Model:    model,
		Message:  fmt.Sprintf("%s returned a reply I could not read. Please try again.", displayName(provider)),
		Err:      cause,
	}
}

// modelMissingMarkers are backend substrings meaning "reachable, but no such model".
var modelMissingMarkers = []string{"not found", "model missing", "decommissioned", "does not exist"}

// classifyStatus turns a non-2xx backend reply into a normalized error,
// rewriting known backend wording into guidance.
func classifyStatus(provider, model string, status int, body string) *Error {
	cause := fmt.Errorf("%s error (status %d): %s", provider, status, strings.TrimSpace(body))
	lower := strings.ToLower(body)

	for _, marker := range modelMissingMarkers {
		if !strings.Contains(lower, marker) {
			continue
		}
		e := &Error{Code: CodeModelNotFound, Provider: provider, Model: model, Status: status, Err: cause}
		switch {
		case marker == "decommissioned":
			e.Message = fmt.Sprintf("Model %q has been decommissioned by %s. Please use a newer model like %q.",
				model, displayName(provider), DefaultConfig(provider).Model)
		case provider == "ollama":
			e.Message = fmt.Sprintf("Model %q not found. Run \"ollama pull %s\" in your terminal.", model, model)
		default:
			e.Message = fmt.Sprintf("Model %q is not offered by %s.", model, displayName(provider))
		}
		return e
	}

	if status == 401 || status == 403 {
		e := authMissingError(provider, model)
		e.Message = fmt.Sprintf("%s rejected the API key. Check %s.", displayName(provider), apiKeyEnvVar(provider))
		e.Status = status
		e.Err = cause
		return e
	}

	msg := fmt.Sprintf("%s API error (status %d). Please try again.", displayName(provider), status)
	if status == 429 {
		msg = fmt.Sprintf("%s is rate limiting requests right now. Wait a moment and try again.", displayName(provider))
	}
	return &Error{
		Code:     CodeNetworkError,
		Provider: provider,
		Model:    model,
		Message:  msg,
		Status:   status,
		Err:      cause,
	}
}

// retryable reports whether a backend reply is worth sending again:
// throttling (429) and server-side failures (5xx).
func retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeNetworkError {
		return false
	}
	return e.Status == 429 || e.Status >= 500
}

func displayName(provider string) string {
	switch provider {
	case "ollama":
		return "Ollama"
	case "groq":
		return "Groq"
	case "":
		return "The provider"
	default:
		return strings.ToUpper(provider[:1]) + provider[1:]
	}
}
