package status

import "strings"

// internalMessage is what callers see for unclassified failures.
const internalMessage = "internal server error"

// Keyword tiers consulted in order when an error carries no explicit kind.
var (
	authKeywords       = []string{"token", "authentic", "autentic", "credential", "unauthenticated"}
	notFoundKeywords   = []string{"not found", "não encontrad", "nao encontrad"}
	validationKeywords = []string{"required", "invalid", "inválid", "obrigat", "validation", "title", "titulo", "título"}
)

// Classifier maps errors onto a Kind and a caller-facing message.
type Classifier struct {
	keywords bool
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithoutKeywordFallback disables message inspection so that only explicit
// kinds are honored; everything else classifies as Internal.
func WithoutKeywordFallback() ClassifierOption {
	return func(c *Classifier) { c.keywords = false }
}

// NewClassifier returns a Classifier with keyword fallback enabled unless
// disabled by an option.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{keywords: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default is the process-wide classifier used by Classify.
var Default = NewClassifier()

// Classify is shorthand for Default.Classify.
func Classify(err error) (Kind, string) {
	return Default.Classify(err)
}

// Classify returns the kind and message for err.
//
// An explicit kind anywhere in the wrap chain is passed through unchanged.
// Otherwise the message is matched case-insensitively against
// authentication, not-found and validation terms, in that order. The
// keyword tier is best-effort: any message containing "invalid" becomes
// InvalidArgument, so handlers should attach explicit kinds instead of
// relying on it.
func (c *Classifier) Classify(err error) (Kind, string) {
	if err == nil {
		return OK, ""
	}
	if se, ok := FromError(err); ok {
		return se.Kind, se.Message
	}
	if !c.keywords {
		return Internal, internalMessage
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authKeywords):
		return Unauthenticated, err.Error()
	case containsAny(msg, notFoundKeywords):
		return NotFound, err.Error()
	case containsAny(msg, validationKeywords):
		return InvalidArgument, err.Error()
	}
	return Internal, internalMessage
}

// Convert returns err as a *Error with its classified kind.
func (c *Classifier) Convert(err error) *Error {
	if err == nil {
		return nil
	}
	if se, ok := FromError(err); ok {
		return se
	}
	kind, msg := c.Classify(err)
	return &Error{Kind: kind, Message: msg, Err: err}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
