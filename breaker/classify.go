package breaker

// FailureClass categorises an observed failure for circuit-breaker
// accounting.
type FailureClass string

const (
	ClassTransient   FailureClass = "transient"
	ClassPermanent   FailureClass = "permanent"
	ClassExpected    FailureClass = "expected"
	ClassExternal    FailureClass = "external"
	ClassRateLimited FailureClass = "rate_limited"
)

// ClassifyHint carries the context an Execute caller's error provides for
// classification: an HTTP-ish status code (0 if not applicable), whether
// the failure was a network-level error with no status code, and whether
// the caller expected the target resource to exist (disambiguates a 404
// between "expected" and "transient").
type ClassifyHint struct {
	StatusCode          int
	NetworkError        bool
	ResourceShouldExist bool
}

// ClassifiableError lets a caller-supplied executor's error carry a
// ClassifyHint through Execute without the breaker needing to know the
// concrete error type of any particular external API client.
type ClassifiableError interface {
	error
	BreakerHint() ClassifyHint
}

// StatusOverrides lets callers override the default classification for
// specific status codes.
type StatusOverrides map[int]FailureClass

// Classifier applies the fixed rule table, with StatusOverrides taking
// precedence over every built-in rule.
type Classifier struct {
	overrides StatusOverrides
}

// NewClassifier builds a Classifier. A nil overrides map disables per-code
// overrides.
func NewClassifier(overrides StatusOverrides) *Classifier {
	return &Classifier{overrides: overrides}
}

func (c *Classifier) Classify(hint ClassifyHint) FailureClass {
	if c != nil && hint.StatusCode != 0 {
		if cls, ok := c.overrides[hint.StatusCode]; ok {
			return cls
		}
	}

	if hint.NetworkError {
		return ClassExternal
	}

	switch {
	case isRateLimitStatus(hint.StatusCode):
		return ClassRateLimited
	case isResourceMissingStatus(hint.StatusCode):
		if hint.ResourceShouldExist {
			return ClassTransient
		}
		return ClassExpected
	case isValidationStatus(hint.StatusCode):
		return ClassPermanent
	case isServerErrorStatus(hint.StatusCode):
		return ClassTransient
	default:
		return ClassTransient
	}
}

func isRateLimitStatus(code int) bool {
	return code == 429
}

func isResourceMissingStatus(code int) bool {
	return code == 404 || code == 410
}

func isValidationStatus(code int) bool {
	return code == 400 || code == 422 || code == 409
}

func isServerErrorStatus(code int) bool {
	return code >= 500 && code <= 599
}

// DefaultCountableClasses is the failure-class set counted toward the
// breaker's threshold when Config.CountableClasses is nil.
func DefaultCountableClasses() map[FailureClass]bool {
	return map[FailureClass]bool{
		ClassTransient:   true,
		ClassExternal:    true,
		ClassRateLimited: true,
	}
}
