package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// maxPrimaryAttempts bounds calls to the primary before failing over.
const maxPrimaryAttempts = 2

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFatal
)

// classify maps a call error to an outcome. Rate limits, server errors and
// per-call timeouts are transient; other 4xx and unusable 2xx bodies are not.
func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if errors.Is(err, errMalformed) {
		return outcomeFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests,
			se.Code == http.StatusRequestTimeout,
			se.Code >= 500:
			return outcomeRetryable
		default:
			return outcomeFatal
		}
	}
	// Timeouts and transport failures.
	return outcomeRetryable
}

// failover walks primary attempts, then at most one secondary attempt.
// It holds no network state so retry bounds are testable on their own.
type failover struct {
	hasSecondary    bool
	current         Target
	primaryAttempts int
	secondaryTried  bool
	attempts        int
	done            bool
	fatal           bool
	lastErr         error
}

func newFailover(hasSecondary bool) *failover {
	return &failover{hasSecondary: hasSecondary}
}

// next returns the target of the next attempt, or false when none remain.
func (f *failover) next() (Target, bool) {
	if f.done {
		return "", false
	}
	switch {
	case f.primaryAttempts < maxPrimaryAttempts:
		f.primaryAttempts++
		f.current = Primary
	case f.hasSecondary && !f.secondaryTried:
		f.secondaryTried = true
		f.current = Secondary
	default:
		f.done = true
		return "", false
	}
	f.attempts++
	return f.current, true
}

// record feeds back the outcome of the attempt returned by the last next.
func (f *failover) record(o outcome, err error) {
	switch o {
	case outcomeSuccess:
		f.done = true
		f.lastErr = nil
	case outcomeFatal:
		f.lastErr = err
		f.done = true
		// Only a primary rejection is a misconfiguration signal; anything
		// the secondary returns ends the invocation as exhausted.
		f.fatal = f.current == Primary
	case outcomeRetryable:
		f.lastErr = err
		if f.current == Secondary {
			f.done = true
		}
	}
}

// retryingPrimary reports whether the upcoming attempt repeats the primary.
func (f *failover) retryingPrimary() bool {
	return f.current == Primary && f.primaryAttempts > 1
}

func (f *failover) err() error {
	if f.fatal {
		return fmt.Errorf("%w: %v", ErrProviderFatal, f.lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrProviderExhausted, f.attempts, f.lastErr)
}
