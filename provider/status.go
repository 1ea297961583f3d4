package provider

import (
	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
)

// StatusFor maps the outcome of a search to the status of its reply. The
// second result is false for unexpected failures, which get no reply at all.
func StatusFor(err error) (contracts.Status, bool) {
	switch engine.Classify(err) {
	case engine.FailureNone:
		return contracts.StatusOK, true
	case engine.FailureServiceNotAvailable:
		return contracts.StatusServiceNotAvailable, true
	case engine.FailureParse:
		return contracts.StatusParseError, true
	case engine.FailureQuery:
		return contracts.StatusQueryError, true
	default:
		return "", false
	}
}
