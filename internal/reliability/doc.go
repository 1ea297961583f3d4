// Package reliability holds the retry policies and circuit breaker used by
// search requesters.
//
// Both let the caller decide which errors count: a retry policy retries only
// errors its predicate accepts, and a circuit breaker trips only on errors
// its failure predicate accepts. A malformed query, for example, should
// neither be retried nor open the circuit.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return Retry(ctx, NewFixedDelay(100*time.Millisecond, 2), search)
//	})
package reliability
