// Package circuit provides a consecutive-failure circuit breaker. The index
// client uses it to stop issuing lookups to an index service that is down;
// while the breaker is open every lookup is answered locally as a miss.
package circuit
