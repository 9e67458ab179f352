// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (subscription.go, token.go, event.go, errors.go) hold shared
// types and the contracts adapters implement. No implementation code - just contracts.
package domain
