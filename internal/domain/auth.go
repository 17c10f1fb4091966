package domain

// Identity is a caller verified by the identity provider. UserID is the join
// key for entitlement and rate-limit state.
type Identity struct {
	UserID string
	Email  string
}
