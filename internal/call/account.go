package call

// Account identifies the phone account (subscription and connection
// service pairing) that owns a call. Under dual-subscription operation
// two accounts with distinct Subscription slots may both carry live calls.
type Account struct {
	// ID is the stable account identifier.
	ID string

	// Subscription is the subscription slot index (0 or 1 on dual-SIM
	// hardware).
	Subscription int

	// Label is the user-visible account name.
	Label string
}

// SameAs reports whether two (possibly nil) accounts refer to the same
// underlying account.
func (a *Account) SameAs(other *Account) bool {
	if a == nil || other == nil {
		return false
	}
	return a.ID == other.ID
}
