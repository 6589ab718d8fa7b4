package gateway

// Attempt is the recovery budget of one logical request. It is a value: every
// replay gets a new Attempt, nothing is attached to the transport request.
type Attempt struct {
	N   int // sends made so far, starting at 1
	Max int // recovery rounds allowed
}

// FirstAttempt is the budget of a fresh request: one send, one recovery.
func FirstAttempt() Attempt { return Attempt{N: 1, Max: 1} }

// CanRecover reports whether another refresh-and-replay round is allowed.
func (a Attempt) CanRecover() bool { return a.N-1 < a.Max }

// Retried reports whether this send is a replay.
func (a Attempt) Retried() bool { return a.N > 1 }

// Next returns the budget for the replay.
func (a Attempt) Next() Attempt { return Attempt{N: a.N + 1, Max: a.Max} }
