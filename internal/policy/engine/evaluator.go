package engine

import "context"

// SessionInput is what the session policy sees when a user signs in.
type SessionInput struct {
	UserID     int64
	DeviceName string
}

// SessionDecision is the outcome of the session policy for one sign-in.
type SessionDecision struct {
	// RevokePriorDeviceTokens revokes the user's active tokens on the same device before issuing new ones.
	RevokePriorDeviceTokens bool
}

// Evaluator decides session policy at login. Implementations must be safe for concurrent use.
type Evaluator interface {
	EvaluateLogin(ctx context.Context, in SessionInput) (SessionDecision, error)
}
