package auth

import (
	"errors"
	"strings"
)

// GenericAuthMessage is the only text clients see for any authentication failure
const GenericAuthMessage = "invalid or expired token"

// State is the outcome of authenticating a request
type State int

const (
	StateRejected State = iota
	StateBound
)

// RejectReason classifies a rejection for logs and metrics
type RejectReason string

const (
	RejectMalformed    RejectReason = "malformed"
	RejectBadSignature RejectReason = "bad_signature"
	RejectExpired      RejectReason = "expired"
	RejectWrongType    RejectReason = "wrong_type"
)

// Result is either Rejected with a reason or Bound to a principal
type Result struct {
	State     State
	Reason    RejectReason
	Principal Principal
	err       error
}

// Bound reports whether the request carries a valid access token
func (r Result) Bound() bool {
	return r.State == StateBound
}

// Err returns nil for bound results and an *AuthError otherwise
func (r Result) Err() error {
	if r.Bound() {
		return nil
	}
	return &AuthError{Reason: r.Reason, Err: r.err}
}

// AuthError is a rejected authentication. Its message never reveals the reason.
type AuthError struct {
	Reason RejectReason
	Err    error
}

func (e *AuthError) Error() string {
	return GenericAuthMessage
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Gate turns an access token into a request principal. It performs no I/O.
type Gate struct {
	codec *TokenCodec
}

// NewGate creates a gate verifying tokens with codec
func NewGate(codec *TokenCodec) *Gate {
	return &Gate{codec: codec}
}

// Authenticate verifies a raw access token
func (g *Gate) Authenticate(raw string) Result {
	p, err := g.codec.VerifyAccess(raw)
	if err != nil {
		return Result{State: StateRejected, Reason: rejectReason(err), err: err}
	}
	return Result{State: StateBound, Principal: p}
}

// AuthenticateHeader verifies an Authorization header of the form "Bearer <token>"
func (g *Gate) AuthenticateHeader(header string) Result {
	raw, ok := bearerToken(header)
	if !ok {
		return Result{State: StateRejected, Reason: RejectMalformed, err: ErrTokenMalformed}
	}
	return g.Authenticate(raw)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func rejectReason(err error) RejectReason {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return RejectExpired
	case errors.Is(err, ErrTokenBadSignature):
		return RejectBadSignature
	case errors.Is(err, ErrTokenWrongType):
		return RejectWrongType
	default:
		return RejectMalformed
	}
}
