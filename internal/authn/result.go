package authn

import (
	"errors"
	"time"

	"github.com/isometry/ldap-authn/internal/identity"
)

var (
	// ErrInvalidCredentials is the only error callers see for a denied attempt.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrDirectoryUnavailable means the attempt can be retried later.
	ErrDirectoryUnavailable = errors.New("directory unavailable, try again later")
)

// Credentials are presented by the caller for a single attempt.
// Authenticate zeroes Secret before it returns.
type Credentials struct {
	Identifier string
	Secret     []byte
}

// Outcome is the verdict of an authentication attempt.
type Outcome int

const (
	Denied Outcome = iota
	Authenticated
	DirectoryUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Denied:
		return "denied"
	case DirectoryUnavailable:
		return "directory unavailable"
	default:
		return "unknown"
	}
}

// Step names a state of the authentication sequence.
type Step string

const (
	StepPrecheck     Step = "precheck"
	StepAcquire      Step = "acquire"
	StepBindService  Step = "bind_service"
	StepSearchUser   Step = "search_user"
	StepResolveEntry Step = "resolve_entry"
	StepBindUser     Step = "bind_user"
	StepAuthorize    Step = "authorize"
	StepSuccess      Step = "success"
)

// Result is the outcome of Authenticate.
//
// Step, Reason and Cause describe why an attempt ended and are meant for logs
// only. Callers report Err to the user.
type Result struct {
	Outcome    Outcome
	Step       Step
	Reason     string
	Cause      error
	Identifier string
	DN         string // Entry the user bound as
	Duration   time.Duration
	Identity   *identity.Identity // Set when an account was provisioned
}

// Err returns nil for Authenticated and a generic sentinel otherwise.
func (r Result) Err() error {
	switch r.Outcome {
	case Authenticated:
		return nil
	case DirectoryUnavailable:
		return ErrDirectoryUnavailable
	default:
		return ErrInvalidCredentials
	}
}

func denied(step Step, reason string, cause error) Result {
	return Result{Outcome: Denied, Step: step, Reason: reason, Cause: cause}
}

func unavailable(step Step, reason string, cause error) Result {
	return Result{Outcome: DirectoryUnavailable, Step: step, Reason: reason, Cause: cause}
}
