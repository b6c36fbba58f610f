package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiation         = errors.New("negotiation failed")
	ErrTransfer            = errors.New("transfer failed")
	ErrCommit              = errors.New("commit failed")
	ErrVerificationTimeout = errors.New("verification timed out")
	ErrDelete              = errors.New("delete failed")
	ErrUnknownKind         = errors.New("unknown storage kind")
)

// RemoteError reports a non-success response from one step of a remote
// protocol. It unwraps to its Kind so callers can match on the sentinel.
type RemoteError struct {
	Kind   error
	Op     string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%v: %s returned %d: %s", e.Kind, e.Op, e.Status, e.Body)
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// VerificationError is returned when a committed object never became
// resolvable on the read path. The statuses are the last ones observed for
// each probe; zero means the probe never got a response.
type VerificationError struct {
	Key             string
	Attempts        int
	ResolveStatus   int
	RawStatus       int
	PathsInfoStatus int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v: %q not resolvable after %d attempts (resolve=%d raw=%d paths-info=%d)",
		ErrVerificationTimeout, e.Key, e.Attempts, e.ResolveStatus, e.RawStatus, e.PathsInfoStatus)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationTimeout
}
