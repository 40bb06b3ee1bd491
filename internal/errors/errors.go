// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

// ErrAlreadyRunning signals a lost lease race. Callers are expected to no-op;
// it is never surfaced as a user error.
type ErrAlreadyRunning struct {
	CampaignID string
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("campaign %s already has an active worker", e.CampaignID)
}

func NewAlreadyRunning(id string) error {
	return &ErrAlreadyRunning{CampaignID: id}
}

func IsAlreadyRunning(err error) bool {
	var ar *ErrAlreadyRunning
	return errors.As(err, &ar)
}

// ErrNoFailedRecipients is returned by RetryFailed when the source campaign
// has nothing to retry.
type ErrNoFailedRecipients struct {
	CampaignID string
}

func (e *ErrNoFailedRecipients) Error() string {
	return fmt.Sprintf("campaign %s has no failed recipients", e.CampaignID)
}

func NewNoFailedRecipients(id string) error {
	return &ErrNoFailedRecipients{CampaignID: id}
}

func IsNoFailedRecipients(err error) bool {
	var nf *ErrNoFailedRecipients
	return errors.As(err, &nf)
}

// ErrInvalidSettings rejects a campaign at creation time.
type ErrInvalidSettings struct {
	Reason error
}

func (e *ErrInvalidSettings) Error() string {
	return fmt.Sprintf("invalid campaign settings: %v", e.Reason)
}

func (e *ErrInvalidSettings) Unwrap() error { return e.Reason }

func NewInvalidSettings(reason error) error {
	return &ErrInvalidSettings{Reason: reason}
}

func IsInvalidSettings(err error) bool {
	var is *ErrInvalidSettings
	return errors.As(err, &is)
}

// ErrInvalidTransition rejects a control action the campaign's current
// status does not permit, like pausing a completed campaign.
type ErrInvalidTransition struct {
	CampaignID string
	Status     string
	Action     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s campaign %s in status %s", e.Action, e.CampaignID, e.Status)
}

func NewInvalidTransition(id, status, action string) error {
	return &ErrInvalidTransition{CampaignID: id, Status: status, Action: action}
}

func IsInvalidTransition(err error) bool {
	var it *ErrInvalidTransition
	return errors.As(err, &it)
}

// SendError is a provider failure, pre-classified by the adapter. Transient
// errors (timeouts, provider-side rate limiting) get a bounded retry with
// backoff; permanent ones (invalid address, blocked number) fail immediately.
type SendError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send error (%s): %v", kind, e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func NewTransientSend(code string, err error) error {
	return &SendError{Code: code, Permanent: false, Err: err}
}

func NewPermanentSend(code string, err error) error {
	return &SendError{Code: code, Permanent: true, Err: err}
}

// IsPermanentSend reports whether err is a send error that must not be
// retried. Any other error, including plain timeouts, counts as transient.
func IsPermanentSend(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
