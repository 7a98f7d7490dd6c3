// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCampaignNotFound is returned when a campaign does not exist or belongs to another tenant.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrContactNotFound is returned by preview when the contact is unknown.
type ErrContactNotFound struct {
	ContactID int64
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %d not found", e.ContactID)
}

func NewContactNotFound(id int64) error {
	return &ErrContactNotFound{ContactID: id}
}

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidationErrors groups several field problems into one error.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// ErrNoRecipients rejects a campaign whose targeting resolves to nobody.
var ErrNoRecipients = &ValidationError{Field: "targeting", Message: "no deliverable recipients match the targeting rule"}

// InvalidTransitionError rejects a state change the campaign state machine does not allow.
type InvalidTransitionError struct {
	CampaignID int64
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("campaign %d cannot move from %s to %s", e.CampaignID, e.From, e.To)
}

func NewInvalidTransition(id int64, from, to string) error {
	return &InvalidTransitionError{CampaignID: id, From: from, To: to}
}

// ErrGatewayUnavailable marks a dispatch run that gave up because the channel stayed down.
var ErrGatewayUnavailable = errors.New("send gateway unavailable")

// ErrUnknownProvider is returned when no gateway is registered for a provider kind.
var ErrUnknownProvider = errors.New("unknown send provider")

// IsValidation reports whether err should be reported to the caller as a bad request.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}

// IsNotFound reports whether err names a missing campaign or contact.
func IsNotFound(err error) bool {
	var cnf *ErrCampaignNotFound
	var ctnf *ErrContactNotFound
	return errors.As(err, &cnf) || errors.As(err, &ctnf)
}

// IsInvalidTransition reports whether err is a rejected state change.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
