package appservice

import (
	"fmt"
)

// RegistrationError means a registration document could not be turned into a
// usable ApplicationService.
type RegistrationError struct {
	// ID of the offending registration, when one was present.
	ID  string
	Err error
}

func (e RegistrationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("appservice: invalid registration: %s", e.Err.Error())
	}
	return fmt.Sprintf("appservice: invalid registration %q: %s", e.ID, e.Err.Error())
}

func (e RegistrationError) Unwrap() error {
	return e.Err
}

// TransactionSendError contains context surrounding why pushing a transaction
// to an application service failed.
type TransactionSendError struct {
	ServiceID  string // The application service being contacted.
	TxnID      int64  // The transaction being delivered.
	StatusCode int    // HTTP status of the rejection, or 0 if no response arrived.
	Err        error  // The underlying error message.
}

func (e TransactionSendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("appservice: transaction %d for %q failed: %s", e.TxnID, e.ServiceID, e.Err.Error())
	}
	return fmt.Sprintf("appservice: transaction %d for %q rejected with HTTP %d: %s", e.TxnID, e.ServiceID, e.StatusCode, e.Err.Error())
}

func (e TransactionSendError) Unwrap() error {
	return e.Err
}
