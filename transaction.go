package appservice

// A Transaction is one uniquely numbered batch of payloads bound for one
// application service. Transactions for a service are numbered from a
// monotonic counter and delivered strictly in order, so a transaction also
// acts as the unit of retry: a rejected transaction is resent under the same
// ID until the service accepts it.
type Transaction struct {
	// Service the transaction is addressed to.
	Service *ApplicationService
	// TxnID is unique per service, not globally. It must be safe to insert
	// into a URL path segment.
	TxnID int64
	// The room events pushed by this transaction, oldest first.
	Events []ClientEvent
	// The ephemeral events pushed by this transaction, oldest first. Only
	// populated for services that opted into MSC2409.
	Ephemeral []EphemeralEvent
	// The send-to-device messages pushed by this transaction, oldest first.
	// Only populated for services that opted into MSC2409.
	ToDevice []ToDeviceEvent
}

// TransactionBody is the JSON body of a transaction push.
// TODO: Update unstable prefix once MSC2409 completes FCP merge.
type TransactionBody struct {
	Events    []ClientEvent    `json:"events"`
	Ephemeral []EphemeralEvent `json:"de.sorunome.msc2409.ephemeral,omitempty"`
	ToDevice  []ToDeviceEvent  `json:"de.sorunome.msc2409.to_device,omitempty"`
}

// Body returns the wire form of the transaction. The events array is always
// present, even when empty, as application services expect it.
func (t *Transaction) Body() TransactionBody {
	body := TransactionBody{
		Events:    t.Events,
		Ephemeral: t.Ephemeral,
		ToDevice:  t.ToDevice,
	}
	if body.Events == nil {
		body.Events = []ClientEvent{}
	}
	return body
}

// Empty reports whether the transaction carries no payloads at all. Empty
// transactions are never sent.
func (t *Transaction) Empty() bool {
	return len(t.Events) == 0 && len(t.Ephemeral) == 0 && len(t.ToDevice) == 0
}
