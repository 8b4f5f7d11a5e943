package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// flexibleID accepts ids sent as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// objects and arrays carry no usable id
		return nil
	}
	*f = flexibleID(n.String())
	return nil
}

type idHolder struct {
	ID flexibleID `json:"id"`
}

// resourceField holds either a resource URL string or an object with an id.
type resourceField struct {
	ID flexibleID
}

func (r *resourceField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var h idHolder
	if err := json.Unmarshal(b, &h); err != nil {
		return nil
	}
	r.ID = h.ID
	return nil
}

type notificationPayload struct {
	ID                flexibleID    `json:"id"`
	Type              string        `json:"type"`
	Topic             string        `json:"topic"`
	Action            string        `json:"action"`
	Data              idHolder      `json:"data"`
	Resource          resourceField `json:"resource"`
	PaymentID         flexibleID    `json:"payment_id"`
	Status            string        `json:"status"`
	ExternalReference string        `json:"external_reference"`
	Preference        struct {
		ExternalReference string `json:"external_reference"`
	} `json:"preference"`
}

// parsedNotification is what can be read from a payload without asking the
// provider anything.
type parsedNotification struct {
	PaymentID         string
	DataID            string
	ExternalReference string
}

// parseNotification extracts the payment id and external reference from a
// notification body. Malformed bodies yield an empty result, not an error.
func parseNotification(body []byte) parsedNotification {
	var p notificationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return parsedNotification{}
	}
	id := firstNonEmpty(string(p.Data.ID), string(p.ID), string(p.Resource.ID), string(p.PaymentID))
	ref := firstNonEmpty(p.ExternalReference, p.Preference.ExternalReference)
	return parsedNotification{PaymentID: id, DataID: string(p.Data.ID), ExternalReference: ref}
}

// unknownNotification is the best-effort record for payloads with no id.
func unknownNotification(p parsedNotification, body []byte) VerifiedNotification {
	return VerifiedNotification{
		Status:            StatusUnknown,
		ExternalReference: p.ExternalReference,
		Raw:               rawJSON(body),
	}
}

func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
