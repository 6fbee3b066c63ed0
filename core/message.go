package core

import "encoding/json"

// Invocation is an outbound request of an invoke activity to a partner.
// Responses are routed back through Channel.
type Invocation struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id"`
	ProcessID   string `json:"process_id"`
	ActivityID  string `json:"activity_id"`
	PartnerLink string `json:"partner_link"`
	Operation   string `json:"operation"`

	// Channel identifies the waiting invoke. It has to be passed back with the
	// response.
	Channel string `json:"channel"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// OneWay invocations do not expect a response.
	OneWay bool `json:"one_way,omitempty"`
}

// Reply answers an inbound request-response message. A reply carries either
// a payload or a fault.
type Reply struct {
	MexID       string `json:"mex_id"`
	InstanceID  string `json:"instance_id"`
	PartnerLink string `json:"partner_link,omitempty"`
	Operation   string `json:"operation,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	Fault string `json:"fault,omitempty"`

	// Failure is set when the request could not be answered, e.g. because
	// the instance ended before replying.
	Failure string `json:"failure,omitempty"`
}

// Response answers an invocation. Exactly one of Payload, Fault and Failure
// describes the outcome: a regular response, a fault raised by the partner,
// or a failure to deliver or process the invocation at all.
type Response struct {
	InvocationID string `json:"invocation_id"`
	InstanceID   string `json:"instance_id"`
	Channel      string `json:"channel"`

	Payload json.RawMessage `json:"payload,omitempty"`

	Fault string `json:"fault,omitempty"`

	Failure string `json:"failure,omitempty"`
}

func (i *Invocation) Respond(payload json.RawMessage) *Response {
	return &Response{InvocationID: i.ID, InstanceID: i.InstanceID, Channel: i.Channel, Payload: payload}
}

func (i *Invocation) RespondFault(fault string, payload json.RawMessage) *Response {
	r := i.Respond(payload)
	r.Fault = fault

	return r
}

func (i *Invocation) RespondFailure(reason string) *Response {
	r := i.Respond(nil)
	r.Failure = reason

	return r
}
