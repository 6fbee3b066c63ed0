package correlation

import (
	"slices"
	"strconv"
	"strings"
)

// Key is the value of a correlation set, the property values in declaration
// order. The zero key matches messages regardless of their correlation values.
type Key struct {
	Set    string   `json:"set,omitempty"`
	Values []string `json:"values,omitempty"`
}

func NewKey(set string, values ...string) Key {
	return Key{Set: set, Values: values}
}

func (k Key) IsZero() bool {
	return k.Set == "" && len(k.Values) == 0
}

func (k Key) String() string {
	if k.IsZero() {
		return "*"
	}

	quoted := make([]string, len(k.Values))
	for i, v := range k.Values {
		quoted[i] = strconv.Quote(v)
	}

	return k.Set + "(" + strings.Join(quoted, ",") + ")"
}

func (k Key) Equal(o Key) bool {
	return k.Set == o.Set && slices.Equal(k.Values, o.Values)
}

// Selector describes one message a receive-like activity is willing to accept.
type Selector struct {
	PartnerLink     string `json:"partner_link"`
	Operation       string `json:"operation"`
	MessageExchange string `json:"mex,omitempty"`
	Key             Key    `json:"key,omitempty"`

	// OneWay selectors never wait for a reply, so they are not kept bound
	// after a message was received.
	OneWay bool `json:"one_way,omitempty"`
}

// conflicts reports whether both selectors would accept the same request and
// so could not be answered unambiguously by a reply.
func (s Selector) conflicts(o Selector) bool {
	return s.PartnerLink == o.PartnerLink &&
		s.Operation == o.Operation &&
		s.MessageExchange == o.MessageExchange
}

func (s Selector) matches(partnerLink, operation, mex string) bool {
	return s.PartnerLink == partnerLink && s.Operation == operation && s.MessageExchange == mex
}
