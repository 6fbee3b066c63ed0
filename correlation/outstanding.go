package correlation

import (
	"errors"
	"fmt"
)

// ErrInconsistent signals a broken internal invariant of the outstanding
// request bookkeeping. It is not a process fault.
var ErrInconsistent = errors.New("inconsistent outstanding request state")

// ConflictError is returned when a registration would create an ambiguous
// outstanding request.
type ConflictError struct {
	Selector Selector
	Channel  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting receive on %s.%s (mex %q) already registered by channel %s",
		e.Selector.PartnerLink, e.Selector.Operation, e.Selector.MessageExchange, e.Channel)
}

// Entry is one registration of a receive-like activity.
type Entry struct {
	Channel   string     `json:"channel"`
	Selectors []Selector `json:"selectors"`

	// MexID is the message exchange bound to this entry once a message was received.
	MexID string `json:"mex_id,omitempty"`
}

func (e *Entry) Bound() bool {
	return e.MexID != ""
}

// OutstandingRequests tracks receives waiting for a message and received
// requests waiting for a reply within one process instance. It is persisted
// with the instance state.
type OutstandingRequests struct {
	Entries []*Entry `json:"entries"`
}

func NewOutstandingRequests() *OutstandingRequests {
	return &OutstandingRequests{
		Entries: []*Entry{},
	}
}

// FindConflict returns the first already registered selector that conflicts
// with one of the given selectors.
func (o *OutstandingRequests) FindConflict(selectors []Selector) (*Selector, string) {
	for _, e := range o.Entries {
		for i := range e.Selectors {
			for _, s := range selectors {
				if e.Selectors[i].conflicts(s) {
					return &e.Selectors[i], e.Channel
				}
			}
		}
	}

	return nil, ""
}

// Register records that the given channel waits for a message matching one
// of the selectors. On conflict nothing is modified.
func (o *OutstandingRequests) Register(channel string, selectors []Selector) error {
	if _, ok := o.Entry(channel); ok {
		return fmt.Errorf("%w: channel %s registered twice", ErrInconsistent, channel)
	}

	if s, c := o.FindConflict(selectors); s != nil {
		return &ConflictError{Selector: *s, Channel: c}
	}

	o.Entries = append(o.Entries, &Entry{
		Channel:   channel,
		Selectors: append([]Selector(nil), selectors...),
	})

	return nil
}

// Associate binds the message exchange that satisfied the registration on
// channel, so that a later reply can find it.
func (o *OutstandingRequests) Associate(channel, mexID string) error {
	e, ok := o.Entry(channel)
	if !ok {
		return fmt.Errorf("%w: channel %s is not registered", ErrInconsistent, channel)
	}

	if e.Bound() {
		return fmt.Errorf("%w: channel %s already bound to %s", ErrInconsistent, channel, e.MexID)
	}

	e.MexID = mexID

	return nil
}

// Release finds the bound request for a reply, removes it and returns its
// message exchange. The second return value is false if no such request is
// outstanding. A request is released at most once.
func (o *OutstandingRequests) Release(partnerLink, operation, mex string) (string, bool) {
	for i, e := range o.Entries {
		if !e.Bound() {
			continue
		}

		for _, s := range e.Selectors {
			if s.matches(partnerLink, operation, mex) {
				o.remove(i)
				return e.MexID, true
			}
		}
	}

	return "", false
}

// Cancel removes the registration of a channel, e.g. when the waiting
// activity is terminated. Returns false if the channel was not registered.
func (o *OutstandingRequests) Cancel(channel string) bool {
	for i, e := range o.Entries {
		if e.Channel == channel {
			o.remove(i)
			return true
		}
	}

	return false
}

// ReleaseAll clears all registrations and returns the message exchanges that
// were still bound, i.e. requests that will never receive a reply.
func (o *OutstandingRequests) ReleaseAll() []string {
	var mexs []string
	for _, e := range o.Entries {
		if e.Bound() {
			mexs = append(mexs, e.MexID)
		}
	}

	o.Entries = []*Entry{}

	return mexs
}

// Unbound returns the registrations still waiting for a message.
func (o *OutstandingRequests) Unbound() []*Entry {
	var r []*Entry
	for _, e := range o.Entries {
		if !e.Bound() {
			r = append(r, e)
		}
	}

	return r
}

func (o *OutstandingRequests) Entry(channel string) (*Entry, bool) {
	for _, e := range o.Entries {
		if e.Channel == channel {
			return e, true
		}
	}

	return nil, false
}

func (o *OutstandingRequests) remove(i int) {
	o.Entries = append(o.Entries[:i], o.Entries[i+1:]...)
}
