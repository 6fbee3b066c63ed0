package correlation

import "time"

// Route connects a waiting receive of an instance to a correlation key.
type Route struct {
	InstanceID string `json:"instance_id"`
	Channel    string `json:"channel"`

	// Index is the position of the selector within the waiting pick.
	Index int `json:"index"`

	Key Key `json:"key"`
}

// QueuedMessage is an inbound message no route matched yet.
type QueuedMessage struct {
	MexID      string    `json:"mex_id"`
	Keys       []Key     `json:"keys"`
	Payload    []byte    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func (m *QueuedMessage) matches(k Key) bool {
	for _, mk := range m.Keys {
		if mk.Equal(k) {
			return true
		}
	}

	return false
}

// Correlator holds routes and queued messages for one partner link operation
// of a process. For a given key there is either a route or a queued message,
// never both.
type Correlator struct {
	ID       string           `json:"id"`
	Routes   []*Route         `json:"routes"`
	Messages []*QueuedMessage `json:"messages"`
}

func NewCorrelator(id string) *Correlator {
	return &Correlator{
		ID:       id,
		Routes:   []*Route{},
		Messages: []*QueuedMessage{},
	}
}

// Clone copies the route and message lists. Routes and messages themselves are
// never modified and are shared.
func (c *Correlator) Clone() *Correlator {
	return &Correlator{
		ID:       c.ID,
		Routes:   append([]*Route{}, c.Routes...),
		Messages: append([]*QueuedMessage{}, c.Messages...),
	}
}

// ID returns the correlator id for a partner link operation.
func ID(partnerLink, operation string) string {
	return partnerLink + "." + operation
}

// Match finds the oldest route accepting one of the keys. The matched route
// and all other routes of the same waiting channel are removed.
func (c *Correlator) Match(keys []Key) *Route {
	for _, r := range c.Routes {
		for _, k := range keys {
			if r.Key.Equal(k) {
				c.RemoveChannel(r.InstanceID, r.Channel)
				return r
			}
		}
	}

	return nil
}

// AddRoutes registers routes for a waiting channel. If a queued message
// matches one of them, the message is removed and returned together with the
// route it matched, and no route is added.
func (c *Correlator) AddRoutes(routes []*Route) (*QueuedMessage, *Route) {
	for i, m := range c.Messages {
		for _, r := range routes {
			if m.matches(r.Key) {
				c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
				return m, r
			}
		}
	}

	c.Routes = append(c.Routes, routes...)

	return nil, nil
}

// Enqueue stores a message no route matched.
func (c *Correlator) Enqueue(m *QueuedMessage) {
	c.Messages = append(c.Messages, m)
}

// RemoveChannel drops all routes of an instance channel. Returns the number
// of removed routes.
func (c *Correlator) RemoveChannel(instanceID, channel string) int {
	return c.removeRoutes(func(r *Route) bool {
		return r.InstanceID == instanceID && r.Channel == channel
	})
}

// RemoveInstance drops all routes of an instance.
func (c *Correlator) RemoveInstance(instanceID string) int {
	return c.removeRoutes(func(r *Route) bool {
		return r.InstanceID == instanceID
	})
}

func (c *Correlator) removeRoutes(match func(*Route) bool) int {
	routes := make([]*Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		if !match(r) {
			routes = append(routes, r)
		}
	}

	n := len(c.Routes) - len(routes)
	c.Routes = routes

	return n
}

func (c *Correlator) Empty() bool {
	return len(c.Routes) == 0 && len(c.Messages) == 0
}
