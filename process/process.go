package process

import "time"

// Kind is the closed set of activity variants the runtime executes.
type Kind string

const (
	KindEmpty    Kind = "empty"
	KindSequence Kind = "sequence"
	KindFlow     Kind = "flow"
	KindScope    Kind = "scope"
	KindInvoke   Kind = "invoke"
	KindReceive  Kind = "receive"
	KindReply    Kind = "reply"
	KindPick     Kind = "pick"
	KindAssign   Kind = "assign"
	KindWait     Kind = "wait"
	KindIf       Kind = "if"
	KindWhile    Kind = "while"
	KindThrow    Kind = "throw"
)

// Process is a compiled, deployable process graph.
type Process struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Version int    `yaml:"version,omitempty"`

	PartnerLinks    []*PartnerLink    `yaml:"partnerLinks,omitempty"`
	Properties      []*Property       `yaml:"properties,omitempty"`
	CorrelationSets []*CorrelationSet `yaml:"correlationSets,omitempty"`

	// FailureHandling is the default policy for invokes without their own.
	FailureHandling *FailureHandling `yaml:"failureHandling,omitempty"`

	Activity *Activity `yaml:"activity"`

	compiled   bool
	activities map[string]*Activity
	parents    map[string]*Activity
}

type PartnerLink struct {
	Name        string `yaml:"name"`
	MyRole      string `yaml:"myRole,omitempty"`
	PartnerRole string `yaml:"partnerRole,omitempty"`
}

// Property is a named value extracted from messages. Aliases define how to
// extract it per operation.
type Property struct {
	Name    string   `yaml:"name"`
	Aliases []*Alias `yaml:"aliases"`
}

// Alias is an expression over the message payload, bound as `msg`.
type Alias struct {
	PartnerLink string `yaml:"partnerLink"`
	Operation   string `yaml:"operation"`
	Query       string `yaml:"query"`
}

type CorrelationSet struct {
	Name       string   `yaml:"name"`
	Properties []string `yaml:"properties"`
}

type CorrelationRef struct {
	Set      string `yaml:"set"`
	Initiate bool   `yaml:"initiate,omitempty"`
}

// FailureHandling controls what happens when an invoke fails: retry RetryFor
// times with RetryDelay in between, then either fault or wait for an operator.
type FailureHandling struct {
	RetryFor       int           `yaml:"retryFor,omitempty"`
	RetryDelay     time.Duration `yaml:"retryDelay,omitempty"`
	FaultOnFailure bool          `yaml:"faultOnFailure,omitempty"`
}

// Source is an outgoing link with an optional transition condition.
type Source struct {
	Link      string `yaml:"link"`
	Condition string `yaml:"condition,omitempty"`
}

type Catch struct {
	FaultName string    `yaml:"faultName"`
	Activity  *Activity `yaml:"activity"`
}

type OnMessage struct {
	PartnerLink     string            `yaml:"partnerLink"`
	Operation       string            `yaml:"operation"`
	MessageExchange string            `yaml:"messageExchange,omitempty"`
	Variable        string            `yaml:"variable,omitempty"`
	Correlations    []*CorrelationRef `yaml:"correlations,omitempty"`
	OneWay          bool              `yaml:"oneWay,omitempty"`
	Activity        *Activity         `yaml:"activity"`
}

type OnAlarm struct {
	For      time.Duration `yaml:"for,omitempty"`
	Until    string        `yaml:"until,omitempty"`
	Activity *Activity     `yaml:"activity"`
}

// Copy assigns the value of expression From to variable path To.
type Copy struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type Activity struct {
	ID   string `yaml:"id,omitempty"`
	Name string `yaml:"name,omitempty"`
	Kind Kind   `yaml:"kind"`

	Sources             []*Source `yaml:"sources,omitempty"`
	Targets             []string  `yaml:"targets,omitempty"`
	JoinCondition       string    `yaml:"joinCondition,omitempty"`
	SuppressJoinFailure bool      `yaml:"suppressJoinFailure,omitempty"`

	// sequence, flow
	Activities []*Activity `yaml:"activities,omitempty"`
	Links      []string    `yaml:"links,omitempty"`

	// scope, while
	Body     *Activity `yaml:"body,omitempty"`
	Catches  []*Catch  `yaml:"catch,omitempty"`
	CatchAll *Activity `yaml:"catchAll,omitempty"`

	// if, while
	Condition string    `yaml:"condition,omitempty"`
	Then      *Activity `yaml:"then,omitempty"`
	Else      *Activity `yaml:"else,omitempty"`

	// invoke, receive, reply
	PartnerLink     string            `yaml:"partnerLink,omitempty"`
	Operation       string            `yaml:"operation,omitempty"`
	MessageExchange string            `yaml:"messageExchange,omitempty"`
	Variable        string            `yaml:"variable,omitempty"`
	InputVariable   string            `yaml:"inputVariable,omitempty"`
	OutputVariable  string            `yaml:"outputVariable,omitempty"`
	Correlations    []*CorrelationRef `yaml:"correlations,omitempty"`
	CreateInstance  bool              `yaml:"createInstance,omitempty"`
	OneWay          bool              `yaml:"oneWay,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
	FailureHandling *FailureHandling  `yaml:"failureHandling,omitempty"`

	// pick
	OnMessages []*OnMessage `yaml:"onMessage,omitempty"`
	OnAlarms   []*OnAlarm   `yaml:"onAlarm,omitempty"`

	// assign
	Copies []*Copy `yaml:"copy,omitempty"`

	// wait
	For   time.Duration `yaml:"for,omitempty"`
	Until string        `yaml:"until,omitempty"`

	// throw, reply
	FaultName string `yaml:"faultName,omitempty"`
}

// Children returns the directly nested activities in a stable order.
func (a *Activity) Children() []*Activity {
	var c []*Activity
	c = append(c, a.Activities...)

	for _, x := range []*Activity{a.Body, a.Then, a.Else} {
		if x != nil {
			c = append(c, x)
		}
	}

	for _, h := range a.Catches {
		if h.Activity != nil {
			c = append(c, h.Activity)
		}
	}

	if a.CatchAll != nil {
		c = append(c, a.CatchAll)
	}

	for _, m := range a.OnMessages {
		if m.Activity != nil {
			c = append(c, m.Activity)
		}
	}

	for _, al := range a.OnAlarms {
		if al.Activity != nil {
			c = append(c, al.Activity)
		}
	}

	return c
}

// Walk visits a and all nested activities in pre-order.
func (a *Activity) Walk(fn func(*Activity)) {
	fn(a)
	for _, c := range a.Children() {
		c.Walk(fn)
	}
}

// ActivityByID returns the activity with the given id.
func (p *Process) ActivityByID(id string) (*Activity, bool) {
	a, ok := p.activities[id]
	return a, ok
}

// Parent returns the enclosing activity, nil for the root activity.
func (p *Process) Parent(id string) *Activity {
	return p.parents[id]
}

func (p *Process) PartnerLink(name string) *PartnerLink {
	for _, pl := range p.PartnerLinks {
		if pl.Name == name {
			return pl
		}
	}

	return nil
}

func (p *Process) CorrelationSet(name string) *CorrelationSet {
	for _, cs := range p.CorrelationSets {
		if cs.Name == name {
			return cs
		}
	}

	return nil
}

func (p *Process) Property(name string) *Property {
	for _, pr := range p.Properties {
		if pr.Name == name {
			return pr
		}
	}

	return nil
}

// Alias returns the property alias for a partner link operation.
func (pr *Property) Alias(partnerLink, operation string) *Alias {
	for _, a := range pr.Aliases {
		if a.PartnerLink == partnerLink && a.Operation == operation {
			return a
		}
	}

	return nil
}

// CreatesInstance returns true if a message for the operation can start a new instance.
func (p *Process) CreatesInstance(partnerLink, operation string) bool {
	found := false

	p.Activity.Walk(func(a *Activity) {
		if !a.CreateInstance {
			return
		}

		switch a.Kind {
		case KindReceive:
			found = found || (a.PartnerLink == partnerLink && a.Operation == operation)
		case KindPick:
			for _, m := range a.OnMessages {
				found = found || (m.PartnerLink == partnerLink && m.Operation == operation)
			}
		}
	})

	return found
}

// Receives returns true if some activity of the process accepts messages for the operation.
func (p *Process) Receives(partnerLink, operation string) bool {
	found := false

	p.Activity.Walk(func(a *Activity) {
		switch a.Kind {
		case KindReceive:
			found = found || (a.PartnerLink == partnerLink && a.Operation == operation)
		case KindPick:
			for _, m := range a.OnMessages {
				found = found || (m.PartnerLink == partnerLink && m.Operation == operation)
			}
		}
	})

	return found
}
