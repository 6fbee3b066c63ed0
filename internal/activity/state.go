package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
)

// RootActivity is the activity name of the frame that runs the process
// activity and records the outcome of the instance.
const RootActivity = "$process"

// Message kinds exchanged over channels.
const (
	MsgCompleted = "completed"
	MsgTerminate = "terminate"
	MsgLink      = "link"
	MsgMessage   = "message"
	MsgResponse  = "response"
	MsgFault     = "fault"
	MsgFailure   = "failure"
	MsgTimer     = "timer"
	MsgRecover   = "recover"
)

// Completion is what every activity reports to its parent exactly once.
type Completion struct {
	Fault         *faults.Fault `json:"fault,omitempty"`
	Compensations []string      `json:"compensations,omitempty"`

	// Terminated is set when the activity stopped because its parent
	// terminated it.
	Terminated bool `json:"terminated,omitempty"`
}

type LinkStatus struct {
	Link   string `json:"link"`
	Status bool   `json:"status"`
}

// Received is an inbound message routed to a waiting receive or pick. Index
// is the position of the matching selector.
type Received struct {
	Index   int             `json:"index"`
	MexID   string          `json:"mex_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the answer of a partner to an invocation. It is sent as a
// response, fault or failure message.
type Response struct {
	InvocationID string          `json:"invocation_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Fault        string          `json:"fault,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type RecoverRequest struct {
	Action string `json:"action"`
}

// Failure is an activity waiting for an operator decision.
type Failure struct {
	ActivityID string     `json:"activity_id"`
	FrameID    vm.FrameID `json:"frame_id"`

	// Channel receives the recover request.
	Channel string `json:"channel"`

	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Actions    []string  `json:"actions"`
}

// InboundMessage is the message that created an instance. It is consumed by
// the first create-instance receive or pick accepting it.
type InboundMessage struct {
	PartnerLink string          `json:"partner_link"`
	Operation   string          `json:"operation"`
	MexID       string          `json:"mex_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type Outcome struct {
	Fault      *faults.Fault `json:"fault,omitempty"`
	Terminated bool          `json:"terminated,omitempty"`
}

// State is the instance-wide data activities share. It is persisted next to
// the soup.
type State struct {
	Variables    map[string]any                   `json:"variables"`
	Correlations map[string]correlation.Key       `json:"correlations,omitempty"`
	Outstanding  *correlation.OutstandingRequests `json:"outstanding"`
	Failures     map[vm.FrameID]*Failure          `json:"failures,omitempty"`
	Initial      *InboundMessage                  `json:"initial,omitempty"`

	// Termination is the channel of the root frame accepting terminate requests.
	Termination string `json:"termination,omitempty"`

	// Outcome is set once the process activity completed.
	Outcome *Outcome `json:"outcome,omitempty"`
}

func NewState() *State {
	return &State{
		Variables:    map[string]any{},
		Correlations: map[string]correlation.Key{},
		Outstanding:  correlation.NewOutstandingRequests(),
		Failures:     map[vm.FrameID]*Failure{},
	}
}

// Done reports whether the process activity has completed.
func (s *State) Done() bool {
	return s.Outcome != nil
}

type snapshot struct {
	Soup  json.RawMessage `json:"soup"`
	State *State          `json:"state"`
}

// Encode serializes the execution state of an instance.
func Encode(soup *vm.Soup, state *State) ([]byte, error) {
	raw, err := vm.Marshal(soup)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(&snapshot{Soup: raw, State: state})
	if err != nil {
		return nil, fmt.Errorf("encoding instance state: %w", err)
	}

	return b, nil
}

// Decode restores the execution state of an instance. Empty data yields a
// fresh soup and state.
func Decode(data []byte) (*vm.Soup, *State, error) {
	if len(data) == 0 {
		return vm.NewSoup(), NewState(), nil
	}

	s := &snapshot{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, nil, fmt.Errorf("decoding instance state: %w", err)
	}

	soup := vm.NewSoup()
	if len(s.Soup) > 0 {
		var err error
		if soup, err = vm.Unmarshal(s.Soup); err != nil {
			return nil, nil, err
		}
	}

	st := s.State
	if st == nil {
		st = NewState()
	}

	st.normalize()

	return soup, st, nil
}

// normalize replaces collections omitted during encoding with empty ones.
func (s *State) normalize() {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}

	if s.Correlations == nil {
		s.Correlations = map[string]correlation.Key{}
	}

	if s.Outstanding == nil {
		s.Outstanding = correlation.NewOutstandingRequests()
	}

	if s.Failures == nil {
		s.Failures = map[vm.FrameID]*Failure{}
	}
}

type phase int

const (
	phaseJoin phase = iota
	phaseRun
)

// child is a running (or finished) child activity of a structured activity.
type child struct {
	Frame       vm.FrameID `json:"frame"`
	Activity    string     `json:"activity"`
	Completion  string     `json:"completion"`
	Termination string     `json:"termination"`
	Done        bool       `json:"done,omitempty"`
}

type alarm struct {
	Channel string `json:"channel"`
	Job     string `json:"job"`
}

// frameState is the private state of one activity instance. It is a single
// struct for all kinds; each kind uses the fields it needs.
type frameState struct {
	Completion  string            `json:"completion"`
	Termination string            `json:"termination"`
	Links       map[string]string `json:"links,omitempty"`

	Phase       phase           `json:"phase"`
	Incoming    map[string]bool `json:"incoming,omitempty"`
	Terminating bool            `json:"terminating,omitempty"`

	// structured activities
	Children      []*child      `json:"children,omitempty"`
	Index         int           `json:"index,omitempty"`
	Selected      bool          `json:"selected,omitempty"`
	Handling      bool          `json:"handling,omitempty"`
	Fault         *faults.Fault `json:"fault,omitempty"`
	Compensations []string      `json:"compensations,omitempty"`

	// messaging and timers
	Channel      string   `json:"channel,omitempty"`
	InvocationID string   `json:"invocation_id,omitempty"`
	Timer        string   `json:"timer,omitempty"`
	Alarms       []*alarm `json:"alarms,omitempty"`
	CheckJob     string   `json:"check_job,omitempty"`

	// failure handling
	Retries       int    `json:"retries,omitempty"`
	Recovery      string `json:"recovery,omitempty"`
	RetryChannel  string `json:"retry_channel,omitempty"`
	RetryJob      string `json:"retry_job,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}
