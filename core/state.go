package core

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
)

type InstanceState int

const (
	InstanceStateNew InstanceState = iota
	InstanceStateReady
	InstanceStateActive
	InstanceStateCompletedOK
	InstanceStateCompletedWithFault
	InstanceStateTerminated
)

var _ sql.Scanner = (*InstanceState)(nil)

var _ driver.Valuer = InstanceState(0)

func (s InstanceState) String() string {
	switch s {
	case InstanceStateNew:
		return "New"
	case InstanceStateReady:
		return "Ready"
	case InstanceStateActive:
		return "Active"
	case InstanceStateCompletedOK:
		return "CompletedOK"
	case InstanceStateCompletedWithFault:
		return "CompletedWithFault"
	case InstanceStateTerminated:
		return "Terminated"
	}

	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// Terminal returns true if no further execution happens for an instance in this state.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateCompletedOK || s == InstanceStateCompletedWithFault || s == InstanceStateTerminated
}

func (s InstanceState) Value() (driver.Value, error) {
	return int64(s), nil
}

func (s *InstanceState) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		*s = InstanceState(v)
	case int:
		*s = InstanceState(v)
	default:
		return fmt.Errorf("unexpected instance state value %T", value)
	}

	return nil
}
