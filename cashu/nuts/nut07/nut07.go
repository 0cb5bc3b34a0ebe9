package nut07

import (
	"encoding/json"
	"errors"
)

type State int

const (
	Unspent State = iota
	Pending
	Spent
	Unknown
)

func (state State) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNSPENT":
		return Unspent
	case "PENDING":
		return Pending
	case "SPENT":
		return Spent
	}
	return Unknown
}

func (state State) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *State) UnmarshalJSON(data []byte) error {
	var stateStr string
	if err := json.Unmarshal(data, &stateStr); err != nil {
		return err
	}
	stateVal := StringToState(stateStr)
	if stateVal == Unknown {
		return errors.New("invalid state")
	}
	*state = stateVal
	return nil
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}
