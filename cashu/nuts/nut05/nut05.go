package nut05

import (
	"encoding/json"

	"nutjar/cashu"
)

// State of a melt quote.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

func (state State) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

// UnmarshalJSON maps unrecognized quote states to Unknown instead of
// failing, so a mint introducing a new state does not break decoding.
func (state *State) UnmarshalJSON(data []byte) error {
	var stateStr string
	if err := json.Unmarshal(data, &stateStr); err != nil {
		return err
	}
	*state = StringToState(stateStr)
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      State  `json:"state"`
	// Paid predates State and is deprecated. Older mints still send it,
	// newer ones may omit it entirely.
	Paid     bool   `json:"paid,omitempty"`
	Expiry   int64  `json:"expiry"`
	Preimage string `json:"payment_preimage,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
}
