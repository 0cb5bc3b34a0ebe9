package nut05

import (
	"encoding/json"
	"testing"
)

func TestQuoteStateJSON(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Unpaid, `"UNPAID"`},
		{Pending, `"PENDING"`},
		{Paid, `"PAID"`},
	}

	for _, test := range tests {
		data, err := json.Marshal(test.state)
		if err != nil {
			t.Fatalf("error marshaling state: %v", err)
		}
		if string(data) != test.expected {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, string(data))
		}

		var decoded State
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("error unmarshaling state: %v", err)
		}
		if decoded != test.state {
			t.Errorf("expected state '%v' but got '%v' instead", test.state, decoded)
		}
	}

	var unknown State
	if err := json.Unmarshal([]byte(`"SETTLING"`), &unknown); err != nil {
		t.Fatalf("error unmarshaling unrecognized state: %v", err)
	}
	if unknown != Unknown {
		t.Errorf("expected state '%v' but got '%v' instead", Unknown, unknown)
	}
}

// A mint that reports payment only through the quote state must decode
// to State Paid even when the deprecated paid field is absent.
func TestMeltResponseWithoutPaidField(t *testing.T) {
	responseJSON := `{"quote":"quoteid","amount":250000,"fee_reserve":2,"state":"PAID",` +
		`"expiry":1717777777,"payment_preimage":"aabbcc"}`

	var response PostMeltQuoteBolt11Response
	if err := json.Unmarshal([]byte(responseJSON), &response); err != nil {
		t.Fatalf("error unmarshaling melt response: %v", err)
	}

	if response.State != Paid {
		t.Errorf("expected state '%v' but got '%v' instead", Paid, response.State)
	}
	if response.Paid {
		t.Error("expected deprecated paid field to stay unset")
	}
}
