package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut07"
	"nutjar/cashu/nuts/nut09"
	"nutjar/crypto"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	// MarkedSpent is the number of proofs the mint reported as spent
	// that were still UNSPENT or PENDING locally.
	MarkedSpent int
	// Released is the number of stale PENDING proofs returned to
	// UNSPENT because the mint still reports them spendable.
	Released int
}

// Reconcile checks every locally known proof against the mint's
// authoritative state. It is the recovery path for proofs left
// PENDING by a crash between reserve and commit.
func (w *Wallet) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	records, err := w.db.AllProofs(w.walletId)
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	// the mint identifies proofs by Y = hash_to_curve(secret)
	ys := make([]string, len(records))
	bySecretY := make(map[string]int, len(records))
	for i, record := range records {
		Y := crypto.HashToCurve([]byte(record.Secret))
		ys[i] = hex.EncodeToString(Y.SerializeCompressed())
		bySecretY[ys[i]] = i
	}

	stateResponse, err := w.client.postCheckProofState(ctx, w.mintURL,
		nut07.PostCheckStateRequest{Ys: ys})
	if err != nil {
		return result, fmt.Errorf("error checking proof state: %w", err)
	}

	for _, proofState := range stateResponse.States {
		i, ok := bySecretY[proofState.Y]
		if !ok {
			continue
		}
		record := records[i]

		switch {
		case proofState.State == nut07.Spent && record.State != nut07.Spent:
			if err := w.db.Commit(w.walletId, []string{record.Secret}, nut07.Spent); err != nil {
				return result, err
			}
			result.MarkedSpent++

		case proofState.State == nut07.Unspent && record.State == nut07.Pending:
			if err := w.db.Commit(w.walletId, []string{record.Secret}, nut07.Unspent); err != nil {
				return result, err
			}
			result.Released++
		}
	}

	return result, nil
}

const (
	restoreBatchSize  = 100
	restoreEmptyLimit = 3
)

// RestoreCounter scans the mint for signatures issued to this wallet's
// deterministic outputs and re-seats the derivation counter past the
// last one seen. It uses the exact same derivation rule as Receive, so
// a wallet restored from the mnemonic keeps producing fresh secrets.
func (w *Wallet) RestoreCounter(ctx context.Context) (uint32, error) {
	var next uint32
	var lastSeen int64 = -1
	emptyBatches := 0

	for emptyBatches < restoreEmptyLimit {
		outputs := make(cashu.BlindedMessages, restoreBatchSize)
		counters := make(map[string]uint32, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			counter := next + uint32(i)
			secret, r, err := blindedMessageAt(w.keysetPath, counter)
			if err != nil {
				return 0, err
			}
			B_ := crypto.BlindMessage(secret, r)
			msg := cashu.NewBlindedMessage(w.activeKeyset.Id, 1, B_)
			outputs[i] = msg
			counters[msg.B_] = counter
		}

		restoreResponse, err := w.client.postRestore(ctx, w.mintURL,
			nut09.PostRestoreRequest{Outputs: outputs})
		if err != nil {
			return 0, fmt.Errorf("error restoring from mint: %w", err)
		}

		if len(restoreResponse.Outputs) == 0 {
			emptyBatches++
		} else {
			emptyBatches = 0
			for _, output := range restoreResponse.Outputs {
				if counter, ok := counters[output.B_]; ok && int64(counter) > lastSeen {
					lastSeen = int64(counter)
				}
			}
		}

		next += restoreBatchSize
	}

	counter := uint32(lastSeen + 1)
	if err := w.db.SetCounter(w.walletId, w.activeKeyset.Id, counter); err != nil {
		return 0, err
	}
	return counter, nil
}
