// Package storage is the durable proof ledger of the donation wallet.
// Proofs are keyed by wallet id (mint url + unit) and carry a state
// tag. They are never deleted, only transitioned between states.
package storage

import (
	"nutjar/cashu"
	"nutjar/cashu/nuts/nut07"
	"nutjar/crypto"
)

// ProofRecord is a proof together with its ledger state.
type ProofRecord struct {
	cashu.Proof
	State nut07.State `json:"state"`
}

type ProofRecords []ProofRecord

func (records ProofRecords) Proofs() cashu.Proofs {
	proofs := make(cashu.Proofs, len(records))
	for i, record := range records {
		proofs[i] = record.Proof
	}
	return proofs
}

type DB interface {
	// PutProofs inserts a batch of proofs with the given state.
	// The batch is atomic relative to concurrent reads.
	PutProofs(walletId string, proofs cashu.Proofs, state nut07.State) error

	// ListProofs returns the proofs of a wallet currently in the given state.
	ListProofs(walletId string, state nut07.State) (cashu.Proofs, error)

	// AllProofs returns every proof record of a wallet regardless of state.
	AllProofs(walletId string) (ProofRecords, error)

	// Reserve atomically transitions the targeted proofs from UNSPENT to
	// PENDING. It returns false and mutates nothing if any targeted proof
	// is not currently UNSPENT.
	Reserve(walletId string, secrets []string) (bool, error)

	// Commit finalizes a previously reserved batch to SPENT or UNSPENT.
	Commit(walletId string, secrets []string, state nut07.State) error

	// Wallets returns the ids of all wallets that ever stored a proof.
	Wallets() ([]string, error)

	Counter(walletId, keysetId string) (uint32, error)
	SetCounter(walletId, keysetId string, counter uint32) error
	// IncrementCounter reserves n derivation indices and returns the
	// first index of the reserved range.
	IncrementCounter(walletId, keysetId string, n uint32) (uint32, error)

	SaveKeyset(keyset *crypto.WalletKeyset) error
	GetKeysets() (map[string]map[string]crypto.WalletKeyset, error)

	Close() error
}
