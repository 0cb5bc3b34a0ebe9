package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// Keyset holds the signing keys of a mint for one unit. Only used
// by the in-process test mint; the service itself never signs.
type Keyset struct {
	Id       string
	Unit     string
	PrivKeys map[uint64]*secp256k1.PrivateKey
}

func GenerateKeyset(seed, unit string) *Keyset {
	privKeys := make(map[uint64]*secp256k1.PrivateKey, maxOrder)
	pubKeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + unit + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		privKeys[amount] = privKey
		pubKeys[amount] = pubKey
	}

	return &Keyset{Id: DeriveKeysetId(pubKeys), Unit: unit, PrivKeys: privKeys}
}

func (ks *Keyset) PublicKeys() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.PrivKeys))
	for amount, key := range ks.PrivKeys {
		pubKeys[amount] = hex.EncodeToString(key.PubKey().SerializeCompressed())
	}
	return pubKeys
}

// WalletKeyset is a mint keyset as seen from the wallet side:
// public keys only.
type WalletKeyset struct {
	Id         string
	MintURL    string
	Unit       string
	Active     bool
	PublicKeys map[uint64]*secp256k1.PublicKey
}

func (wk *WalletKeyset) MarshalJSON() ([]byte, error) {
	keys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, key := range wk.PublicKeys {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return json.Marshal(walletKeysetJSON{
		Id:         wk.Id,
		MintURL:    wk.MintURL,
		Unit:       wk.Unit,
		Active:     wk.Active,
		PublicKeys: keys,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var aux walletKeysetJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	keys, err := MapPubKeys(aux.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = aux.Id
	wk.MintURL = aux.MintURL
	wk.Unit = aux.Unit
	wk.Active = aux.Active
	wk.PublicKeys = keys
	return nil
}

type walletKeysetJSON struct {
	Id         string            `json:"id"`
	MintURL    string            `json:"mint_url"`
	Unit       string            `json:"unit"`
	Active     bool              `json:"active"`
	PublicKeys map[uint64]string `json:"public_keys"`
}

func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	pubKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %v", err)
		}
		pubKeys[amount] = pubkey
	}
	return pubKeys, nil
}

func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	pubkeys := make([]byte, 0)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}
