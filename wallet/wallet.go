// Package wallet implements the per-mint, per-unit donation wallet:
// receiving (swapping) incoming tokens, the proof ledger bookkeeping
// and melting accumulated balance to a Lightning payment.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut03"
	"nutjar/cashu/nuts/nut05"
	"nutjar/cashu/nuts/nut07"
	"nutjar/cashu/nuts/nut13"
	"nutjar/crypto"
	"nutjar/wallet/storage"
)

var (
	ErrInvalidMnemonic     = errors.New("invalid mnemonic")
	ErrWrongMint           = errors.New("token is from a different mint")
	ErrWrongUnit           = errors.New("token unit does not match wallet unit")
	ErrEmptyToken          = errors.New("token has no proofs")
	ErrInsufficientBalance = errors.New("not enough funds")
	ErrProofsReserved      = errors.New("proofs are reserved by a concurrent operation")
)

const defaultTimeout = 30 * time.Second

type Config struct {
	// Mnemonic is the master seed phrase shared by all wallets.
	Mnemonic string
	MintURL  string
	Unit     cashu.Unit
	DB       storage.DB
	// Timeout bounds every call to the mint.
	Timeout time.Duration
}

// Wallet is the unit of account for one (mint, unit) pair. Its key
// material is a pure function of (mnemonic, mint, unit), so it is
// cheaply reconstructible per request. All durable state lives in
// the storage.DB; concurrent wallets for the same pair coordinate
// through it.
type Wallet struct {
	db     storage.DB
	client *client

	mintURL  string
	unit     cashu.Unit
	walletId string

	activeKeyset *crypto.WalletKeyset
	keysetPath   *hdkeychain.ExtendedKey
}

// WalletId returns the ledger key for a (mint, unit) pair.
func WalletId(mintURL string, unit cashu.Unit) string {
	return mintURL + "/" + unit.String()
}

// NormalizeMintURL canonicalizes a mint url so that the same mint
// always maps to the same wallet id.
func NormalizeMintURL(mintURL string) (string, error) {
	parsed, err := url.Parse(mintURL)
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid mint url: %v", mintURL)
	}
	return strings.TrimSuffix(parsed.String(), "/"), nil
}

// LoadWallet derives the wallet for the (mint, unit) pair in the config
// from the master mnemonic and fetches the mint's active keyset.
func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	if !bip39.IsMnemonicValid(config.Mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(config.Mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mintURL, err := NormalizeMintURL(config.MintURL)
	if err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	wallet := &Wallet{
		db:       config.DB,
		client:   newClient(timeout),
		mintURL:  mintURL,
		unit:     config.Unit,
		walletId: WalletId(mintURL, config.Unit),
	}

	activeKeyset, err := wallet.getActiveKeyset(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset from mint: %w", err)
	}
	wallet.activeKeyset = activeKeyset

	// cache keyset for the maintenance path
	if err := wallet.db.SaveKeyset(activeKeyset); err != nil {
		return nil, err
	}

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, activeKeyset.Id)
	if err != nil {
		return nil, err
	}
	wallet.keysetPath = keysetPath

	return wallet, nil
}

func (w *Wallet) MintURL() string {
	return w.mintURL
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

func (w *Wallet) Id() string {
	return w.walletId
}

// getActiveKeyset fetches the mint's active keyset for the wallet unit
// and checks the keyset id against the keys it advertises.
func (w *Wallet) getActiveKeyset(ctx context.Context) (*crypto.WalletKeyset, error) {
	keysetsRes, err := w.client.getAllKeysets(ctx, w.mintURL)
	if err != nil {
		return nil, err
	}

	for _, keyset := range keysetsRes.Keysets {
		if !keyset.Active || keyset.Unit != w.unit.String() {
			continue
		}

		keysRes, err := w.client.getKeysetById(ctx, w.mintURL, keyset.Id)
		if err != nil {
			return nil, err
		}
		if len(keysRes.Keysets) == 0 {
			continue
		}

		keys, err := crypto.MapPubKeys(keysRes.Keysets[0].Keys)
		if err != nil {
			return nil, err
		}
		if id := crypto.DeriveKeysetId(keys); id != keyset.Id {
			return nil, fmt.Errorf("mint returned invalid keyset: derived id '%v' but got '%v'", id, keyset.Id)
		}

		return &crypto.WalletKeyset{
			Id:         keyset.Id,
			MintURL:    w.mintURL,
			Unit:       keyset.Unit,
			Active:     true,
			PublicKeys: keys,
		}, nil
	}

	return nil, fmt.Errorf("mint has no active keyset for unit '%v'", w.unit)
}

// Receive swaps the proofs of an incoming token for fresh ones blinded
// under this wallet's key material and persists them as UNSPENT. After
// a successful return the original token cannot be redeemed by anyone
// who observed it in transit. On any error nothing is persisted and
// the token must be treated as rejected.
func (w *Wallet) Receive(ctx context.Context, token cashu.Token) (uint64, error) {
	if token.Mint() != w.mintURL {
		return 0, ErrWrongMint
	}
	if token.Unit() != w.unit.String() {
		return 0, ErrWrongUnit
	}

	proofsToSwap := token.Proofs()
	if len(proofsToSwap) == 0 {
		return 0, ErrEmptyToken
	}

	outputs, secrets, rs, err := w.createBlindedMessages(proofsToSwap.Amount())
	if err != nil {
		return 0, fmt.Errorf("error creating blinded messages: %v", err)
	}

	swapResponse, err := w.client.postSwap(ctx, w.mintURL,
		nut03.PostSwapRequest{Inputs: proofsToSwap, Outputs: outputs})
	if err != nil {
		return 0, fmt.Errorf("swap rejected by mint: %w", err)
	}

	newProofs, err := constructProofs(swapResponse.Signatures, secrets, rs, w.activeKeyset)
	if err != nil {
		return 0, fmt.Errorf("error constructing proofs: %v", err)
	}

	if err := w.db.PutProofs(w.walletId, newProofs, nut07.Unspent); err != nil {
		return 0, fmt.Errorf("error storing proofs: %v", err)
	}

	return newProofs.Amount(), nil
}

// Balance is the sum of this wallet's UNSPENT proofs.
func (w *Wallet) Balance() (uint64, error) {
	unspent, err := w.db.ListProofs(w.walletId, nut07.Unspent)
	if err != nil {
		return 0, err
	}
	return unspent.Amount(), nil
}

// MeltAmount decides how much of a balance to melt once it crosses the
// threshold. It reserves max(3, ceil(balance*0.02)+2) for Lightning
// routing fees and returns 0 if no melt should happen.
func MeltAmount(balance, threshold uint64) uint64 {
	if threshold == 0 || balance < threshold {
		return 0
	}

	feeBuffer := (balance*2+99)/100 + 2
	if feeBuffer < 3 {
		feeBuffer = 3
	}
	if feeBuffer >= balance {
		return 0
	}
	return balance - feeBuffer
}

// MeltResult is the verdict of one melt attempt. A failed attempt is a
// normal result, not an error: the reserved proofs have already been
// returned to UNSPENT and no balance was lost.
type MeltResult struct {
	Paid     bool
	Fee      uint64
	Preimage string
}

// Melt pays a bolt11 invoice from the wallet's UNSPENT balance.
//
// Per attempt the proofs move IDLE -> PENDING -> {SPENT, UNSPENT}.
// The reservation in the ledger is the sole synchronization point
// between concurrent melt attempts on the same wallet.
func (w *Wallet) Melt(ctx context.Context, invoice string) (MeltResult, error) {
	quote, err := w.client.postMeltQuoteBolt11(ctx, w.mintURL,
		nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: w.unit.String()})
	if err != nil {
		return MeltResult{}, fmt.Errorf("error requesting melt quote: %w", err)
	}
	amountNeeded := quote.Amount + quote.FeeReserve

	unspent, err := w.db.ListProofs(w.walletId, nut07.Unspent)
	if err != nil {
		return MeltResult{}, err
	}
	selected, err := selectProofsForAmount(unspent, amountNeeded)
	if err != nil {
		return MeltResult{}, err
	}

	reserved, err := w.db.Reserve(w.walletId, selected.Secrets())
	if err != nil {
		return MeltResult{}, err
	}
	if !reserved {
		return MeltResult{}, ErrProofsReserved
	}

	inputs := selected
	if selected.Amount() > amountNeeded {
		inputs, err = w.swapForExactAmount(ctx, selected, amountNeeded)
		if err != nil {
			return MeltResult{}, err
		}
	}

	meltResponse, err := w.client.postMeltBolt11(ctx, w.mintURL,
		nut05.PostMeltBolt11Request{Quote: quote.Quote, Inputs: inputs})
	if err != nil {
		// payment did not happen, the reserved proofs are still ours
		if commitErr := w.db.Commit(w.walletId, inputs.Secrets(), nut07.Unspent); commitErr != nil {
			return MeltResult{}, commitErr
		}
		return MeltResult{}, fmt.Errorf("error melting: %w", err)
	}

	// State is authoritative, Paid is only honored for mints that
	// predate quote states.
	paid := meltResponse.State == nut05.Paid || meltResponse.Paid
	if !paid {
		if err := w.db.Commit(w.walletId, inputs.Secrets(), nut07.Unspent); err != nil {
			return MeltResult{}, err
		}
		return MeltResult{Paid: false}, nil
	}

	if err := w.db.Commit(w.walletId, inputs.Secrets(), nut07.Spent); err != nil {
		return MeltResult{}, err
	}
	return MeltResult{
		Paid:     true,
		Fee:      inputs.Amount() - quote.Amount,
		Preimage: meltResponse.Preimage,
	}, nil
}

// swapForExactAmount swaps the reserved proofs for a set matching the
// needed amount exactly plus change. The exact set stays PENDING for
// the melt, the change becomes spendable immediately and the swapped
// inputs are retired. On failure the reserved proofs go back to
// UNSPENT untouched.
func (w *Wallet) swapForExactAmount(ctx context.Context, reserved cashu.Proofs, amount uint64) (
	cashu.Proofs, error) {

	release := func(err error) (cashu.Proofs, error) {
		if commitErr := w.db.Commit(w.walletId, reserved.Secrets(), nut07.Unspent); commitErr != nil {
			return nil, commitErr
		}
		return nil, err
	}

	sendOutputs, sendSecrets, sendRs, err := w.createBlindedMessages(amount)
	if err != nil {
		return release(err)
	}
	changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(reserved.Amount() - amount)
	if err != nil {
		return release(err)
	}

	outputs := append(sendOutputs, changeOutputs...)
	secrets := append(sendSecrets, changeSecrets...)
	rs := append(sendRs, changeRs...)

	swapResponse, err := w.client.postSwap(ctx, w.mintURL,
		nut03.PostSwapRequest{Inputs: reserved, Outputs: outputs})
	if err != nil {
		return release(fmt.Errorf("swap rejected by mint: %w", err))
	}

	newProofs, err := constructProofs(swapResponse.Signatures, secrets, rs, w.activeKeyset)
	if err != nil {
		return release(fmt.Errorf("error constructing proofs: %v", err))
	}

	exact := newProofs[:len(sendOutputs)]
	change := newProofs[len(sendOutputs):]

	if err := w.db.PutProofs(w.walletId, exact, nut07.Pending); err != nil {
		return nil, err
	}
	if err := w.db.PutProofs(w.walletId, change, nut07.Unspent); err != nil {
		return nil, err
	}
	if err := w.db.Commit(w.walletId, reserved.Secrets(), nut07.Spent); err != nil {
		return nil, err
	}

	return exact, nil
}

// selectProofsForAmount picks proofs summing to at least amount,
// largest first to keep the input set small.
func selectProofsForAmount(proofs cashu.Proofs, amount uint64) (cashu.Proofs, error) {
	if proofs.Amount() < amount {
		return nil, ErrInsufficientBalance
	}

	sorted := make(cashu.Proofs, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	selected := cashu.Proofs{}
	var selectedAmount uint64
	for _, proof := range sorted {
		if selectedAmount >= amount {
			break
		}
		selected = append(selected, proof)
		selectedAmount += proof.Amount
	}

	return selected, nil
}

// createBlindedMessages derives secrets and blinding factors
// deterministically from the wallet's keyset path and the persisted
// counter, so a lost database can be restored from the mnemonic.
func (w *Wallet) createBlindedMessages(amount uint64) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitAmounts := cashu.AmountSplit(amount)

	counter, err := w.db.IncrementCounter(w.walletId, w.activeKeyset.Id, uint32(len(splitAmounts)))
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(splitAmounts))
	secrets := make([]string, len(splitAmounts))
	rs := make([]*secp256k1.PrivateKey, len(splitAmounts))

	for i, amt := range splitAmounts {
		secret, r, err := blindedMessageAt(w.keysetPath, counter+uint32(i))
		if err != nil {
			return nil, nil, nil, err
		}

		B_ := crypto.BlindMessage(secret, r)
		blindedMessages[i] = cashu.NewBlindedMessage(w.activeKeyset.Id, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func blindedMessageAt(keysetPath *hdkeychain.ExtendedKey, counter uint32) (
	string, *secp256k1.PrivateKey, error) {

	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

// constructProofs unblinds the mint's signatures into proofs. The
// mint signs outputs in order, so signatures line up with secrets.
func constructProofs(signatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("mint returned wrong number of signatures")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed for unknown amount '%v'", signature.Amount)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}

	return proofs, nil
}
