// Package testutils runs an in-process Cashu mint for tests. It signs
// with a real keyset so wallets can verify ids and unblind signatures,
// and it tracks spent proofs so double-spends are rejected like a real
// mint would.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut01"
	"nutjar/cashu/nuts/nut02"
	"nutjar/cashu/nuts/nut03"
	"nutjar/cashu/nuts/nut05"
	"nutjar/cashu/nuts/nut07"
	"nutjar/cashu/nuts/nut09"
	"nutjar/crypto"
)

type Mint struct {
	URL string

	// FeeReserve is quoted on top of every melt amount.
	FeeReserve uint64
	// FailMelt makes every melt attempt report unpaid.
	FailMelt bool

	keysets map[string]*crypto.Keyset

	mu         sync.Mutex
	spent      map[string]bool                   // Y -> spent
	issued     map[string]cashu.BlindedSignature // B_ -> signature, for restore
	meltQuotes map[string]uint64                 // quote id -> amount

	server *httptest.Server
}

func NewMint() *Mint {
	m := &Mint{
		FeeReserve: 2,
		keysets: map[string]*crypto.Keyset{
			"sat": crypto.GenerateKeyset("testseed", "sat"),
			"usd": crypto.GenerateKeyset("testseed", "usd"),
		},
		spent:      make(map[string]bool),
		issued:     make(map[string]cashu.BlindedSignature),
		meltQuotes: make(map[string]uint64),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/keysets", m.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", m.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", m.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/swap", m.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", m.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/bolt11", m.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", m.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", m.handleRestore).Methods(http.MethodPost)

	m.server = httptest.NewServer(r)
	m.URL = m.server.URL
	return m
}

func (m *Mint) Close() {
	m.server.Close()
}

func (m *Mint) KeysetId(unit string) string {
	return m.keysets[unit].Id
}

// MakeToken fabricates a valid donation token: proofs signed directly
// with the mint's keys, as if some donor wallet had minted them.
func (m *Mint) MakeToken(amount uint64, unit cashu.Unit) (string, error) {
	keyset := m.keysets[unit.String()]

	proofs := cashu.Proofs{}
	for _, amt := range cashu.AmountSplit(amount) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return "", err
		}
		secret := hex.EncodeToString(secretBytes)

		C := crypto.SignBlindedMessage(crypto.HashToCurve([]byte(secret)), keyset.PrivKeys[amt])
		proofs = append(proofs, cashu.Proof{
			Amount: amt,
			Id:     keyset.Id,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		})
	}

	token, err := cashu.NewTokenV4(proofs, m.URL, unit)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}

// Spend marks proofs as spent without a swap, as if another wallet had
// redeemed them out of band.
func (m *Mint) Spend(proofs cashu.Proofs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSpent(proofs)
}

func (m *Mint) keysetByID(id string) *crypto.Keyset {
	for _, keyset := range m.keysets {
		if keyset.Id == id {
			return keyset
		}
	}
	return nil
}

func (m *Mint) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	res := nut02.GetKeysetsResponse{}
	for unit, keyset := range m.keysets {
		res.Keysets = append(res.Keysets, nut02.Keyset{Id: keyset.Id, Unit: unit, Active: true})
	}
	writeJSON(rw, http.StatusOK, res)
}

func (m *Mint) handleKeys(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	res := nut01.GetKeysResponse{}
	for unit, keyset := range m.keysets {
		if id == "" || keyset.Id == id {
			res.Keysets = append(res.Keysets, nut01.Keyset{
				Id: keyset.Id, Unit: unit, Keys: keyset.PublicKeys(),
			})
		}
	}
	writeJSON(rw, http.StatusOK, res)
}

// verifyInputs checks signatures and spent state. Caller holds m.mu.
func (m *Mint) verifyInputs(inputs cashu.Proofs) *cashu.Error {
	for _, proof := range inputs {
		keyset := m.keysetByID(proof.Id)
		if keyset == nil {
			return &cashu.Error{Detail: "unknown keyset", Code: cashu.UnknownKeysetErrCode}
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return &cashu.Error{Detail: "invalid proof", Code: cashu.InvalidProofErrCode}
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return &cashu.Error{Detail: "invalid proof", Code: cashu.InvalidProofErrCode}
		}
		key, ok := keyset.PrivKeys[proof.Amount]
		if !ok || !crypto.Verify(proof.Secret, key, C) {
			return &cashu.Error{Detail: "invalid proof", Code: cashu.InvalidProofErrCode}
		}

		if m.spent[yFor(proof.Secret)] {
			return &cashu.Error{Detail: "proof already used", Code: cashu.ProofAlreadyUsedErrCode}
		}
	}
	return nil
}

func (m *Mint) markSpent(inputs cashu.Proofs) {
	for _, proof := range inputs {
		m.spent[yFor(proof.Secret)] = true
	}
}

func (m *Mint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		keyset := m.keysetByID(output.Id)
		if keyset == nil {
			return nil, &cashu.Error{Detail: "unknown keyset", Code: cashu.UnknownKeysetErrCode}
		}

		Bbytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, &cashu.Error{Detail: "invalid blinded message", Code: cashu.StandardErrCode}
		}
		B_, err := secp256k1.ParsePubKey(Bbytes)
		if err != nil {
			return nil, &cashu.Error{Detail: "invalid blinded message", Code: cashu.StandardErrCode}
		}

		key, ok := keyset.PrivKeys[output.Amount]
		if !ok {
			return nil, &cashu.Error{Detail: "invalid amount in blinded message", Code: cashu.StandardErrCode}
		}

		C_ := crypto.SignBlindedMessage(B_, key)
		signature := cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     output.Id,
		}
		signatures[i] = signature
		m.issued[output.B_] = signature
	}
	return signatures, nil
}

func (m *Mint) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapReq); err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid request", Code: cashu.StandardErrCode})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cashuErr := m.verifyInputs(swapReq.Inputs); cashuErr != nil {
		writeError(rw, cashuErr)
		return
	}
	if swapReq.Inputs.Amount() != swapReq.Outputs.Amount() {
		writeError(rw, &cashu.Error{Detail: "input and output amounts do not match",
			Code: cashu.InsufficientProofAmountErrCode})
		return
	}

	signatures, cashuErr := m.signOutputs(swapReq.Outputs)
	if cashuErr != nil {
		writeError(rw, cashuErr)
		return
	}
	m.markSpent(swapReq.Inputs)

	writeJSON(rw, http.StatusOK, nut03.PostSwapResponse{Signatures: signatures})
}

func (m *Mint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteReq nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteReq); err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid request", Code: cashu.StandardErrCode})
		return
	}

	invoice, err := decodepay.Decodepay(quoteReq.Request)
	if err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid invoice", Code: cashu.MeltQuoteErrCode})
		return
	}
	amount := uint64(invoice.MSatoshi) / 1000

	quoteId := make([]byte, 16)
	rand.Read(quoteId)
	quote := hex.EncodeToString(quoteId)

	m.mu.Lock()
	m.meltQuotes[quote] = amount
	m.mu.Unlock()

	writeJSON(rw, http.StatusOK, nut05.PostMeltQuoteBolt11Response{
		Quote:      quote,
		Amount:     amount,
		FeeReserve: m.FeeReserve,
		State:      nut05.Unpaid,
	})
}

func (m *Mint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltReq nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltReq); err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid request", Code: cashu.StandardErrCode})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	amount, ok := m.meltQuotes[meltReq.Quote]
	if !ok {
		writeError(rw, &cashu.Error{Detail: "quote does not exist", Code: cashu.MeltQuoteErrCode})
		return
	}
	if cashuErr := m.verifyInputs(meltReq.Inputs); cashuErr != nil {
		writeError(rw, cashuErr)
		return
	}
	if meltReq.Inputs.Amount() < amount {
		writeError(rw, &cashu.Error{Detail: "insufficient inputs for melt",
			Code: cashu.InsufficientProofAmountErrCode})
		return
	}

	if m.FailMelt {
		writeJSON(rw, http.StatusOK, nut05.PostMeltQuoteBolt11Response{
			Quote: meltReq.Quote, Amount: amount, State: nut05.Unpaid,
		})
		return
	}

	m.markSpent(meltReq.Inputs)
	preimage := make([]byte, 32)
	rand.Read(preimage)

	// only the quote state signals payment, the deprecated paid field
	// is left out like current mints do
	writeJSON(rw, http.StatusOK, nut05.PostMeltQuoteBolt11Response{
		Quote:    meltReq.Quote,
		Amount:   amount,
		State:    nut05.Paid,
		Preimage: hex.EncodeToString(preimage),
	})
}

func (m *Mint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateReq nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateReq); err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid request", Code: cashu.StandardErrCode})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]nut07.ProofState, len(stateReq.Ys))
	for i, y := range stateReq.Ys {
		state := nut07.Unspent
		if m.spent[y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: y, State: state}
	}
	writeJSON(rw, http.StatusOK, nut07.PostCheckStateResponse{States: states})
}

func (m *Mint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreReq nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreReq); err != nil {
		writeError(rw, &cashu.Error{Detail: "invalid request", Code: cashu.StandardErrCode})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range restoreReq.Outputs {
		if signature, ok := m.issued[output.B_]; ok {
			res.Outputs = append(res.Outputs, output)
			res.Signatures = append(res.Signatures, signature)
		}
	}
	writeJSON(rw, http.StatusOK, res)
}

func yFor(secret string) string {
	return hex.EncodeToString(crypto.HashToCurve([]byte(secret)).SerializeCompressed())
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, cashuErr *cashu.Error) {
	writeJSON(rw, http.StatusBadRequest, cashuErr)
}
