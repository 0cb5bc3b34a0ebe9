// Package cashu contains the core structs and the token codec
// of the Cashu protocol.
package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
)

// Unit is the currency denomination a set of proofs is measured in.
type Unit string

const (
	Sat Unit = "sat"
	USD Unit = "usd"
)

func (u Unit) String() string {
	return string(u)
}

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	return BlindedMessage{
		Amount: amount,
		B_:     hex.EncodeToString(B_.SerializeCompressed()),
		Id:     id,
	}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var total uint64
	for _, msg := range bm {
		total += msg.Amount
	}
	return total
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// pointer so that omitempty works. an empty
	// struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var total uint64
	for _, sig := range bs {
		total += sig.Amount
	}
	return total
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the total amount from the array of Proof
func (proofs Proofs) Amount() uint64 {
	var total uint64
	for _, proof := range proofs {
		total += proof.Amount
	}
	return total
}

// Secrets returns the secrets of all proofs in the array.
func (proofs Proofs) Secrets() []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Unit() string
	Amount() uint64
	Serialize() (string, error)
}

func DecodeToken(tokenstr string) (Token, error) {
	if len(tokenstr) < 6 {
		return nil, errors.New("invalid token")
	}
	token, err := DecodeTokenV4(tokenstr)
	if err != nil {
		// if err, try decoding as V3
		tokenV3, err := DecodeTokenV3(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return tokenV3, nil
	}
	return token, nil
}

type TokenV3 struct {
	Token   []TokenV3Proof `json:"token"`
	UnitStr string         `json:"unit"`
	Memo    string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit) TokenV3 {
	tokenProof := TokenV3Proof{Mint: mint, Proofs: proofs}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, UnitStr: unit.String()}
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]
	if prefixVersion != "cashuA" {
		return nil, ErrInvalidTokenV3
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var token TokenV3
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %v", err)
	}
	if len(token.Token) == 0 {
		return nil, ErrInvalidTokenV3
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	return t.Token[0].Mint
}

func (t TokenV3) Unit() string {
	return t.UnitStr
}

func (t TokenV3) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.URLEncoding.EncodeToString(jsonBytes), nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	UnitStr     string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func NewTokenV4(proofs Proofs, mint string, unit Unit) (TokenV4, error) {
	proofsMap := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount:  proof.Amount,
			Secret:  proof.Secret,
			C:       C,
			Witness: proof.Witness,
		}
		proofsMap[proof.Id] = append(proofsMap[proof.Id], proofV4)
	}

	proofsV4 := make([]TokenV4Proof, 0, len(proofsMap))
	for id, keysetProofs := range proofsMap {
		keysetIdBytes, err := hex.DecodeString(id)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		proofsV4 = append(proofsV4, TokenV4Proof{Id: keysetIdBytes, Proofs: keysetProofs})
	}

	return TokenV4{MintURL: mint, UnitStr: unit.String(), TokenProofs: proofsV4}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]
	if prefixVersion != "cashuB" {
		return nil, ErrInvalidTokenV4
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var tokenV4 TokenV4
	if err := cbor.Unmarshal(tokenBytes, &tokenV4); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Unit() string {
	return t.UnitStr
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}
	return "cashuB" + base64.RawURLEncoding.EncodeToString(cborData), nil
}

type CashuErrCode int

// Error represents an error returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode                CashuErrCode = 10000
	InvalidProofErrCode            CashuErrCode = 10003
	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	UnitErrCode                    CashuErrCode = 11005
	UnknownKeysetErrCode           CashuErrCode = 12001
	MeltQuoteErrCode               CashuErrCode = 20009
)

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}
