package delegation

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/quickbet/settlement/internal/model"
)

// MessagePrefix starts every delegation authorization message.
const MessagePrefix = "QUICKBET_DELEGATE_AUTH"

// Message returns the exact text a user signs to authorize delegation at
// nonce.
func Message(owner model.UserID, nonce uint64) string {
	return fmt.Sprintf("%s:%s:%d", MessagePrefix, owner, nonce)
}

// Verifier checks the signature accompanying a delegation message. The
// message payload itself has already been compared to Message.
type Verifier interface {
	Verify(owner model.UserID, message string, signature []byte) error
}

// PayloadOnly accepts any signature. Only the message payload is checked.
type PayloadOnly struct{}

func (PayloadOnly) Verify(model.UserID, string, []byte) error { return nil }

// Secp256k1Verifier checks an Ethereum personal_sign signature over the
// message. Owners must be 0x-prefixed Ethereum addresses.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(owner model.UserID, message string, signature []byte) error {
	if !common.IsHexAddress(string(owner)) {
		return fmt.Errorf("%w: owner %q is not an address", model.ErrInvalidSignaturePayload, owner)
	}
	if len(signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", model.ErrInvalidSignaturePayload, len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: recover pubkey: %v", model.ErrInvalidSignaturePayload, err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), common.HexToAddress(string(owner)).Hex()) {
		return fmt.Errorf("%w: signed by %s", model.ErrInvalidSignaturePayload, recovered.Hex())
	}
	return nil
}

// VerifierFor returns the verifier configured by mode ("payload" or
// "secp256k1").
func VerifierFor(mode string) (Verifier, error) {
	switch mode {
	case "", "payload":
		return PayloadOnly{}, nil
	case "secp256k1":
		return Secp256k1Verifier{}, nil
	default:
		return nil, fmt.Errorf("unknown signature mode %q", mode)
	}
}
