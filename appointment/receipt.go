package appointment

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadReceiptSig = errors.New("receipt signature does not recover the tower key")

// ReceiptSigner binds the tower to an appointment by signing its canonical
// packed encoding together with the tower contract address.
type ReceiptSigner struct {
	key          *ecdsa.PrivateKey
	towerAddress common.Address
}

func NewReceiptSigner(key *ecdsa.PrivateKey, towerAddress common.Address) *ReceiptSigner {
	return &ReceiptSigner{key: key, towerAddress: towerAddress}
}

// Address is the tower's advertised signing address.
func (s *ReceiptSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign produces the detached 65-byte receipt signature with the usual 27/28
// recovery id.
func (s *ReceiptSigner) Sign(a *Appointment) ([]byte, error) {
	sig, err := crypto.Sign(ReceiptDigest(a, s.towerAddress), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// ReceiptDigest is the Ethereum-prefixed hash the receipt signature covers:
// keccak256 of the packed appointment followed by the tower contract address,
// wrapped in the eth_sign text envelope.
func ReceiptDigest(a *Appointment, towerAddress common.Address) []byte {
	inner := crypto.Keccak256(append(a.PackedEncoding(), towerAddress.Bytes()...))
	return accounts.TextHash(inner)
}

// VerifyReceipt checks a detached receipt signature against the signer the
// tower advertises.
func VerifyReceipt(a *Appointment, towerAddress, signer common.Address, sig []byte) error {
	if len(sig) != 65 {
		return ErrBadSignatureLen
	}
	plain := make([]byte, 65)
	copy(plain, sig)
	if plain[64] >= 27 {
		plain[64] -= 27
	}
	pub, err := crypto.SigToPub(ReceiptDigest(a, towerAddress), plain)
	if err != nil {
		return fmt.Errorf("recover receipt signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return ErrBadReceiptSig
	}
	return nil
}
