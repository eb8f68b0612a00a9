package fasset

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Payment reference type tags occupy the high 64 bits of the 256-bit
// reference. The low 192 bits carry either a protocol assigned identifier or
// an agent vault address; a zero payload is never valid.
const (
	RefMinting                 uint64 = 0x4642505266410001
	RefRedemption              uint64 = 0x4642505266410002
	RefAnnouncedWithdrawal     uint64 = 0x4642505266410003
	RefReturnFromCoreVault     uint64 = 0x4642505266410004
	RefRedemptionFromCoreVault uint64 = 0x4642505266410005
	RefTopup                   uint64 = 0x4642505266410011
	RefSelfMint                uint64 = 0x4642505266410012
)

// PaymentReference is the 256-bit tagged value attached to underlying chain
// payments so the ledger can correlate them with protocol actions.
type PaymentReference = uint256.Int

const refPayloadBits = 192

func encodeReference(tag uint64, payload *uint256.Int) *PaymentReference {
	ref := new(uint256.Int).SetUint64(tag)
	ref.Lsh(ref, refPayloadBits)
	return ref.Or(ref, payload)
}

// NewIDReference builds a reference of the given type around a protocol
// assigned identifier. Identifiers start from a randomized nonzero offset, so
// a zero id yields an invalid reference by construction.
func NewIDReference(tag uint64, id uint64) *PaymentReference {
	return encodeReference(tag, new(uint256.Int).SetUint64(id))
}

// NewAddressReference builds a reference of the given type around an agent
// vault address.
func NewAddressReference(tag uint64, addr [20]byte) *PaymentReference {
	payload := new(uint256.Int).SetBytes(addr[:])
	return encodeReference(tag, payload)
}

// Minting returns the payment reference for a collateral reservation id.
func Minting(id uint64) *PaymentReference { return NewIDReference(RefMinting, id) }

// Redemption returns the payment reference for a redemption request id.
func Redemption(id uint64) *PaymentReference { return NewIDReference(RefRedemption, id) }

// AnnouncedWithdrawal returns the payment reference for an announced
// underlying withdrawal id.
func AnnouncedWithdrawal(id uint64) *PaymentReference {
	return NewIDReference(RefAnnouncedWithdrawal, id)
}

// Topup returns the payment reference binding a top-up payment to the agent
// vault address.
func Topup(agentVault [20]byte) *PaymentReference {
	return NewAddressReference(RefTopup, agentVault)
}

// SelfMint returns the payment reference binding a self-mint payment to the
// agent vault address.
func SelfMint(agentVault [20]byte) *PaymentReference {
	return NewAddressReference(RefSelfMint, agentVault)
}

// ReturnFromCoreVault returns the payment reference for a core vault return
// request id.
func ReturnFromCoreVault(id uint64) *PaymentReference {
	return NewIDReference(RefReturnFromCoreVault, id)
}

// RedemptionFromCoreVault returns the payment reference for a core vault
// redemption request id.
func RedemptionFromCoreVault(id uint64) *PaymentReference {
	return NewIDReference(RefRedemptionFromCoreVault, id)
}

// IsValid reports whether the reference carries the expected type tag and a
// nonzero payload.
func IsValid(ref *PaymentReference, expectedTag uint64) bool {
	if ref == nil {
		return false
	}
	tag := new(uint256.Int).Rsh(ref, refPayloadBits)
	if !tag.IsUint64() || tag.Uint64() != expectedTag {
		return false
	}
	payload := decodePayload(ref)
	return !payload.IsZero()
}

// DecodeID extracts the low 192 payload bits without checking the type tag.
// Callers are expected to have validated the tag via IsValid first.
func DecodeID(ref *PaymentReference) *uint256.Int {
	if ref == nil {
		return new(uint256.Int)
	}
	return decodePayload(ref)
}

func decodePayload(ref *PaymentReference) *uint256.Int {
	payload := new(uint256.Int).Lsh(ref, 256-refPayloadBits)
	return payload.Rsh(payload, 256-refPayloadBits)
}

// RandomizedIDSkip derives a skip in [1, 1000] from recent chain state so
// that sequential id allocation is not trivially guessable ahead of time.
// This is an anti-front-running perturbation, not a cryptographic guarantee.
func RandomizedIDSkip(seed []byte, counter uint64) uint64 {
	material := make([]byte, len(seed)+8)
	copy(material, seed)
	binary.BigEndian.PutUint64(material[len(seed):], counter)
	digest := ethcrypto.Keccak256(material)
	return binary.BigEndian.Uint64(digest[24:32])%1000 + 1
}
