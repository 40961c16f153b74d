/*

Oracle quorum verification.

Reward roots are only accepted when a quorum of authorized oracles signed the same typed-data
digest. Signatures are passed concatenated (65 bytes each, R || S || V) and must be sorted by
recovered signer address in strictly ascending order, which rejects duplicates while recovering.

*/

package oracle

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

const (
	SignatureLength = 65

	domainName    = "KeeperOracles"
	domainVersion = "1"
)

var domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

// Oracles is the authorized signer set and its quorum.
type Oracles struct {
	authorized      map[common.Address]struct{}
	required        int
	domainSeparator common.Hash
}

// NewOracles returns a signer set bound to the domain of chainID and verifyingContract.
func NewOracles(addresses []common.Address, required int, chainID uint64, verifyingContract common.Address) (*Oracles, error) {
	if required <= 0 || required > len(addresses) {
		return nil, fmt.Errorf("required oracles %d must be between 1 and %d", required, len(addresses))
	}
	authorized := make(map[common.Address]struct{}, len(addresses))
	for _, addr := range addresses {
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("oracle address cannot be zero")
		}
		if _, dup := authorized[addr]; dup {
			return nil, fmt.Errorf("duplicate oracle %s", addr)
		}
		authorized[addr] = struct{}{}
	}
	return &Oracles{
		authorized:      authorized,
		required:        required,
		domainSeparator: DomainSeparator(chainID, verifyingContract),
	}, nil
}

// DomainSeparator is the typed-data domain hash of the keeper.
func DomainSeparator(chainID uint64, verifyingContract common.Address) common.Hash {
	return crypto.Keccak256Hash(utils.EncodeWords(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(domainName)),
		crypto.Keccak256([]byte(domainVersion)),
		common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
		utils.AddressWord(verifyingContract),
	))
}

func (o *Oracles) Required() int { return o.required }

func (o *Oracles) IsOracle(addr common.Address) bool {
	_, ok := o.authorized[addr]
	return ok
}

// Addresses returns the authorized oracles in ascending order.
func (o *Oracles) Addresses() []common.Address {
	out := make([]common.Address, 0, len(o.authorized))
	for addr := range o.authorized {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// TypedDataDigest wraps a struct hash into the signed digest.
func (o *Oracles) TypedDataDigest(structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, o.domainSeparator.Bytes(), structHash.Bytes())
}

// VerifyMinSignatures checks that the first Required() signatures are from distinct authorized
// oracles in ascending address order.
func (o *Oracles) VerifyMinSignatures(structHash common.Hash, signatures []byte) error {
	if len(signatures) < o.required*SignatureLength {
		return errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "%d signatures, %d required", len(signatures)/SignatureLength, o.required)
	}

	digest := o.TypedDataDigest(structHash)
	var last common.Address
	for i := 0; i < o.required; i++ {
		sig := signatures[i*SignatureLength : (i+1)*SignatureLength]
		signer, err := RecoverSigner(digest, sig)
		if err != nil {
			return errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "signature %d: %v", i, err)
		}
		if bytes.Compare(signer[:], last[:]) <= 0 {
			return errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "signer %s is not above %s", signer, last)
		}
		if !o.IsOracle(signer) {
			return errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "%s is not an oracle", signer)
		}
		last = signer
	}
	return nil
}

// RecoverSigner recovers the address that produced sig over digest. V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65-byte signature with V in {27, 28}, the form oracles submit.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
