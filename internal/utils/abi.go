package utils

import (
	"encoding/binary"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressWord is the 32-byte ABI encoding of an address.
func AddressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// IntWord is the 32-byte ABI encoding of a signed or unsigned integer (two's complement).
func IntWord(x sdkmath.Int) []byte {
	return gethmath.U256Bytes(new(big.Int).Set(x.BigInt()))
}

// Uint64Word is the 32-byte ABI encoding of a uint64.
func Uint64Word(x uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], x)
	return word
}

// EncodeWords concatenates ABI words, as abi.encode does for static types.
func EncodeWords(words ...[]byte) []byte {
	out := make([]byte, 0, 32*len(words))
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// ExitRequestKey identifies an exit request by keccak256(abi.encode(receiver, positionTicket)).
func ExitRequestKey(receiver common.Address, positionTicket sdkmath.Int) common.Hash {
	return crypto.Keccak256Hash(EncodeWords(AddressWord(receiver), IntWord(positionTicket)))
}
