package host

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ContractAddress derives the principal of a named component:
// the last 20 bytes of keccak256("blocki:" + name).
func ContractAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("blocki:" + name))[12:])
}
