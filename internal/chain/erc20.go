package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABIJSON is the minimal ERC-20 ABI fragment consumed by this system
// (spec §6): balanceOf, transfer, and the Transfer event.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20ABI is parsed once at package init and reused by every Gateway.
var ERC20ABI abi.ABI

// TransferEventSignature is the keccak256 topic0 for Transfer(address,address,uint256).
var TransferEventSignature common.Hash

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("chain: invalid embedded ERC-20 ABI: " + err.Error())
	}
	ERC20ABI = parsed
	TransferEventSignature = ERC20ABI.Events["Transfer"].ID
}

// packTransfer builds calldata for transfer(address,uint256).
func packTransfer(to common.Address, wei *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, wei)
}

// packBalanceOf builds calldata for balanceOf(address).
func packBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}
