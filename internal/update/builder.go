package update

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainContext carries the per-transaction values fetched from the node.
type ChainContext struct {
	GasPrice *big.Int
	GasLimit uint64
	Nonce    uint64
	ChainID  *big.Int
}

// Builder encodes intents as calls to the contract's update method.
type Builder struct {
	contract common.Address
	abi      *abi.ABI
	method   abi.Method
}

// NewBuilder checks that method exists, is payable and takes a single uint256.
func NewBuilder(h *contract.Handle, method string) (*Builder, error) {
	m, err := h.Method(method)
	if err != nil {
		return nil, err
	}
	if len(m.Inputs) != 1 || m.Inputs[0].Type.T != abi.UintTy || m.Inputs[0].Type.Size != 256 {
		return nil, fmt.Errorf("method %s must take a single uint256", method)
	}
	if !m.IsPayable() {
		return nil, fmt.Errorf("method %s is not payable", method)
	}
	return &Builder{contract: h.Address, abi: h.ABI, method: m}, nil
}

// Calldata ABI-encodes the update call for index.
func (b *Builder) Calldata(index *big.Int) ([]byte, error) {
	data, err := b.abi.Pack(b.method.Name, index)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", b.method.Name, err)
	}
	return data, nil
}

// BuildTransaction returns the unsigned update transaction. It performs no I/O.
func (b *Builder) BuildTransaction(in Intent, cc ChainContext) (*types.Transaction, error) {
	if in.TargetIndex == nil || in.ValueWei == nil {
		return nil, fmt.Errorf("%w: incomplete intent", ErrMalformedEvent)
	}
	if cc.GasPrice == nil {
		return nil, fmt.Errorf("build transaction: gas price not set")
	}
	data, err := b.Calldata(in.TargetIndex)
	if err != nil {
		return nil, err
	}
	to := b.contract
	return types.NewTx(&types.LegacyTx{
		Nonce:    cc.Nonce,
		GasPrice: new(big.Int).Set(cc.GasPrice),
		Gas:      cc.GasLimit,
		To:       &to,
		Value:    new(big.Int).Set(in.ValueWei),
		Data:     data,
	}), nil
}

// BuildCreation returns an unsigned contract-creation transaction for code.
func BuildCreation(code []byte, cc ChainContext) (*types.Transaction, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("build creation: empty bytecode")
	}
	if cc.GasPrice == nil {
		return nil, fmt.Errorf("build creation: gas price not set")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    cc.Nonce,
		GasPrice: new(big.Int).Set(cc.GasPrice),
		Gas:      cc.GasLimit,
		Value:    new(big.Int),
		Data:     common.CopyBytes(code),
	}), nil
}

// Sign signs tx for chainID and returns the raw encoded transaction.
func Sign(tx *types.Transaction, key *ecdsa.PrivateKey, chainID *big.Int) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no key", ErrSigning)
	}
	if chainID == nil {
		return nil, fmt.Errorf("%w: no chain id", ErrSigning)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSigning, err)
	}
	return raw, nil
}

// ParseKey decodes a hex private key, with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrSigning, err)
	}
	return key, nil
}

// Sender is the address controlled by key.
func Sender(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
