package evm

import (
	"math/big"
	"strings"
	"testing"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const orderABIJSON = `[
	{"type":"event","name":"OrderAccepted","anonymous":false,"inputs":[
		{"name":"orderIndex","type":"uint256","indexed":true},
		{"name":"orderId","type":"string","indexed":false},
		{"name":"order","type":"tuple","indexed":false,"components":[
			{"name":"orderId","type":"string"},
			{"name":"customer","type":"address"},
			{"name":"total","type":"uint256"},
			{"name":"status","type":"uint8"}
		]}
	]},
	{"type":"event","name":"OrderPlaced","anonymous":false,"inputs":[
		{"name":"orderIndex","type":"uint256","indexed":true}
	]},
	{"type":"function","name":"processAcceptedOrder","stateMutability":"payable",
	 "inputs":[{"name":"index","type":"uint256"}],"outputs":[]}
]`

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")

type orderTuple struct {
	OrderId  string
	Customer common.Address
	Total    *big.Int
	Status   uint8
}

func testHandle(t *testing.T) *contract.Handle {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(orderABIJSON))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &contract.Handle{Name: "OrderPaymentContract", Address: contractAddr, ABI: &a}
}

func testDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(testHandle(t), "OrderAccepted")
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d
}

// orderLog builds an OrderAccepted log as the contract would emit it.
func orderLog(t *testing.T, block uint64, index uint, orderIndex int64, orderID string, total int64) types.Log {
	t.Helper()
	h := testHandle(t)
	ev := h.ABI.Events["OrderAccepted"]
	_, nonIndexed := splitIndexed(ev.Inputs)
	data, err := nonIndexed.Pack(orderID, orderTuple{
		OrderId:  orderID,
		Customer: common.HexToAddress("0x01"),
		Total:    big.NewInt(total),
		Status:   1,
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     contractAddr,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(orderIndex))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}
