package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/devblac/order-oracle/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeChain struct {
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	head     uint64
	fail     map[uint64]int // block number -> remaining failures
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   map[uint64]*types.Block{},
		receipts: map[common.Hash]*types.Receipt{},
		fail:     map[uint64]int{},
	}
}

// addBlock appends a block on top of the current head holding one transaction per log batch.
func (f *fakeChain) addBlock(n uint64, to common.Address, batches ...[]types.Log) *types.Block {
	parent := common.Hash{}
	if p, ok := f.blocks[n-1]; ok && n > 0 {
		parent = p.Hash()
	}
	header := &types.Header{Number: new(big.Int).SetUint64(n), ParentHash: parent, Extra: []byte(fmt.Sprintf("b%d", n))}
	txs := make([]*types.Transaction, 0, len(batches))
	for i, logs := range batches {
		addr := to
		tx := types.NewTx(&types.LegacyTx{Nonce: n*100 + uint64(i), To: &addr, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(0)})
		txs = append(txs, tx)
		receipt := &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
		for j := range logs {
			lg := logs[j]
			lg.TxHash = tx.Hash()
			receipt.Logs = append(receipt.Logs, &lg)
		}
		f.receipts[tx.Hash()] = receipt
	}
	block := types.NewBlockWithHeader(header).WithBody(txs, nil)
	f.blocks[n] = block
	if n > f.head {
		f.head = n
	}
	return block
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	b, ok := f.blocks[n]
	if !ok {
		return nil, fmt.Errorf("header %d not found", n)
	}
	return b.Header(), nil
}

func (f *fakeChain) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	if f.fail[number.Uint64()] > 0 {
		f.fail[number.Uint64()]--
		return nil, fmt.Errorf("%w: block %d timed out", chain.ErrTransient, number.Uint64())
	}
	b, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("block %d not found", number.Uint64())
	}
	return b, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("receipt %s not found", hash.Hex())
	}
	return r, nil
}

func TestBlockWalkerFindsEventsInContractTransactions(t *testing.T) {
	fc := newFakeChain()
	fc.addBlock(0, contractAddr)
	fc.addBlock(1, contractAddr, []types.Log{orderLog(t, 1, 1, 2, "B", 1), orderLog(t, 1, 0, 1, "A", 1)})
	fc.addBlock(2, common.HexToAddress("0xdd"), []types.Log{orderLog(t, 2, 0, 3, "C", 1)})
	fc.addBlock(3, contractAddr, []types.Log{orderLog(t, 3, 0, 4, "D", 1)})

	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	if err := w.Subscribe(context.Background(), big.NewInt(1)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evs, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].Args["orderId"] != "A" || evs[1].Args["orderId"] != "B" || evs[2].Args["orderId"] != "D" {
		t.Fatalf("unexpected order: %v %v %v", evs[0].Args["orderId"], evs[1].Args["orderId"], evs[2].Args["orderId"])
	}
	if evs[0].BlockHash != fc.blocks[1].Hash() {
		t.Fatalf("block hash not set")
	}
	if h, ok := w.Position(); !ok || h != 3 {
		t.Fatalf("position = %d ok=%v", h, ok)
	}

	again, err := w.Poll(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("expected no new events, got %d err=%v", len(again), err)
	}
}

func TestBlockWalkerRespectsConfirmationsAndBatchSize(t *testing.T) {
	fc := newFakeChain()
	for n := uint64(0); n <= 5; n++ {
		fc.addBlock(n, contractAddr, []types.Log{orderLog(t, n, 0, int64(n), "x", 1)})
	}

	w := NewBlockWalker(fc, testDecoder(t), 2, 2)
	if err := w.Subscribe(context.Background(), big.NewInt(0)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first, err := w.Poll(context.Background())
	if err != nil || len(first) != 2 {
		t.Fatalf("first poll: %d err=%v", len(first), err)
	}
	second, err := w.Poll(context.Background())
	if err != nil || len(second) != 2 {
		t.Fatalf("second poll: %d err=%v", len(second), err)
	}
	third, err := w.Poll(context.Background())
	if err != nil || len(third) != 0 {
		t.Fatalf("blocks beyond head-confirmations must wait, got %d err=%v", len(third), err)
	}
	if h, _ := w.Position(); h != 3 {
		t.Fatalf("position = %d, want 3", h)
	}
}

func TestBlockWalkerStartsAtHeadWhenLatest(t *testing.T) {
	fc := newFakeChain()
	fc.addBlock(0, contractAddr)
	fc.addBlock(1, contractAddr, []types.Log{orderLog(t, 1, 0, 1, "old", 1)})

	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	if err := w.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evs, err := w.Poll(context.Background())
	if err != nil || len(evs) != 0 {
		t.Fatalf("events before subscription must be skipped, got %d err=%v", len(evs), err)
	}

	fc.addBlock(2, contractAddr, []types.Log{orderLog(t, 2, 0, 2, "new", 1)})
	evs, err = w.Poll(context.Background())
	if err != nil || len(evs) != 1 || evs[0].Args["orderId"] != "new" {
		t.Fatalf("expected the new event, got %+v err=%v", evs, err)
	}
}

func TestBlockWalkerReorgDetection(t *testing.T) {
	fc := newFakeChain()
	fc.addBlock(0, contractAddr)
	fc.addBlock(1, contractAddr)

	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	if err := w.Subscribe(context.Background(), big.NewInt(0)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// replace block 1 and build 2 on top of the new branch
	fc.blocks[1] = types.NewBlockWithHeader(&types.Header{Number: big.NewInt(1), ParentHash: fc.blocks[0].Hash(), Extra: []byte("fork")})
	fc.addBlock(2, contractAddr)

	_, err := w.Poll(context.Background())
	if !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg error, got %v", err)
	}

	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("walker should recover after rewinding: %v", err)
	}
	if h, _ := w.Position(); h != 2 {
		t.Fatalf("position = %d, want 2", h)
	}
}

// fork replaces every block from n up to the head with a sibling branch.
func (f *fakeChain) fork(t *testing.T, n uint64) {
	t.Helper()
	head := f.head
	for h := n; h <= head; h++ {
		parent := f.blocks[h-1].Hash()
		f.blocks[h] = types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(h), ParentHash: parent, Extra: []byte(fmt.Sprintf("fork%d", h))})
	}
}

func TestBlockWalkerPollIsAllOrNothing(t *testing.T) {
	fc := newFakeChain()
	for n := uint64(0); n <= 4; n++ {
		fc.addBlock(n, contractAddr)
	}
	fc.addBlock(5, contractAddr, []types.Log{orderLog(t, 5, 0, 7, "A", 1)})
	fc.addBlock(6, contractAddr)
	fc.fail[2] = 1

	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	if err := w.Subscribe(context.Background(), big.NewInt(1)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evs, err := w.Poll(context.Background())
	if !errors.Is(err, chain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("failed poll must not hand out events, got %d", len(evs))
	}
	if h, _ := w.Position(); h != 0 {
		t.Fatalf("position moved to %d on a failed poll", h)
	}

	fc.fail[6] = 1
	if _, err := w.Poll(context.Background()); err == nil {
		t.Fatalf("expected failure on block 6")
	}
	if h, _ := w.Position(); h != 0 {
		t.Fatalf("position moved to %d past an undelivered event", h)
	}

	evs, err = w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(evs) != 1 || evs[0].Args["orderId"] != "A" {
		t.Fatalf("expected the block 5 event, got %+v", evs)
	}
	if h, _ := w.Position(); h != 6 {
		t.Fatalf("position = %d, want 6", h)
	}
}

func TestBlockWalkerRewindsToForkPoint(t *testing.T) {
	fc := newFakeChain()
	for n := uint64(0); n <= 5; n++ {
		fc.addBlock(n, contractAddr)
	}
	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	if err := w.Subscribe(context.Background(), big.NewInt(0)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// blocks 3..5 are replaced and the new branch grows by one
	fc.fork(t, 3)
	fc.addBlock(6, contractAddr, []types.Log{orderLog(t, 6, 0, 1, "new", 1)})

	_, err := w.Poll(context.Background())
	if !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg, got %v", err)
	}
	if h, _ := w.Position(); h != 2 {
		t.Fatalf("position = %d, want fork point 2", h)
	}

	evs, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll after rewind: %v", err)
	}
	if len(evs) != 1 || evs[0].Args["orderId"] != "new" {
		t.Fatalf("expected the event on the new branch, got %+v", evs)
	}
	if h, _ := w.Position(); h != 6 {
		t.Fatalf("position = %d, want 6", h)
	}
	if w.PositionHash() != fc.blocks[6].Hash() {
		t.Fatalf("position hash does not match block 6")
	}
}

func TestBlockWalkerAnchorDetectsReorgWhileStopped(t *testing.T) {
	fc := newFakeChain()
	for n := uint64(0); n <= 4; n++ {
		fc.addBlock(n, contractAddr)
	}
	fc.addBlock(2, contractAddr, []types.Log{orderLog(t, 2, 0, 1, "before", 1)})
	stale := fc.blocks[3].Hash()
	fc.fork(t, 3)

	w := NewBlockWalker(fc, testDecoder(t), 0, 10)
	w.Anchor(3, stale)
	if err := w.Subscribe(context.Background(), big.NewInt(3)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := w.Poll(context.Background()); !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg against the anchored hash, got %v", err)
	}
	evs, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll after rewind: %v", err)
	}
	if len(evs) != 1 || evs[0].Args["orderId"] != "before" {
		t.Fatalf("blocks below the anchor must be walked again, got %+v", evs)
	}
}

func TestBlockWalkerRequiresSubscribe(t *testing.T) {
	w := NewBlockWalker(newFakeChain(), testDecoder(t), 0, 1)
	if _, err := w.Poll(context.Background()); err == nil {
		t.Fatalf("expected error before subscribe")
	}
}
