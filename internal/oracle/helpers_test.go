package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/devblac/order-oracle/internal/sink"
	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/devblac/order-oracle/internal/storage"
	"github.com/devblac/order-oracle/internal/update"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testdataDir = "../contract/testdata"

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	deployedAddr = common.HexToAddress("0x000000000000000000000000000000000000beef")
	testChainID  = big.NewInt(1337)
)

// fakeClient confirms every transaction and tracks whether a transaction was sent
// while the previous one still awaited its receipt.
type fakeClient struct {
	mu          sync.Mutex
	head        uint64
	nonce       uint64
	sent        []*types.Transaction
	pending     map[common.Hash]bool
	overlapping int
	revert      map[uint64]bool // by nonce
	sendErr     error
	waitErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{head: 100, pending: map[common.Hash]bool{}, revert: map[uint64]bool{}}
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeClient) NonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	if len(f.pending) > 0 {
		f.overlapping++
	}
	f.sent = append(f.sent, tx)
	f.pending[tx.Hash()] = true
	f.nonce++
	return tx.Hash(), nil
}

func (f *fakeClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	var tx *types.Transaction
	for _, s := range f.sent {
		if s.Hash() == hash {
			tx = s
		}
	}
	if tx == nil {
		return nil, errors.New("unknown transaction")
	}
	delete(f.pending, hash)

	r := &types.Receipt{
		TxHash:      hash,
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     21_000 + uint64(len(tx.Data())),
		BlockNumber: big.NewInt(int64(f.head)),
	}
	if f.revert[tx.Nonce()] {
		r.Status = types.ReceiptStatusFailed
	}
	if tx.To() == nil {
		r.ContractAddress = deployedAddr
	}
	return r, nil
}

func (f *fakeClient) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

type pollStep struct {
	events   []evm.Event
	err      error
	position uint64
}

// fakeSource replays scripted poll results, then reports no activity.
type fakeSource struct {
	mu           sync.Mutex
	steps        []pollStep
	polls        int
	subscribed   []*big.Int
	subscribeErr error
	pos          uint64
	hasPos       bool
	closed       bool
}

func (s *fakeSource) Subscribe(_ context.Context, from *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, from)
	return s.subscribeErr
}

func (s *fakeSource) Poll(context.Context) ([]evm.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls >= len(s.steps) {
		s.polls++
		return nil, nil
	}
	step := s.steps[s.polls]
	s.polls++
	if step.position > 0 {
		s.pos, s.hasPos = step.position, true
	}
	return step.events, step.err
}

func (s *fakeSource) Position() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.hasPos
}

func (s *fakeSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type fakeSink struct {
	mu       sync.Mutex
	payloads []sink.DispatchPayload
}

func (f *fakeSink) Send(_ context.Context, p sink.DispatchPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

type harness struct {
	loop   *Loop
	client *fakeClient
	source *fakeSource
	store  *storage.Store
	sink   *fakeSink
	key    *ecdsa.PrivateKey
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func testBuilder(t *testing.T) *update.Builder {
	t.Helper()
	h, err := contract.Load(testdataDir, "OrderPaymentContract")
	require.NoError(t, err)
	b, err := update.NewBuilder(h, "processAcceptedOrder")
	require.NoError(t, err)
	return b
}

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	store, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T, steps []pollStep, tweak ...func(*Options)) *harness {
	t.Helper()
	return newHarnessWithStore(t, openStore(t, filepath.Join(t.TempDir(), "oracle.db")), steps, tweak...)
}

func newHarnessWithStore(t *testing.T, store *storage.Store, steps []pollStep, tweak ...func(*Options)) *harness {
	t.Helper()
	key := testKey(t)
	client := newFakeClient()
	source := &fakeSource{steps: steps}
	fs := &fakeSink{}

	opts := Options{
		CursorID:      CursorID(contractAddr),
		StartBlock:    "latest",
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
		GasLimit:      300_000,
		ChainID:       testChainID,
		From:          crypto.PubkeyToAddress(key.PublicKey),
		Key:           key,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	loop, err := New(Deps{
		Client:  client,
		Source:  source,
		Builder: testBuilder(t),
		Store:   store,
		Sinks:   map[string]sink.Sender{"ops": fs},
		Log:     quietLogger(),
	}, opts)
	require.NoError(t, err)
	return &harness{loop: loop, client: client, source: source, store: store, sink: fs, key: key}
}

func orderEvent(block uint64, logIndex uint, index int64, total any) evm.Event {
	return evm.Event{
		BlockNumber: block,
		BlockHash:   common.BigToHash(big.NewInt(int64(block))),
		TxHash:      common.BigToHash(big.NewInt(int64(block)*100 + int64(logIndex))),
		LogIndex:    logIndex,
		Contract:    contractAddr,
		Name:        "OrderAccepted",
		Args: map[string]any{
			"orderIndex": big.NewInt(index),
			"orderId":    fmt.Sprintf("O%d", index),
			"order":      map[string]any{"orderId": fmt.Sprintf("O%d", index), "total": total},
		},
	}
}

// targetIndex decodes the index argument of a processAcceptedOrder call.
func targetIndex(tx *types.Transaction) int64 {
	return new(big.Int).SetBytes(tx.Data()[4:]).Int64()
}
