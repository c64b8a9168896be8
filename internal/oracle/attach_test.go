package oracle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAttachLoadsExistingContract(t *testing.T) {
	h, err := Attach(context.Background(), newFakeClient(), AttachOptions{
		Dir:  testdataDir,
		Name: "OrderPaymentContract",
	}, quietLogger())
	require.NoError(t, err)
	require.Equal(t, contractAddr, h.Address)
	require.Contains(t, h.ABI.Events, "OrderAccepted")
}

func TestAttachMissingArtifactsIsPrecondition(t *testing.T) {
	_, err := Attach(context.Background(), newFakeClient(), AttachOptions{
		Dir:  t.TempDir(),
		Name: "OrderPaymentContract",
	}, quietLogger())
	require.ErrorIs(t, err, ErrPrecondition)
	require.ErrorIs(t, err, contract.ErrMissingArtifact)
}

func TestAttachDeploysAndWritesAddress(t *testing.T) {
	dir := t.TempDir()
	abiJSON, err := os.ReadFile(contract.ABIPath(testdataDir, "OrderPaymentContract"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OrderPaymentContract_abi.json"), abiJSON, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OrderPaymentContract_bytecode.txt"), []byte("0x6080604052\n"), 0o644))

	key := testKey(t)
	client := newFakeClient()
	h, err := Attach(context.Background(), client, AttachOptions{
		Dir:      dir,
		Name:     "OrderPaymentContract",
		Deploy:   true,
		From:     crypto.PubkeyToAddress(key.PublicKey),
		Key:      key,
		ChainID:  testChainID,
		GasLimit: 3_000_000,
	}, quietLogger())
	require.NoError(t, err)
	require.Equal(t, deployedAddr, h.Address)

	sent := client.sentTxs()
	require.Len(t, sent, 1)
	require.Nil(t, sent[0].To())
	require.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, sent[0].Data())

	addr, err := contract.ReadAddress(dir, "OrderPaymentContract")
	require.NoError(t, err)
	require.Equal(t, deployedAddr, addr)
}

func TestAttachDeployRevertFails(t *testing.T) {
	dir := t.TempDir()
	abiJSON, err := os.ReadFile(contract.ABIPath(testdataDir, "OrderPaymentContract"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(contract.ABIPath(dir, "OrderPaymentContract"), abiJSON, 0o644))
	require.NoError(t, os.WriteFile(contract.BytecodePath(dir, "OrderPaymentContract"), []byte("6080"), 0o644))

	key := testKey(t)
	client := newFakeClient()
	client.revert[0] = true
	_, err = Attach(context.Background(), client, AttachOptions{
		Dir: dir, Name: "OrderPaymentContract", Deploy: true,
		From: crypto.PubkeyToAddress(key.PublicKey), Key: key, ChainID: testChainID, GasLimit: 100_000,
	}, quietLogger())
	require.ErrorContains(t, err, "reverted")
}
