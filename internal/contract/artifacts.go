package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrMissingArtifact is returned when an ABI, address or bytecode file is absent.
var ErrMissingArtifact = errors.New("missing contract artifact")

// Handle identifies the monitored contract: where it lives and how to talk to it.
type Handle struct {
	Name    string
	Address common.Address
	ABI     *abi.ABI
}

func ABIPath(dir, name string) string      { return filepath.Join(dir, name+"_abi.json") }
func AddressPath(dir, name string) string  { return filepath.Join(dir, name+"_address.txt") }
func BytecodePath(dir, name string) string { return filepath.Join(dir, name+"_bytecode.txt") }

// Load reads the ABI and address artifacts for name from dir.
func Load(dir, name string) (*Handle, error) {
	parsed, err := LoadABI(ABIPath(dir, name))
	if err != nil {
		return nil, err
	}
	addr, err := ReadAddress(dir, name)
	if err != nil {
		return nil, err
	}
	return &Handle{Name: name, Address: addr, ABI: parsed}, nil
}

// LoadABI parses an ABI JSON file.
func LoadABI(path string) (*abi.ABI, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return &a, nil
}

// ReadAddress reads the plain-text contract address artifact.
func ReadAddress(dir, name string) (common.Address, error) {
	path := AddressPath(dir, name)
	data, err := readArtifact(path)
	if err != nil {
		return common.Address{}, err
	}
	raw := strings.TrimSpace(string(data))
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("address artifact %s: invalid address %q", path, raw)
	}
	return common.HexToAddress(raw), nil
}

// ReadBytecode reads the hex-encoded creation bytecode artifact.
func ReadBytecode(dir, name string) ([]byte, error) {
	path := BytecodePath(dir, name)
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, fmt.Errorf("bytecode artifact %s is empty", path)
	}
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	code, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode %s: %w", path, err)
	}
	return code, nil
}

// WriteAddress persists the deployed address next to the other artifacts.
func WriteAddress(dir, name string, addr common.Address) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := os.WriteFile(AddressPath(dir, name), []byte(addr.Hex()), 0o644); err != nil {
		return fmt.Errorf("write address artifact: %w", err)
	}
	return nil
}

// Event returns the named event from the handle's ABI.
func (h *Handle) Event(name string) (abi.Event, error) {
	ev, ok := h.ABI.Events[name]
	if !ok {
		return abi.Event{}, fmt.Errorf("contract %s has no event %q", h.Name, name)
	}
	return ev, nil
}

// Method returns the named method from the handle's ABI.
func (h *Handle) Method(name string) (abi.Method, error) {
	m, ok := h.ABI.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("contract %s has no method %q", h.Name, name)
	}
	return m, nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}
