package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

// RegistryABI is the ABI of the CertificateRegistry contract in
// contracts/CertificateRegistry.sol.
const RegistryABI = `[
  {"type":"function","name":"anchor","stateMutability":"nonpayable",
   "inputs":[{"name":"certificateId","type":"string"},{"name":"digest","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"lookup","stateMutability":"view",
   "inputs":[{"name":"certificateId","type":"string"}],
   "outputs":[{"name":"digest","type":"bytes32"},{"name":"blockNumber","type":"uint256"}]},
  {"type":"function","name":"authorize","stateMutability":"nonpayable",
   "inputs":[{"name":"submitter","type":"address"},{"name":"allowed","type":"bool"}],
   "outputs":[]},
  {"type":"event","name":"Anchored","anonymous":false,
   "inputs":[{"name":"certificateId","type":"string","indexed":false},
             {"name":"digest","type":"bytes32","indexed":false},
             {"name":"submitter","type":"address","indexed":true}]},
  {"type":"event","name":"SubmitterChanged","anonymous":false,
   "inputs":[{"name":"submitter","type":"address","indexed":true},
             {"name":"allowed","type":"bool","indexed":false}]}
]`

// EthereumConfig configures an EthereumClient.
type EthereumConfig struct {
	RPCURL   string
	Contract string
	// PrivateKey is the hex encoded signing key. It is never logged.
	PrivateKey string
	ChainID    int64
	Network    string
}

// boundContract is the subset of *bind.BoundContract the client uses.
type boundContract interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
}

type headReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthereumClient anchors digests in a CertificateRegistry contract on an
// EVM chain. Gas price and tips are left to the node.
type EthereumClient struct {
	contract boundContract
	head     headReader
	signer   *bind.TransactOpts
	network  string
	logger   *slog.Logger
	clock    func() time.Time

	// Submits are serialized so the pending nonce is read after the
	// previous transaction reached the node.
	mu sync.Mutex
}

// DialEthereum connects to the RPC endpoint in cfg and binds the registry.
func DialEthereum(ctx context.Context, cfg EthereumConfig, logger *slog.Logger) (*EthereumClient, *ethclient.Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, nil, fmt.Errorf("ledger: invalid contract address %q", cfg.Contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		// The key material must not leak into the error text.
		return nil, nil, errors.New("ledger: invalid private key")
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: parse registry abi: %w", err)
	}

	rpcClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", cfg.RPCURL, err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(cfg.Contract), parsed, rpcClient, rpcClient, rpcClient)

	c, err := NewEthereumClient(contract, rpcClient, key, cfg.ChainID, cfg.Network, logger)
	if err != nil {
		rpcClient.Close()
		return nil, nil, err
	}
	return c, rpcClient, nil
}

// NewEthereumClient builds a client over an already bound contract.
func NewEthereumClient(contract boundContract, head headReader, key *ecdsa.PrivateKey, chainID int64, network string, logger *slog.Logger) (*EthereumClient, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("ledger: chain id must be positive, got %d", chainID)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("ledger: build transactor: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &EthereumClient{
		contract: contract,
		head:     head,
		signer:   signer,
		network:  network,
		logger:   logger.With("component", "ledger.ethereum", "network", network),
		clock:    time.Now,
	}
	c.logger.Info("ethereum ledger ready", "signer", signer.From.Hex(), "chain_id", chainID)
	return c, nil
}

// Signer returns the address transactions are sent from.
func (c *EthereumClient) Signer() common.Address { return c.signer.From }

// Network returns the configured network name.
func (c *EthereumClient) Network() string { return c.network }

// Submit sends anchor(certificateID, digest) and returns the transaction hash.
func (c *EthereumClient) Submit(ctx context.Context, certificateID string, digest canonicalize.Digest) (Handle, error) {
	if certificateID == "" {
		return Handle{}, Permanent("submit", errors.New("empty certificate id"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.signer
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "anchor", certificateID, [32]byte(digest))
	if err != nil {
		return Handle{}, classifyEthError("submit", err)
	}
	c.logger.Debug("anchor transaction sent",
		"certificate_id", certificateID,
		"digest", digest.Hex(),
		"tx", tx.Hash().Hex(),
	)
	return Handle{Ref: tx.Hash().Hex(), SubmittedAt: c.clock().UTC()}, nil
}

// Query calls lookup(certificateID) and derives the confirmation depth from
// the current head.
func (c *EthereumClient) Query(ctx context.Context, certificateID string) (Entry, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "lookup", certificateID); err != nil {
		return Entry{}, classifyEthError("query", err)
	}
	if len(out) != 2 {
		return Entry{}, Permanent("query", fmt.Errorf("lookup returned %d values", len(out)))
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return Entry{}, Permanent("query", fmt.Errorf("lookup digest has type %T", out[0]))
	}
	block, ok := out[1].(*big.Int)
	if !ok || block == nil {
		return Entry{}, Permanent("query", fmt.Errorf("lookup block has type %T", out[1]))
	}

	digest := canonicalize.Digest(raw)
	if digest.IsZero() || block.Sign() == 0 {
		return Entry{}, ErrNotFound
	}
	if !block.IsUint64() {
		return Entry{}, Permanent("query", fmt.Errorf("block number %s out of range", block))
	}

	head, err := c.head.BlockNumber(ctx)
	if err != nil {
		return Entry{}, classifyEthError("query", err)
	}
	entry := Entry{Digest: digest, BlockNumber: block.Uint64()}
	if head >= entry.BlockNumber {
		entry.Confirmations = head - entry.BlockNumber + 1
	}
	return entry, nil
}

var rejectedMessages = []string{
	"insufficient funds",
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"max fee per gas less than block base fee",
	"execution reverted",
	"gas required exceeds allowance",
}

// transientMessages are node answers for a transaction it already holds. The
// write is in flight, so the caller should look again rather than give up.
var transientMessages = []string{
	"already known",
	"known transaction",
}

var permanentMessages = []string{
	"abi:",
	"invalid sender",
	"method handler crashed",
	"no contract code at given address",
	"invalid argument",
}

// classifyEthError maps node and transport failures onto ledger kinds.
func classifyEthError(op string, err error) error {
	if err == nil {
		return nil
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || isNetworkError(err) {
		return Transient(op, err)
	}
	var herr rpc.HTTPError
	if errors.As(err, &herr) {
		if herr.StatusCode >= http.StatusInternalServerError || herr.StatusCode == http.StatusTooManyRequests {
			return Transient(op, err)
		}
		return Permanent(op, err)
	}
	if errors.Is(err, bind.ErrNoCode) {
		return Permanent(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return Transient(op, err)
		}
	}
	for _, m := range rejectedMessages {
		if strings.Contains(msg, m) {
			return Rejected(op, err)
		}
	}
	for _, m := range permanentMessages {
		if strings.Contains(msg, m) {
			return Permanent(op, err)
		}
	}
	return Transient(op, err)
}

var _ Client = (*EthereumClient)(nil)
