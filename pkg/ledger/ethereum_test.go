package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"syscall"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	digests map[string][32]byte
	blocks  map[string]*big.Int
	head    uint64
	nonce   uint64

	transactErr error
	callErr     error
	headErr     error
	lastOpts    *bind.TransactOpts
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{digests: map[string][32]byte{}, blocks: map[string]*big.Int{}, head: 100}
}

func (f *fakeRegistry) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	f.lastOpts = opts
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	if method != "anchor" || len(params) != 2 {
		return nil, fmt.Errorf("abi: unexpected call %s", method)
	}
	id := params[0].(string)
	f.head++
	f.digests[id] = params[1].([32]byte)
	f.blocks[id] = new(big.Int).SetUint64(f.head)
	f.nonce++
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce, To: &to, Gas: 60000, GasPrice: big.NewInt(1)}), nil
}

func (f *fakeRegistry) Call(_ *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error {
	if f.callErr != nil {
		return f.callErr
	}
	if method != "lookup" {
		return fmt.Errorf("abi: unexpected call %s", method)
	}
	id := params[0].(string)
	block, ok := f.blocks[id]
	if !ok {
		block = new(big.Int)
	}
	*results = []interface{}{f.digests[id], block}
	return nil
}

func (f *fakeRegistry) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

func newTestEthereumClient(t *testing.T, reg *fakeRegistry) *EthereumClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := NewEthereumClient(reg, reg, key, 31337, "hardhat", nil)
	require.NoError(t, err)
	return c
}

func TestEthereumClient_SubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	c := newTestEthereumClient(t, reg)
	d := digestOf(t, "CERT-1")

	h, err := c.Submit(ctx, "CERT-1", d)
	require.NoError(t, err)
	assert.Len(t, h.Ref, 66)
	assert.Equal(t, ctx, reg.lastOpts.Context)
	assert.Nil(t, reg.lastOpts.GasPrice, "fees are left to the node")
	assert.Equal(t, c.Signer(), reg.lastOpts.From)

	e, err := c.Query(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, d, e.Digest)
	assert.Equal(t, uint64(101), e.BlockNumber)
	assert.Equal(t, uint64(1), e.Confirmations)

	reg.head += 11
	e, err = c.Query(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), e.Confirmations)
}

func TestEthereumClient_QueryUnknownIsNotFound(t *testing.T) {
	c := newTestEthereumClient(t, newFakeRegistry())
	_, err := c.Query(context.Background(), "CERT-404")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEthereumClient_HeadBehindBlock(t *testing.T) {
	reg := newFakeRegistry()
	c := newTestEthereumClient(t, reg)
	_, err := c.Submit(context.Background(), "CERT-1", digestOf(t, "CERT-1"))
	require.NoError(t, err)

	reg.head = 50 // lagging node
	e, err := c.Query(context.Background(), "CERT-1")
	require.NoError(t, err)
	assert.Zero(t, e.Confirmations)
}

func TestEthereumClient_ErrorsAreClassified(t *testing.T) {
	reg := newFakeRegistry()
	c := newTestEthereumClient(t, reg)

	reg.transactErr = errors.New("insufficient funds for gas * price + value")
	_, err := c.Submit(context.Background(), "CERT-1", digestOf(t, "CERT-1"))
	assert.Equal(t, KindRejected, KindOf(err))

	reg.callErr = rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}
	_, err = c.Query(context.Background(), "CERT-1")
	assert.Equal(t, KindTransient, KindOf(err))

	reg.callErr = nil
	reg.headErr = syscall.ECONNRESET
	reg.digests["CERT-1"] = digestOf(t, "CERT-1")
	reg.blocks["CERT-1"] = big.NewInt(90)
	_, err = c.Query(context.Background(), "CERT-1")
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestEthereumClient_RejectsBadChainID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewEthereumClient(newFakeRegistry(), newFakeRegistry(), key, 0, "x", nil)
	require.Error(t, err)
}

func TestDialEthereum_InvalidKeyDoesNotLeak(t *testing.T) {
	secret := "not-a-key-but-secret-material"
	_, _, err := DialEthereum(context.Background(), EthereumConfig{
		RPCURL:     "http://127.0.0.1:1",
		Contract:   "0x00000000000000000000000000000000000000aa",
		PrivateKey: secret,
		ChainID:    1,
	}, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)

	_, _, err = DialEthereum(context.Background(), EthereumConfig{Contract: "nope"}, nil)
	require.Error(t, err)
}

func TestClassifyEthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindTransient},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindTransient},
		{"http 429", rpc.HTTPError{StatusCode: 429}, KindTransient},
		{"http 502", rpc.HTTPError{StatusCode: 502}, KindTransient},
		{"http 401", rpc.HTTPError{StatusCode: 401}, KindPermanent},
		{"nonce", errors.New("nonce too low"), KindRejected},
		{"underpriced", errors.New("replacement transaction underpriced"), KindRejected},
		{"revert", errors.New("execution reverted: paused"), KindRejected},
		{"already anchored", errors.New("execution reverted: already anchored"), KindRejected},
		{"already known", errors.New("already known"), KindTransient},
		{"known transaction", errors.New("known transaction: 0xabc"), KindTransient},
		{"abi", errors.New("abi: cannot use string as type bytes32"), KindPermanent},
		{"no code", bind.ErrNoCode, KindPermanent},
		{"unknown", errors.New("something odd"), KindTransient},
		{"already classified", Rejected("submit", errors.New("x")), KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(classifyEthError("submit", tt.err)))
		})
	}
	assert.NoError(t, classifyEthError("submit", nil))
}
