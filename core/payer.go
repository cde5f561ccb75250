// core/payer.go – EVM-backed Payer (§4.4, §6.3): submits the settlement
// transactions the Put Engine needs receipts for.
package core

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// payVaultABI describes just the two entry points the protocol needs
// (pay_standard, pay_merkle per §6.3); the full vault contract surface is
// out of scope for the client.
const payVaultABI = `[
  {"type":"function","name":"payStandard","stateMutability":"payable",
   "inputs":[{"name":"holders","type":"address[]"},{"name":"amounts","type":"uint256[]"}],
   "outputs":[]},
  {"type":"function","name":"payMerkle","stateMutability":"payable",
   "inputs":[{"name":"depth","type":"uint8"},{"name":"poolHashes","type":"bytes32[]"}],
   "outputs":[]}
]`

// EVMPayer implements Payer by submitting transactions to a vault contract
// on an Ethereum-compatible chain.
type EVMPayer struct {
	Client   *ethclient.Client
	Contract common.Address
	ChainID  *big.Int
	Key      *ecdsa.PrivateKey

	abi abi.ABI
}

// NewEVMPayer parses the vault ABI once and wraps an already-dialed client.
func NewEVMPayer(client *ethclient.Client, contract common.Address, chainID *big.Int, key *ecdsa.PrivateKey) (*EVMPayer, error) {
	parsed, err := abi.JSON(strings.NewReader(payVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	return &EVMPayer{Client: client, Contract: contract, ChainID: chainID, Key: key, abi: parsed}, nil
}

// holderToAddress maps an overlay NodeID to the EVM address that receives
// payment for it. Real deployments bind this via an on-chain holder
// registry; absent one, the low 20 bytes of the node's content hash stand
// in as a deterministic placeholder address.
func holderToAddress(id NodeID) common.Address {
	h := addrOfContent([]byte(id))
	var a common.Address
	copy(a[:], h[12:])
	return a
}

func (p *EVMPayer) nextNonceAndFee(ctx context.Context) (uint64, *big.Int, error) {
	from := crypto.PubkeyToAddress(p.Key.PublicKey)
	nonce, err := p.Client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, nil, err
	}
	baseFee, err := p.Client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, err
	}
	return nonce, baseFee, nil
}

func (p *EVMPayer) signAndSend(ctx context.Context, data []byte, value *big.Int, gas GasBidPolicy) (common.Hash, *big.Int, error) {
	nonce, baseFee, err := p.nextNonceAndFee(ctx)
	if err != nil {
		return common.Hash{}, nil, err
	}
	fee, err := gas.Bid(baseFee, nil)
	if err != nil {
		return common.Hash{}, nil, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &p.Contract,
		Value:    value,
		Gas:      300_000,
		GasPrice: fee,
		Data:     data,
	})
	signer := types.NewEIP155Signer(p.ChainID)
	signedTx, err := types.SignTx(tx, signer, p.Key)
	if err != nil {
		return common.Hash{}, nil, err
	}
	if err := p.Client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, nil, err
	}
	return signedTx.Hash(), fee, nil
}

// PayStandard pays each winning quote its quoted price (or, when the caller
// passed a single-winner slice for single_node_payment, that one holder 3x
// — the Put Engine is responsible for pre-scaling winners/amounts, this
// method only submits what it is given).
func (p *EVMPayer) PayStandard(ctx context.Context, chunkAddr Address, winners []Quote, gas GasBidPolicy) (ReceiptStandard, error) {
	if len(winners) == 0 {
		return ReceiptStandard{}, fmt.Errorf("%w: no winners to pay", ErrNoQuote)
	}
	holders := make([]common.Address, len(winners))
	amounts := make([]*big.Int, len(winners))
	total := new(big.Int)
	for i, w := range winners {
		holders[i] = holderToAddress(w.HolderID)
		amounts[i] = w.Price
		total.Add(total, w.Price)
	}
	data, err := p.abi.Pack("payStandard", holders, amounts)
	if err != nil {
		return ReceiptStandard{}, fmt.Errorf("pack payStandard: %w", err)
	}
	txHash, _, err := p.signAndSend(ctx, data, total, gas)
	if err != nil {
		return ReceiptStandard{}, err
	}
	return ReceiptStandard{
		ChunkAddress: chunkAddr,
		HolderID:     winners[0].HolderID,
		TxHash:       txHash,
		PaidAmount:   winners[0].Price,
	}, nil
}

// PayMerkle submits one settlement transaction covering every pool
// commitment for a merkle-mode batch (§4.4, §6.3).
func (p *EVMPayer) PayMerkle(ctx context.Context, commitments []PoolCommitment, depth int, gas GasBidPolicy) (ReceiptMerkle, error) {
	if depth <= 0 || depth > 12 {
		return ReceiptMerkle{}, ErrInvalidDepth
	}
	poolHashes := make([][32]byte, len(commitments))
	for i, c := range commitments {
		poolHashes[i] = ComputePoolCommitmentHash(c)
	}
	data, err := p.abi.Pack("payMerkle", uint8(depth), poolHashes)
	if err != nil {
		return ReceiptMerkle{}, fmt.Errorf("pack payMerkle: %w", err)
	}
	txHash, _, err := p.signAndSend(ctx, data, big.NewInt(0), gas)
	if err != nil {
		return ReceiptMerkle{}, err
	}
	var root []byte
	if len(commitments) > 0 {
		root = commitments[0].Root
	}
	var bitmap uint64
	winners := depth
	for i := 0; i < winners && i < 64; i++ {
		bitmap |= 1 << uint(i)
	}
	return ReceiptMerkle{
		PoolHash:          poolHashes[0][:],
		TreeDepth:         depth,
		Root:              root,
		TxHash:            txHash,
		PaidAmount:        big.NewInt(0),
		HolderIndexBitmap: bitmap,
	}, nil
}
