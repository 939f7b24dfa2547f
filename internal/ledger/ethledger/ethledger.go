// Package ethledger anchors digests on an Ethereum compatible chain. Each anchor is a
// zero value self-send whose calldata carries the digest; the receipt's block is the
// anchor block and depth is derived from the chain head.
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	gethCommon "github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	gethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
)

const (
	payloadPrefix = "oev1"

	txBaseGas        = 21000
	txDataGasPerByte = 16

	defaultReceiptRetryDelay = 500 * time.Millisecond
	defaultReceiptRetryMax   = 12
	defaultVerifyDepth       = 1
)

// Client is the subset of the JSON-RPC client the ledger needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account gethCommon.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethTypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethTypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash gethCommon.Hash) (*gethTypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash gethCommon.Hash) (*gethTypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Options struct {
	VerifyDepth       uint64
	ReceiptRetryDelay time.Duration
	ReceiptRetryMax   uint64
	Logger            *logrus.Entry
}

type Ledger struct {
	client  Client
	key     *ecdsa.PrivateKey
	from    gethCommon.Address
	chainID *big.Int
	signer  gethTypes.Signer
	opts    Options
	log     *logrus.Entry

	// sendMu keeps nonce assignment and submission atomic per account.
	sendMu sync.Mutex
}

var _ ledger.Ledger = (*Ledger)(nil)

// Dial connects to the node at url and returns a Ledger signing with keyHex.
func Dial(ctx context.Context, url, keyHex string, opts Options) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %v", ledger.ErrLedgerUnavailable, url, err)
	}
	return New(ctx, client, keyHex, opts)
}

func New(ctx context.Context, client Client, keyHex string, opts Options) (*Ledger, error) {
	key, err := gethCrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query chain id: %v", ledger.ErrLedgerUnavailable, err)
	}

	if opts.VerifyDepth == 0 {
		opts.VerifyDepth = defaultVerifyDepth
	}
	if opts.ReceiptRetryDelay == 0 {
		opts.ReceiptRetryDelay = defaultReceiptRetryDelay
	}
	if opts.ReceiptRetryMax == 0 {
		opts.ReceiptRetryMax = defaultReceiptRetryMax
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	l := &Ledger{
		client:  client,
		key:     key,
		from:    gethCrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  gethTypes.LatestSignerForChainID(chainID),
		opts:    opts,
	}
	l.log = opts.Logger.WithFields(logrus.Fields{"ledger": l.ID(), "account": l.from.Hex()})
	return l, nil
}

// ID is the ledger id stamped on every AnchorRef.
func (l *Ledger) ID() string {
	return "ethereum:" + l.chainID.String()
}

func (l *Ledger) Anchor(ctx context.Context, digest string, metadata []byte) (ledger.AnchorRef, error) {
	ts := time.Now().UnixMilli()
	data := anchorPayload(digest, ts, metadata)

	tx, err := l.submit(ctx, data)
	if err != nil {
		return ledger.AnchorRef{}, fmt.Errorf("%w: %v", ledger.ErrAnchorCommitFailed, err)
	}

	receipt, err := l.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return ledger.AnchorRef{}, fmt.Errorf("%w: %v", ledger.ErrAnchorCommitFailed, err)
	}
	if receipt.Status != gethTypes.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		return ledger.AnchorRef{}, fmt.Errorf("%w: transaction %s reverted", ledger.ErrAnchorCommitFailed, tx.Hash().Hex())
	}

	ref := ledger.AnchorRef{
		LedgerID:       l.ID(),
		TransactionRef: tx.Hash().Hex(),
		BlockNumber:    receipt.BlockNumber.Uint64(),
		Timestamp:      ts,
		Proof:          gethCrypto.Keccak256Hash(data).Hex(),
	}
	l.log.WithFields(logrus.Fields{
		"tx":       ref.TransactionRef,
		"block":    ref.BlockNumber,
		"metadata": gethCrypto.Keccak256Hash(metadata).Hex(),
	}).Debug("Anchored digest")
	return ref, nil
}

// Verify re-reads the anchoring transaction and checks that its calldata still hashes
// to the proof, that it was mined in the referenced block and that it is deep enough.
func (l *Ledger) Verify(ctx context.Context, ref ledger.AnchorRef) (bool, error) {
	if ref.LedgerID != l.ID() {
		return false, nil
	}
	txHash, ok := parseTxHash(ref.TransactionRef)
	if !ok {
		return false, nil
	}

	tx, pending, err := l.client.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to fetch transaction: %v", ledger.ErrLedgerUnavailable, err)
	}
	if pending {
		return false, nil
	}
	if gethCrypto.Keccak256Hash(tx.Data()).Hex() != ref.Proof {
		return false, nil
	}
	p, ok := parseAnchorPayload(tx.Data())
	if !ok || p.Timestamp != ref.Timestamp || !cipher.IsDigest(p.Digest) {
		return false, nil
	}

	depth, err := l.depth(ctx, txHash, ref.BlockNumber)
	if err != nil {
		return false, err
	}
	return depth >= l.opts.VerifyDepth, nil
}

func (l *Ledger) Confirmations(ctx context.Context, ref ledger.AnchorRef) (uint64, error) {
	txHash, ok := parseTxHash(ref.TransactionRef)
	if !ok || ref.LedgerID != l.ID() {
		return 0, nil
	}
	return l.depth(ctx, txHash, ref.BlockNumber)
}

func (l *Ledger) depth(ctx context.Context, txHash gethCommon.Hash, block uint64) (uint64, error) {
	receipt, err := l.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to fetch receipt: %v", ledger.ErrLedgerUnavailable, err)
	}
	if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() != block {
		return 0, nil
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to fetch head: %v", ledger.ErrLedgerUnavailable, err)
	}
	if head < block {
		return 0, nil
	}
	return head - block + 1, nil
}

func (l *Ledger) submit(ctx context.Context, data []byte) (*gethTypes.Transaction, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	tx, err := l.buildTx(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := l.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx, nil
}

func (l *Ledger) buildTx(ctx context.Context, data []byte) (*gethTypes.Transaction, error) {
	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head header: %w", err)
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := l.from
	tx := gethTypes.NewTx(&gethTypes.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       txBaseGas + txDataGasPerByte*uint64(len(data)),
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := gethTypes.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, txHash gethCommon.Hash) (*gethTypes.Receipt, error) {
	expRetry, err := retry.NewExponential(l.opts.ReceiptRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to create backoff: %w", err)
	}
	backoff := retry.WithMaxRetries(l.opts.ReceiptRetryMax, expRetry)

	var receipt *gethTypes.Receipt
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := l.client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			l.log.WithField("tx", txHash.Hex()).Trace("Receipt not yet available")
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain receipt for %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// payload is the calldata of an anchoring transaction. The metadata is committed
// by its Keccak hash so that large blobs do not inflate the transaction.
type payload struct {
	Digest       string
	Timestamp    int64
	MetadataHash string
}

func anchorPayload(digest string, ts int64, metadata []byte) []byte {
	return []byte(strings.Join([]string{
		payloadPrefix,
		digest,
		strconv.FormatInt(ts, 10),
		gethCrypto.Keccak256Hash(metadata).Hex(),
	}, ":"))
}

func parseAnchorPayload(data []byte) (payload, bool) {
	parts := strings.Split(string(data), ":")
	if len(parts) != 4 || parts[0] != payloadPrefix {
		return payload{}, false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return payload{}, false
	}
	return payload{Digest: parts[1], Timestamp: ts, MetadataHash: parts[3]}, true
}

func parseTxHash(s string) (gethCommon.Hash, bool) {
	raw := strings.TrimPrefix(s, "0x")
	if len(raw) != 2*gethCommon.HashLength {
		return gethCommon.Hash{}, false
	}
	return gethCommon.HexToHash(s), true
}
