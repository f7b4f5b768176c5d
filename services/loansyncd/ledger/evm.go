package ledger

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendearn/native/loan"
	"lendearn/observability"
)

//go:embed p2ploan.abi.json
var contractABI []byte

// ParseContractABI decodes the embedded P2PLoan contract ABI.
func ParseContractABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(contractABI))
}

// EVMClient defines the subset of the Ethereum RPC used by the ledger adapter.
// *ethclient.Client satisfies it.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
// Event subscriptions require a websocket or IPC endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMConfig configures an EVMLedger.
type EVMConfig struct {
	Contract      common.Address
	ChainID       *big.Int
	Signer        Signer
	Confirmations uint64
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// EVMLedger implements Ledger against a deployed P2PLoan contract.
type EVMLedger struct {
	client        EVMClient
	abi           abi.ABI
	contract      common.Address
	chainID       *big.Int
	signer        Signer
	confirmations uint64
	pollInterval  time.Duration
	logger        *slog.Logger
	metrics       *observability.LoanSyncMetrics
	tracer        trace.Tracer
}

// NewEVMLedger binds the contract at cfg.Contract through client. A nil
// Signer yields a read-only ledger whose Submit returns ErrNoSigner.
func NewEVMLedger(client EVMClient, cfg EVMConfig) (*EVMLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	parsed, err := ParseContractABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &EVMLedger{
		client:        client,
		abi:           parsed,
		contract:      cfg.Contract,
		chainID:       new(big.Int).Set(cfg.ChainID),
		signer:        cfg.Signer,
		confirmations: cfg.Confirmations,
		pollInterval:  interval,
		logger:        logger.With(slog.String("component", "ledger")),
		metrics:       observability.LoanSync(),
		tracer:        otel.Tracer("lendearn/ledger"),
	}, nil
}

// ChainID returns the chain the ledger is bound to.
func (l *EVMLedger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// Account returns the signer address, or the zero address for read-only bindings.
func (l *EVMLedger) Account() common.Address {
	if l.signer == nil {
		return common.Address{}
	}
	return l.signer.Address()
}

func (l *EVMLedger) has(method string) bool {
	_, ok := l.abi.Methods[method]
	return ok
}

func (l *EVMLedger) call(ctx context.Context, method string, args ...any) (out []any, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger."+method)
	start := time.Now()
	defer func() {
		l.metrics.ObserveLedgerCall(method, err, time.Since(start))
		endSpan(span, err)
	}()

	if !l.has(method) {
		return nil, fmt.Errorf("%s: %w", method, ErrUnsupported)
	}
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &l.contract, Data: data}
	if l.signer != nil {
		msg.From = l.signer.Address()
	}
	raw, err := l.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	out, err = l.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decode %s: empty result", method)
	}
	return out, nil
}

func (l *EVMLedger) callBigInt(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := l.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type %T", method, out[0])
	}
	return value, nil
}

func (l *EVMLedger) callAddress(ctx context.Context, method string, args ...any) (common.Address, error) {
	out, err := l.call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	value, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("decode %s: unexpected type %T", method, out[0])
	}
	return value, nil
}

// LoanCount reads loanCount().
func (l *EVMLedger) LoanCount(ctx context.Context) (uint64, error) {
	count, err := l.callBigInt(ctx, "loanCount")
	if err != nil {
		return 0, err
	}
	if !count.IsUint64() {
		return 0, fmt.Errorf("loan count %s out of range", count)
	}
	return count.Uint64(), nil
}

// loanTuple mirrors the getLoan return struct. Field names must match the
// camel-cased ABI component names.
type loanTuple struct {
	Lender           common.Address
	Borrower         common.Address
	Amount           *big.Int
	PaybackAmount    *big.Int
	DueDays          *big.Int
	DueDate          *big.Int
	CollateralAmount *big.Int
	PreSigned        bool
	Active           bool
	Repaid           bool
	StartTime        *big.Int
}

// Loan reads getLoan(id) and, when the contract exposes it, cancelled(id).
func (l *EVMLedger) Loan(ctx context.Context, id uint64) (loan.Loan, error) {
	out, err := l.call(ctx, "getLoan", new(big.Int).SetUint64(id))
	if err != nil {
		return loan.Loan{}, err
	}
	tuple, err := convertLoanTuple(out[0])
	if err != nil {
		return loan.Loan{}, fmt.Errorf("decode getLoan(%d): %w", id, err)
	}
	record := loan.Loan{
		ID:               id,
		Lender:           tuple.Lender,
		Borrower:         tuple.Borrower,
		Principal:        tuple.Amount,
		PaybackAmount:    tuple.PaybackAmount,
		CollateralAmount: tuple.CollateralAmount,
		DueDays:          uint64Clamped(tuple.DueDays),
		DueDate:          uint64Clamped(tuple.DueDate),
		StartTime:        uint64Clamped(tuple.StartTime),
		PreSigned:        tuple.PreSigned,
		Active:           tuple.Active,
		Repaid:           tuple.Repaid,
	}
	if record.Open() && l.has("cancelled") {
		flag, err := l.call(ctx, "cancelled", new(big.Int).SetUint64(id))
		if err != nil {
			l.logger.Warn("cancelled flag read failed", slog.Uint64("loan_id", id), slog.Any("error", err))
		} else if cancelled, ok := flag[0].(bool); ok {
			record.Cancelled = cancelled
		}
	}
	return record, nil
}

func convertLoanTuple(raw any) (tuple loanTuple, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("convert loan tuple: %v", r)
		}
	}()
	converted := abi.ConvertType(raw, new(loanTuple)).(*loanTuple)
	return *converted, nil
}

// uint64Clamped saturates uint256 values that do not fit a uint64.
func uint64Clamped(v *big.Int) uint64 {
	switch {
	case v == nil || v.Sign() <= 0:
		return 0
	case !v.IsUint64():
		return math.MaxUint64
	}
	return v.Uint64()
}

func uint64OrZero(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

// PoolBalance prefers getRewardPoolBalance() and falls back to the public
// rewardPoolBalance variable.
func (l *EVMLedger) PoolBalance(ctx context.Context) (*big.Int, error) {
	for _, method := range []string{"getRewardPoolBalance", "rewardPoolBalance"} {
		if l.has(method) {
			return l.callBigInt(ctx, method)
		}
	}
	return nil, fmt.Errorf("reward pool balance: %w", ErrUnsupported)
}

// ReferrerOf reads the on-ledger referrer binding for addr.
func (l *EVMLedger) ReferrerOf(ctx context.Context, addr common.Address) (common.Address, error) {
	return l.callAddress(ctx, "referrerOf", addr)
}

// Owner reads the contract owner.
func (l *EVMLedger) Owner(ctx context.Context) (common.Address, error) {
	return l.callAddress(ctx, "owner")
}

// RewardRates reads the configured referral reward amounts.
func (l *EVMLedger) RewardRates(ctx context.Context) (RewardRates, error) {
	referrer, err := l.callBigInt(ctx, "referrerRewardWei")
	if err != nil {
		return RewardRates{}, err
	}
	borrower, err := l.callBigInt(ctx, "borrowerRewardWei")
	if err != nil {
		return RewardRates{}, err
	}
	return RewardRates{Referrer: referrer, Borrower: borrower}, nil
}

// BalanceOf reads the native balance of addr at the latest block.
func (l *EVMLedger) BalanceOf(ctx context.Context, addr common.Address) (balance *big.Int, err error) {
	start := time.Now()
	defer func() { l.metrics.ObserveLedgerCall("balance", err, time.Since(start)) }()
	balance, err = l.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, Transport("balance", err)
	}
	return balance, nil
}

// SupportsReferralAccept reports whether acceptLoanWithRef is available.
func (l *EVMLedger) SupportsReferralAccept() bool {
	return l.has(string(ActionAcceptLoanWithRef))
}

// Submit signs and sends call, then waits until the transaction is mined and
// buried under the configured number of confirmations.
func (l *EVMLedger) Submit(ctx context.Context, call Call) (receipt Receipt, err error) {
	method := string(call.Action)
	ctx, span := l.tracer.Start(ctx, "ledger.submit."+method,
		trace.WithAttributes(attribute.String("ledger.action", method)))
	start := time.Now()
	defer func() {
		l.metrics.ObserveLedgerCall(method, err, time.Since(start))
		endSpan(span, err)
	}()

	if l.signer == nil {
		return Receipt{}, ErrNoSigner
	}
	if !l.has(method) {
		return Receipt{}, fmt.Errorf("%s: %w", method, ErrUnsupported)
	}
	data, err := l.abi.Pack(method, call.Args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode %s: %w", method, err)
	}
	from := l.signer.Address()
	value := call.Funds()
	msg := ethereum.CallMsg{From: from, To: &l.contract, Value: value, Data: data}

	gas, err := l.client.EstimateGas(ctx, msg)
	if err != nil {
		return Receipt{}, classify(method, err)
	}
	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return Receipt{}, Transport(method, fmt.Errorf("nonce: %w", err))
	}
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Receipt{}, Transport(method, fmt.Errorf("gas tip: %w", err))
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, Transport(method, fmt.Errorf("head: %w", err))
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &l.contract,
		Value:     value,
		Data:      data,
	})
	signed, err := l.signer.SignTx(tx, l.chainID)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, classify(method, err)
	}
	l.logger.Info("transaction sent",
		slog.String("action", method),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return l.waitFinality(ctx, call.Action, signed.Hash())
}

func (l *EVMLedger) waitFinality(ctx context.Context, action Action, hash common.Hash) (Receipt, error) {
	method := string(action)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return Receipt{}, Rejected(method, "transaction reverted", fmt.Errorf("tx %s failed", hash.Hex()))
			}
			if l.buried(ctx, receipt) {
				return Receipt{
					Action:      action,
					TxHash:      hash,
					BlockNumber: uint64OrZero(receipt.BlockNumber),
					GasUsed:     receipt.GasUsed,
				}, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			l.logger.Warn("receipt lookup failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return Receipt{}, Transport(method, fmt.Errorf("await %s: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (l *EVMLedger) buried(ctx context.Context, receipt *types.Receipt) bool {
	if l.confirmations <= 1 {
		return true
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil || head == nil || head.Number == nil || receipt.BlockNumber == nil {
		return false
	}
	if head.Number.Cmp(receipt.BlockNumber) < 0 {
		return false
	}
	confirmed := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(l.confirmations)) >= 0
}

// Subscribe streams logs for the named event to handler until the returned
// subscription is closed or the underlying stream fails.
func (l *EVMLedger) Subscribe(ctx context.Context, name EventName, handler Handler) (Subscription, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownEvent)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: handler required", name)
	}
	event, ok := l.abi.Events[string(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupported)
	}
	logs := make(chan types.Log, 16)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{{event.ID}},
	}
	sub, err := l.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, Transport("subscribe."+string(name), err)
	}
	s := &logSubscription{sub: sub, done: make(chan struct{})}
	go s.loop(name, logs, handler, l.logger)
	return s, nil
}

type logSubscription struct {
	sub  ethereum.Subscription
	done chan struct{}
	once sync.Once
}

func (s *logSubscription) loop(name EventName, logs <-chan types.Log, handler Handler, logger *slog.Logger) {
	for {
		select {
		case entry := <-logs:
			handler(Event{
				Name:        name,
				BlockNumber: entry.BlockNumber,
				TxHash:      entry.TxHash,
				Removed:     entry.Removed,
			})
		case err := <-s.sub.Err():
			if err != nil {
				logger.Warn("event subscription dropped", slog.String("event", string(name)), slog.Any("error", err))
			}
			_ = s.Close()
			return
		case <-s.done:
			return
		}
	}
}

func (s *logSubscription) Close() error {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.done)
	})
	return nil
}

// classify maps an RPC error to a rejection when it carries revert data or a
// revert message, and to a transport failure otherwise.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := revertReason(dataErr.ErrorData()); reason != "" {
			return Rejected(method, reason, err)
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "execution reverted") || strings.Contains(lower, "revert") {
		return Rejected(method, err.Error(), err)
	}
	return Transport(method, err)
}

func revertReason(data any) string {
	encoded, ok := data.(string)
	if !ok || encoded == "" {
		return ""
	}
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
