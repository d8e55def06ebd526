package payout

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"

	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/state"
)

// BaseUnitDecimals is the number of decimals of the payout asset (wei).
const BaseUnitDecimals = 18

const (
	ReasonNoDestination      = "no destination"
	ReasonInvalidDestination = "invalid destination"
	ReasonNoAmount           = "no amount"
	ReasonNonPositiveAmount  = "amount is not positive"
	ReasonNoQuote            = "no quote"
	ReasonDust               = "amount below one base unit"
	ReasonAlreadyPaid        = "already paid"
	ReasonInsufficientFunds  = "insufficient funds"
)

// FeeEstimate is the network fee a transfer is expected to cost at most.
type FeeEstimate struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Cost returns GasLimit * MaxFeePerGas.
func (f FeeEstimate) Cost() *big.Int {
	if f.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), f.MaxFeePerGas)
}

// Chain is the account the engine pays from.
type Chain interface {
	Balance(ctx context.Context) (*big.Int, error)
	EstimateFee(ctx context.Context, to common.Address, value *big.Int) (FeeEstimate, error)
	Submit(ctx context.Context, to common.Address, value *big.Int, fee FeeEstimate) (string, error)
}

type Options struct {
	// DryRun suppresses submission; passing preflights report Simulated.
	DryRun bool
}

// Request carries everything one payout needs. Key identifies the source
// message in the journal.
type Request struct {
	Key         string
	Destination fn.Option[string]
	Amount      fn.Option[decimal.Decimal]
	Quote       fn.Option[model.Quote]
}

type Engine struct {
	opts    Options
	chain   Chain
	journal state.Journal
	logger  *slog.Logger
}

func NewEngine(opts Options, chain Chain, journal state.Journal, logger *slog.Logger) *Engine {
	if journal == nil {
		journal = state.NewMemoryJournal()
	}
	return &Engine{opts: opts, chain: chain, journal: journal, logger: logger}
}

// DryRun reports whether the engine only simulates transfers.
func (e *Engine) DryRun() bool {
	return e.opts.DryRun
}

// Execute validates req, runs the balance and fee preflight and then either
// simulates or submits the transfer. It never retries.
func (e *Engine) Execute(ctx context.Context, req Request) model.PayoutResult {
	dest, ok := destination(req.Destination)
	if !ok {
		if req.Destination.IsNone() {
			return model.Skipped(ReasonNoDestination)
		}
		return model.Skipped(ReasonInvalidDestination)
	}

	if req.Amount.IsNone() {
		return model.Skipped(ReasonNoAmount)
	}
	amount := req.Amount.UnwrapOr(decimal.Zero)
	if !amount.IsPositive() {
		return model.Skipped(ReasonNonPositiveAmount)
	}

	if req.Quote.IsNone() {
		return model.Skipped(ReasonNoQuote)
	}
	quote := req.Quote.UnwrapOr(model.Quote{})
	if !quote.Price.IsPositive() {
		return model.Skipped(ReasonNoQuote)
	}

	quantity := ToBaseUnits(amount, quote.Price)
	if quantity.Sign() <= 0 {
		return model.Skipped(ReasonDust)
	}

	if e.journal.Seen(req.Key) {
		return model.Skipped(ReasonAlreadyPaid)
	}

	if e.chain == nil {
		return model.Skipped("chain unavailable: not configured")
	}
	balance, err := e.chain.Balance(ctx)
	if err != nil {
		return model.Skipped(fmt.Sprintf("chain unavailable: balance: %v", err))
	}
	fee, err := e.chain.EstimateFee(ctx, dest, quantity)
	if err != nil {
		return model.Skipped(fmt.Sprintf("chain unavailable: fee estimate: %v", err))
	}

	required := new(big.Int).Add(quantity, fee.Cost())
	if balance.Cmp(required) < 0 {
		if e.logger != nil {
			e.logger.Warn("payout refused", "reason", ReasonInsufficientFunds, "balanceWei", balance.String(), "requiredWei", required.String())
		}
		return model.Rejected(ReasonInsufficientFunds)
	}

	target := dest.Hex()
	if e.opts.DryRun {
		return model.Simulated(quantity, target)
	}

	pending := state.Entry{Key: req.Key, Status: "pending", Target: target, QuantityWei: quantity.String(), At: time.Now()}
	if err := e.journal.Record(pending); err != nil {
		return model.Rejected(fmt.Sprintf("journal: %v", err))
	}

	txHash, err := e.chain.Submit(ctx, dest, quantity, fee)
	if err != nil {
		result := model.Rejected(fmt.Sprintf("submit: %v", err))
		e.record(req.Key, result, quantity, target)
		return result
	}

	result := model.Submitted(txHash, quantity, target)
	e.record(req.Key, result, quantity, target)
	return result
}

func (e *Engine) record(key string, result model.PayoutResult, quantity *big.Int, target string) {
	entry := state.Entry{
		Key:         key,
		Status:      string(result.Status),
		Target:      target,
		QuantityWei: quantity.String(),
		TxHash:      result.TxHash,
		Reason:      result.Reason,
		At:          time.Now(),
	}
	if err := e.journal.Record(entry); err != nil && e.logger != nil {
		e.logger.Error("journal write failed", "key", key, "status", entry.Status, "err", err)
	}
}

// ToBaseUnits converts amount (quote currency) at price into base units of
// the payout asset, truncating below one base unit so the transfer never
// exceeds the amount.
func ToBaseUnits(amount, price decimal.Decimal) *big.Int {
	if !price.IsPositive() {
		return new(big.Int)
	}
	return amount.Shift(BaseUnitDecimals).Div(price).Truncate(0).BigInt()
}

// destination validates an address. Mixed-case input must carry a valid
// EIP-55 checksum.
func destination(opt fn.Option[string]) (common.Address, bool) {
	raw := strings.TrimSpace(opt.UnwrapOr(""))
	if !common.IsHexAddress(raw) || !strings.HasPrefix(raw, "0x") {
		return common.Address{}, false
	}
	addr := common.HexToAddress(raw)
	hexPart := raw[2:]
	if hexPart != strings.ToLower(hexPart) && hexPart != strings.ToUpper(hexPart) && addr.Hex() != raw {
		return common.Address{}, false
	}
	return addr, true
}
