package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// InboundMessage is a single message fetched from the watched mailbox.
type InboundMessage struct {
	ID          uint32
	Sender      string
	Recipients  []string
	Subject     string
	BodyText    string
	BodyHTML    string
	Attachments []string
}

// ExtractedPayment holds the raw field values pulled out of a payment
// notification before any normalization.
type ExtractedPayment struct {
	RawAmount  string
	RawPurpose string
}

// Quote is a spot price for Pair, e.g. ETH-USD.
type Quote struct {
	Pair      string
	Price     decimal.Decimal
	FetchedAt time.Time
}

type PayoutStatus string

const (
	PayoutSkipped   PayoutStatus = "skipped"
	PayoutSimulated PayoutStatus = "simulated"
	PayoutSubmitted PayoutStatus = "submitted"
	PayoutRejected  PayoutStatus = "rejected"
)

// PayoutResult is the terminal outcome for one message.
type PayoutResult struct {
	Status   PayoutStatus
	Reason   string
	Target   string
	Quantity *big.Int
	TxHash   string
}

func Skipped(reason string) PayoutResult {
	return PayoutResult{Status: PayoutSkipped, Reason: reason}
}

func Simulated(quantity *big.Int, target string) PayoutResult {
	return PayoutResult{Status: PayoutSimulated, Quantity: quantity, Target: target}
}

func Submitted(txHash string, quantity *big.Int, target string) PayoutResult {
	return PayoutResult{Status: PayoutSubmitted, TxHash: txHash, Quantity: quantity, Target: target}
}

func Rejected(reason string) PayoutResult {
	return PayoutResult{Status: PayoutRejected, Reason: reason}
}

// LogAttrs renders the result as slog key/value pairs.
func (r PayoutResult) LogAttrs() []any {
	attrs := []any{"status", string(r.Status)}
	if r.Reason != "" {
		attrs = append(attrs, "reason", r.Reason)
	}
	if r.Target != "" {
		attrs = append(attrs, "target", r.Target)
	}
	if r.Quantity != nil {
		attrs = append(attrs, "quantityWei", r.Quantity.String())
	}
	if r.TxHash != "" {
		attrs = append(attrs, "txHash", r.TxHash)
	}
	return attrs
}
