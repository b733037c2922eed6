package ledger

import (
	"time"

	"go.uber.org/zap"
)

// DefaultChainID is the chain used when an append names none.
const DefaultChainID = "main_ledger"

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces the wall clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDefaultChain sets the chain used when an append names none.
func WithDefaultChain(chainID string) Option {
	return func(l *Ledger) { l.defaultChain = chainID }
}

// WithNotifier registers n to receive every committed record.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifiers = append(l.notifiers, n) }
}

// AppendOption customises a single append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	chainID   string
	eventID   string
	signature []byte
}

// WithChain appends to chainID instead of the default chain.
func WithChain(chainID string) AppendOption {
	return func(c *appendConfig) { c.chainID = chainID }
}

// WithEventID uses a caller-supplied event id. Reusing an id is rejected.
func WithEventID(id string) AppendOption {
	return func(c *appendConfig) { c.eventID = id }
}

// WithSignature attaches an opaque signature to the record.
func WithSignature(sig []byte) AppendOption {
	return func(c *appendConfig) { c.signature = sig }
}
