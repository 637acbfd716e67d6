package consolidator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

// Gateway is the trust boundary for the external bridge channel. Inbound
// messages are accepted only from the configured trusted sender of a
// supported source chain; everything else is rejected before any job state
// is touched.
type Gateway struct {
	mu      sync.RWMutex
	trusted map[string]string // source chain id -> only accepted sender

	orch      *Orchestrator
	operators map[string]bool
	// identity the gateway acts as when forwarding verified receipts
	operator string
	logger   *zerolog.Logger
}

func NewGateway(orch *Orchestrator, cfg *Config, logger *zerolog.Logger) *Gateway {
	trusted := make(map[string]string, len(cfg.TrustedSenders))
	for chain, sender := range cfg.TrustedSenders {
		trusted[chain] = strings.ToLower(sender)
	}
	operator := ""
	if len(cfg.Operators) > 0 {
		operator = cfg.Operators[0]
	}
	return &Gateway{
		trusted:   trusted,
		orch:      orch,
		operators: cfg.OperatorSet(),
		operator:  operator,
		logger:    logger,
	}
}

// EncodeMessage and DecodeMessage must round-trip exactly; the same bytes
// ride alongside the token transfer on every chain.
func EncodeMessage(msg ConsolidationMessage) ([]byte, error) {
	if msg.JobID == "" {
		return nil, fmt.Errorf("message job id is unset")
	}
	if msg.Amount.IsNil() || !msg.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	return json.Marshal(msg)
}

func DecodeMessage(payload []byte) (ConsolidationMessage, error) {
	var msg ConsolidationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ConsolidationMessage{}, fmt.Errorf("malformed consolidation message: %w", err)
	}
	if msg.JobID == "" {
		return ConsolidationMessage{}, fmt.Errorf("message job id is unset")
	}
	if msg.Amount.IsNil() || !msg.Amount.IsPositive() {
		return ConsolidationMessage{}, ErrZeroAmount
	}
	return msg, nil
}

// VerifyAndDecode checks the message origin against the allow-list and
// decodes the job-scoped payload. No state is touched on rejection.
func (g *Gateway) VerifyAndDecode(sourceChain, sender string, payload []byte) (ConsolidationMessage, error) {
	g.mu.RLock()
	trustedSender, ok := g.trusted[sourceChain]
	g.mu.RUnlock()

	if !ok {
		inboundMessages.WithLabelValues("unsupported_chain").Inc()
		return ConsolidationMessage{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, sourceChain)
	}
	if strings.ToLower(sender) != trustedSender {
		inboundMessages.WithLabelValues("untrusted_sender").Inc()
		g.logger.Warn().
			Str("source_chain", sourceChain).
			Str("sender", sender).
			Msg("inbound message from untrusted sender rejected")
		return ConsolidationMessage{}, fmt.Errorf("%w: %s on %s", ErrUntrustedSender, sender, sourceChain)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		inboundMessages.WithLabelValues("malformed").Inc()
		return ConsolidationMessage{}, err
	}
	return msg, nil
}

// HandleInbound verifies an inbound bridge delivery and credits it to the
// job it names.
func (g *Gateway) HandleInbound(sourceChain, sender string, payload []byte) error {
	msg, err := g.VerifyAndDecode(sourceChain, sender, payload)
	if err != nil {
		return err
	}

	if err := g.orch.RecordReceipt(g.operator, msg.JobID, sourceChain, msg.Asset, msg.Amount); err != nil {
		inboundMessages.WithLabelValues("rejected").Inc()
		return err
	}
	inboundMessages.WithLabelValues("accepted").Inc()
	return nil
}

// OutboundEnvelope is a message ready for dispatch on the bridge channel.
type OutboundEnvelope struct {
	DestChain string `json:"dest_chain"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Payload   []byte `json:"payload"`
}

// BuildOutbound packages job metadata alongside a token transfer for the
// external bridge to carry.
func (g *Gateway) BuildOutbound(jobID, asset string, amount sdkmath.Int, destChain string) (*OutboundEnvelope, error) {
	payload, err := EncodeMessage(ConsolidationMessage{JobID: jobID, Asset: asset, Amount: amount})
	if err != nil {
		return nil, err
	}
	return &OutboundEnvelope{
		DestChain: destChain,
		Asset:     asset,
		Amount:    amount.String(),
		Payload:   payload,
	}, nil
}

// SetTrustedSender registers or replaces the only accepted origin for a
// source chain. Takes effect immediately.
func (g *Gateway) SetTrustedSender(operator, chain, sender string) error {
	if !g.operators[operator] {
		return ErrUnauthorized
	}
	if chain == "" || sender == "" {
		return fmt.Errorf("chain and sender are required")
	}

	g.mu.Lock()
	g.trusted[chain] = strings.ToLower(sender)
	g.mu.Unlock()

	g.logger.Info().
		Str("chain", chain).
		Str("sender", sender).
		Msg("trusted sender updated")
	return nil
}

// TrustedSender returns the configured origin for a chain, if any.
func (g *Gateway) TrustedSender(chain string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sender, ok := g.trusted[chain]
	return sender, ok
}
