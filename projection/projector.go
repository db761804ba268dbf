package projection

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"

	"btcmonitor/chain"
	"btcmonitor/logger"
	"btcmonitor/mempool"
	"btcmonitor/rpc"
)

var log = logger.Logger

// Fallback reasons
const (
	FallbackUnsupported = "getblocktemplate unsupported"
	FallbackDisabled    = "getblocktemplate disabled"
)

// TemplateSource is the node call the primary path needs
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context, rules []string) (*rpc.BlockTemplate, error)
}

// Config controls the projector
type Config struct {
	// MaxBlockWeight bounds the synthetic selection, in weight units.
	MaxBlockWeight int64
	// DisableTemplate skips getblocktemplate and always estimates.
	DisableTemplate bool
	Rules           []string
}

// ConfigFor returns the defaults for a network
func ConfigFor(p chain.Params) Config {
	return Config{
		MaxBlockWeight: p.MaxBlockWeight,
		Rules:          p.TemplateRules,
	}
}

// Projector produces one projection per tick
type Projector struct {
	source TemplateSource
	config Config
	// unsupported remembers the last logged fallback so it is logged once.
	unsupported bool
}

// NewProjector creates a projector asking source for block templates
func NewProjector(source TemplateSource, config Config) *Projector {
	if config.MaxBlockWeight <= 0 {
		config.MaxBlockWeight = chain.MaxBlockWeight
	}
	if len(config.Rules) == 0 {
		config.Rules = []string{"segwit"}
	}
	return &Projector{source: source, config: config}
}

// LimitVSize is the synthetic capacity in virtual bytes
func (p *Projector) LimitVSize() int64 {
	return p.config.MaxBlockWeight / chain.WitnessScaleFactor
}

// Project never fails; the returned Source says which path produced the
// result. Only MethodUnsupported (or a disabled template path) falls back to
// the synthetic estimate. Any other failure yields an Unavailable projection
// carrying the error.
func (p *Projector) Project(ctx context.Context, entries []mempool.Entry) Projection {
	if p.config.DisableTemplate {
		proj := Greedy(entries, p.LimitVSize())
		proj.Fallback = FallbackDisabled
		return proj
	}

	tmpl, err := p.source.GetBlockTemplate(ctx, p.config.Rules)
	if err != nil {
		if errors.Is(err, rpc.ErrMethodUnsupported) {
			if !p.unsupported {
				log.WithError(err).Info("Node does not offer getblocktemplate, estimating projection from mempool")
				p.unsupported = true
			}
			proj := Greedy(entries, p.LimitVSize())
			proj.Fallback = FallbackUnsupported
			return proj
		}

		log.WithError(err).Warn("Block template request failed, projection unavailable")
		return Projection{Source: Unavailable, Err: err}
	}

	if p.unsupported {
		log.Info("getblocktemplate recovered, projection is authoritative again")
		p.unsupported = false
	}
	return FromTemplate(tmpl)
}

// FromTemplate converts a getblocktemplate result
func FromTemplate(tmpl *rpc.BlockTemplate) Projection {
	txs := make([]Tx, len(tmpl.Transactions))
	for i, t := range tmpl.Transactions {
		vsize := vsizeFromWeight(t.Weight)
		txs[i] = Tx{
			TxID:    t.TxID,
			VSize:   vsize,
			Weight:  t.Weight,
			Fee:     btcutil.Amount(t.Fee),
			FeeRate: float64(t.Fee) / float64(vsize),
		}
	}
	return fromTemplate(tmpl.Height, txs)
}
