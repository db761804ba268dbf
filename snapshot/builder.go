package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"btcmonitor/chain"
	"btcmonitor/logger"
	"btcmonitor/mempool"
	"btcmonitor/projection"
	"btcmonitor/rpc"
)

var log = logger.Logger

// Node is the set of RPC calls one tick makes. *rpc.Client implements it.
type Node interface {
	GetBlockchainInfo(ctx context.Context) (*rpc.BlockchainInfo, error)
	GetNetworkInfo(ctx context.Context) (*rpc.NetworkInfo, error)
	Uptime(ctx context.Context) (int64, error)
	GetMempoolInfo(ctx context.Context) (*rpc.MempoolInfo, error)
	GetRawMempoolVerbose(ctx context.Context) (map[string]rpc.MempoolEntry, error)
	projection.TemplateSource
	RawTxFetcher
}

// NodeStatus is the node-level part of a snapshot
type NodeStatus struct {
	Chain                string  `json:"chain"`
	Height               int64   `json:"height"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"best_block_hash"`
	Difficulty           float64 `json:"difficulty"`
	VerificationProgress float64 `json:"verification_progress"`
	InitialBlockDownload bool    `json:"initial_block_download"`
	Pruned               bool    `json:"pruned"`
	Version              int     `json:"version"`
	SubVersion           string  `json:"subversion"`
	Peers                int     `json:"peers"`
	PeersIn              int     `json:"peers_in"`
	PeersOut             int     `json:"peers_out"`
	NetworkActive        bool    `json:"network_active"`
	TimeOffset           int64   `json:"time_offset"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
	MempoolLoaded        bool    `json:"mempool_loaded"`
	MempoolTxs           int64   `json:"mempool_txs"`
	MempoolBytes         int64   `json:"mempool_bytes"`
	MempoolUsage         int64   `json:"mempool_usage"`
	MempoolMax           int64   `json:"mempool_max"`
	// MempoolMinFeeRate is the node's current admission floor in sat/vB.
	MempoolMinFeeRate float64  `json:"mempool_min_fee_rate"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Uptime returns the node uptime as a duration
func (n NodeStatus) Uptime() time.Duration {
	return time.Duration(n.UptimeSeconds) * time.Second
}

// Synced reports whether the node has caught up with its headers
func (n NodeStatus) Synced() bool {
	return !n.InitialBlockDownload && n.Height == n.Headers
}

// MempoolView is the analyzed mempool plus output-value coverage
type MempoolView struct {
	mempool.Analysis
	// Coverage is the share of entries with a known output value, 0..1.
	Coverage float64 `json:"coverage"`
}

// Snapshot is the immutable result of one successful tick
type Snapshot struct {
	TickID     string                `json:"tick_id"`
	TakenAt    time.Time             `json:"taken_at"`
	Network    chain.Network         `json:"network"`
	Node       NodeStatus            `json:"node"`
	Mempool    MempoolView           `json:"mempool"`
	Projection projection.Projection `json:"projection"`
}

// BuilderConfig configures a Builder
type BuilderConfig struct {
	Network      chain.Network
	Analyzer     *mempool.Analyzer
	Projection   projection.Config
	ValueLookups int
}

// Builder assembles one Snapshot per call from fresh RPC results. Calls to
// Build must not overlap.
type Builder struct {
	node      Node
	network   chain.Network
	analyzer  *mempool.Analyzer
	projector *projection.Projector
	values    *ValueIndex
	now       func() time.Time
}

// NewBuilder creates a builder for node
func NewBuilder(node Node, config BuilderConfig) *Builder {
	analyzer := config.Analyzer
	if analyzer == nil {
		analyzer = mempool.NewDefaultAnalyzer()
	}
	return &Builder{
		node:      node,
		network:   config.Network,
		analyzer:  analyzer,
		projector: projection.NewProjector(node, config.Projection),
		values:    NewValueIndex(config.ValueLookups),
		now:       time.Now,
	}
}

// Build runs one tick's calls in order. A failure before the mempool dump
// is complete returns a *TickError and no snapshot. A projection failure
// does not fail the tick: the snapshot is returned with an Unavailable
// projection.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	tickID := uuid.NewString()
	tickLog := log.WithField("tick", tickID)
	started := b.now()

	status, err := b.nodeStatus(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := b.node.GetRawMempoolVerbose(ctx)
	if err != nil {
		return nil, b.fail(ctx, StepRawMempool, err)
	}
	entries, err := mempool.FromRPCMap(raw)
	if err != nil {
		return nil, b.fail(ctx, StepRawMempool, &rpc.Error{Kind: rpc.KindMalformed, Method: StepRawMempool, Err: err})
	}

	if _, err := b.values.Refresh(ctx, b.node, entries); err != nil {
		tickLog.WithError(err).Warn("Output-value lookup failed, top list coverage is partial")
	}
	entries = b.values.Annotate(entries)

	analysis := b.analyzer.Analyze(entries)
	view := MempoolView{Analysis: analysis}
	if analysis.Count > 0 {
		view.Coverage = float64(analysis.KnownValues) / float64(analysis.Count)
	}

	proj := b.projector.Project(ctx, entries)
	if proj.Source == projection.Unavailable && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		proj.Err = errors.Join(proj.Err, ErrTickTimeout)
	}

	snap := &Snapshot{
		TickID:     tickID,
		TakenAt:    b.now(),
		Network:    b.network,
		Node:       *status,
		Mempool:    view,
		Projection: proj,
	}

	tickLog.WithFields(logger.Fields{
		"height":     status.Height,
		"mempool":    analysis.Count,
		"coverage":   view.Coverage,
		"projection": proj.Source.String(),
		"duration":   b.now().Sub(started).String(),
	}).Debug("Snapshot built")
	return snap, nil
}

func (b *Builder) nodeStatus(ctx context.Context) (*NodeStatus, error) {
	chainInfo, err := b.node.GetBlockchainInfo(ctx)
	if err != nil {
		return nil, b.fail(ctx, StepBlockchainInfo, err)
	}
	netInfo, err := b.node.GetNetworkInfo(ctx)
	if err != nil {
		return nil, b.fail(ctx, StepNetworkInfo, err)
	}
	uptime, err := b.node.Uptime(ctx)
	if err != nil {
		return nil, b.fail(ctx, StepUptime, err)
	}
	poolInfo, err := b.node.GetMempoolInfo(ctx)
	if err != nil {
		return nil, b.fail(ctx, StepMempoolInfo, err)
	}

	status := &NodeStatus{
		Chain:                chainInfo.Chain,
		Height:               chainInfo.Blocks,
		Headers:              chainInfo.Headers,
		BestBlockHash:        chainInfo.BestBlockHash,
		Difficulty:           chainInfo.Difficulty,
		VerificationProgress: chainInfo.VerificationProgress,
		InitialBlockDownload: chainInfo.InitialBlockDownload,
		Pruned:               chainInfo.Pruned,
		Version:              netInfo.Version,
		SubVersion:           netInfo.SubVersion,
		Peers:                netInfo.Connections,
		PeersIn:              netInfo.ConnectionsIn,
		PeersOut:             netInfo.ConnectionsOut,
		NetworkActive:        netInfo.NetworkActive,
		TimeOffset:           netInfo.TimeOffset,
		UptimeSeconds:        uptime,
		MempoolLoaded:        poolInfo.Loaded,
		MempoolTxs:           poolInfo.Size,
		MempoolBytes:         poolInfo.Bytes,
		MempoolUsage:         poolInfo.Usage,
		MempoolMax:           poolInfo.MaxMempool,
		MempoolMinFeeRate:    feeRatePerVByte(poolInfo.MempoolMinFee),
	}
	status.Warnings = append(status.Warnings, chainInfo.Warnings...)
	status.Warnings = append(status.Warnings, netInfo.Warnings...)
	return status, nil
}

func (b *Builder) fail(ctx context.Context, step string, err error) error {
	return &TickError{
		Step:    step,
		Err:     err,
		Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}

// feeRatePerVByte converts a BTC/kvB rate to sat/vB
func feeRatePerVByte(btcPerKvB float64) float64 {
	perKvB, err := btcutil.NewAmount(btcPerKvB)
	if err != nil {
		return 0
	}
	return float64(perKvB) / 1000
}
