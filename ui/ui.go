// Package ui draws the terminal dashboard from a monitor state.
package ui

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/common-nighthawk/go-figure"

	"btcmonitor/chain"
	"btcmonitor/clock"
	"btcmonitor/mempool"
	"btcmonitor/price"
	"btcmonitor/projection"
	"btcmonitor/snapshot"
)

const (
	// ClearScreen moves the cursor home and clears the terminal
	ClearScreen = "\033[H\033[2J"
	// DefaultTopRows is the number of ranked transactions shown
	DefaultTopRows = 10
	histogramWidth = 40
)

// Frame is everything one redraw shows
type Frame struct {
	State   snapshot.State
	Network chain.Network
	// Price is nil when the lookup is disabled or has never succeeded.
	Price    *price.Quote
	PriceErr error
	Clock    *clock.Status
	ClockErr error
	Now      time.Time
}

// Options configures a Renderer
type Options struct {
	TopRows  int
	NoBanner bool
}

// Renderer turns frames into text
type Renderer struct {
	topRows int
	banner  string
}

// NewRenderer creates a renderer
func NewRenderer(opts Options) *Renderer {
	r := &Renderer{topRows: opts.TopRows}
	if r.topRows <= 0 {
		r.topRows = DefaultTopRows
	}
	if !opts.NoBanner {
		r.banner = figure.NewFigure("btcmonitor", "", true).String()
	}
	return r
}

// Render writes one frame to w
func (r *Renderer) Render(w io.Writer, f Frame) error {
	_, err := io.WriteString(w, r.String(f))
	return err
}

// String renders one frame
func (r *Renderer) String(f Frame) string {
	if f.Now.IsZero() {
		f.Now = time.Now()
	}

	var b bytes.Buffer
	if r.banner != "" {
		b.WriteString(r.banner)
		b.WriteString("\n")
	}

	r.header(&b, f)
	snap := f.State.Snapshot
	if snap == nil {
		b.WriteString("\nWaiting for the first snapshot...\n")
		return b.String()
	}

	r.node(&b, f, snap)
	r.mempool(&b, f, snap)
	r.projection(&b, f, snap.Projection)
	r.top(&b, f, snap)
	return b.String()
}

func (r *Renderer) header(b *bytes.Buffer, f Frame) {
	s := f.State
	fmt.Fprintf(b, "Network: %s   Status: %s", f.Network, strings.ToUpper(string(s.Status)))
	if s.Stale() {
		b.WriteString("   [STALE]")
	}
	b.WriteString("\n")

	if s.LastSuccess.IsZero() {
		b.WriteString("Last success: never\n")
	} else {
		fmt.Fprintf(b, "Last success: %s (%s ago)\n", s.LastSuccess.Format(time.TimeOnly), age(f.Now, s.LastSuccess))
	}
	if s.LastError != nil {
		fmt.Fprintf(b, "Last error: %v", s.LastError)
		if s.ConsecutiveFailures > 0 {
			fmt.Fprintf(b, " (%d consecutive failures)", s.ConsecutiveFailures)
		}
		b.WriteString("\n")
	}
}

func (r *Renderer) node(b *bytes.Buffer, f Frame, snap *snapshot.Snapshot) {
	n := snap.Node
	b.WriteString("\nNODE\n")
	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)

	sync := "synced"
	if !n.Synced() {
		sync = fmt.Sprintf("syncing %.2f%%", n.VerificationProgress*100)
	}
	fmt.Fprintf(tw, "  Height\t%d / %d headers\t%s\n", n.Height, n.Headers, sync)
	fmt.Fprintf(tw, "  Best block\t%s\n", n.BestBlockHash)
	fmt.Fprintf(tw, "  Difficulty\t%.2f\n", n.Difficulty)
	fmt.Fprintf(tw, "  Peers\t%d (%d in / %d out)\n", n.Peers, n.PeersIn, n.PeersOut)
	fmt.Fprintf(tw, "  Version\t%d %s\n", n.Version, n.SubVersion)
	fmt.Fprintf(tw, "  Uptime\t%s\n", n.Uptime())
	fmt.Fprintf(tw, "  Clock\t%s\n", clockLine(f.Clock, f.ClockErr, n.TimeOffset))
	tw.Flush()

	for _, w := range n.Warnings {
		fmt.Fprintf(b, "  ! %s\n", w)
	}
}

func (r *Renderer) mempool(b *bytes.Buffer, f Frame, snap *snapshot.Snapshot) {
	m := snap.Mempool
	b.WriteString("\nMEMPOOL\n")
	fmt.Fprintf(b, "  %d txs  %s  fees %s%s  min fee %.2f sat/vB\n",
		m.Count, formatVSize(m.VSize), m.Fees, fiat(f.Price, m.Fees), snap.Node.MempoolMinFeeRate)

	largest := 0
	for _, bucket := range m.Histogram {
		if bucket.Count > largest {
			largest = bucket.Count
		}
	}
	tw := tabwriter.NewWriter(b, 0, 4, 1, ' ', tabwriter.AlignRight)
	for _, bucket := range m.Histogram {
		if bucket.Count == 0 {
			continue
		}
		fmt.Fprintf(tw, "  %s\t %d\t %s\t\n", bucket.Label(), bucket.Count, bar(bucket.Count, largest))
	}
	tw.Flush()
}

func (r *Renderer) projection(b *bytes.Buffer, f Frame, p projection.Projection) {
	b.WriteString("\nNEXT BLOCK ")
	switch p.Source {
	case projection.Authoritative:
		fmt.Fprintf(b, "(node template, height %d)\n", p.Height)
	case projection.Synthetic:
		b.WriteString("(ESTIMATED from mempool")
		if p.Fallback != "" {
			fmt.Fprintf(b, ", %s", p.Fallback)
		}
		b.WriteString(")\n")
	default:
		b.WriteString("(UNAVAILABLE)\n")
		if p.Err != nil {
			fmt.Fprintf(b, "  %v\n", p.Err)
		}
		return
	}

	fmt.Fprintf(b, "  %d txs  %s  weight %d  fees %s%s\n",
		p.TxCount, formatVSize(p.TotalVSize), p.TotalWeight, p.TotalFees, fiat(f.Price, p.TotalFees))
	if p.TxCount > 0 {
		fmt.Fprintf(b, "  fee rates: min %.1f  median %.1f  max %.1f sat/vB\n", p.Bands.Min, p.Bands.Median, p.Bands.Max)
	}
}

func (r *Renderer) top(b *bytes.Buffer, f Frame, snap *snapshot.Snapshot) {
	m := snap.Mempool
	fmt.Fprintf(b, "\nLARGEST BY OUTPUT VALUE (values known for %.0f%%)\n", m.Coverage*100)
	if len(m.Top) == 0 {
		b.WriteString("  none\n")
		return
	}

	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	for i, e := range m.Top {
		if i == r.topRows {
			break
		}
		fmt.Fprintf(tw, "  %s\t%s%s\t%.1f sat/vB\n", shortTxID(e), e.OutputValue, fiat(f.Price, e.OutputValue), e.FeeRate)
	}
	tw.Flush()
	if f.PriceErr != nil && f.Price == nil {
		fmt.Fprintf(b, "  price unavailable: %v\n", f.PriceErr)
	}
}

func clockLine(status *clock.Status, err error, peerOffset int64) string {
	peers := fmt.Sprintf("peers %+ds", peerOffset)
	if status == nil {
		if err != nil {
			return fmt.Sprintf("ntp unavailable (%v), %s", err, peers)
		}
		return peers
	}

	line := fmt.Sprintf("ntp %+.3fs via %s, %s", status.Offset.Offset.Seconds(), status.Server, peers)
	if status.Drifting(clock.MaxClockDrift) {
		line += "  CLOCK DRIFT"
	}
	if status.Stale {
		line += " (stale)"
	}
	return line
}

func fiat(q *price.Quote, amount btcutil.Amount) string {
	if q == nil {
		return ""
	}
	stale := ""
	if q.Stale {
		stale = "*"
	}
	return fmt.Sprintf(" (%s %s%s)", q.Value(amount).StringFixed(2), q.Currency, stale)
}

func formatVSize(vsize int64) string {
	switch {
	case vsize >= 1_000_000:
		return fmt.Sprintf("%.2f MvB", float64(vsize)/1e6)
	case vsize >= 1_000:
		return fmt.Sprintf("%.1f kvB", float64(vsize)/1e3)
	default:
		return fmt.Sprintf("%d vB", vsize)
	}
}

func bar(count, largest int) string {
	if largest == 0 {
		return ""
	}
	n := count * histogramWidth / largest
	if n == 0 {
		n = 1
	}
	return strings.Repeat("#", n)
}

func shortTxID(e mempool.Entry) string {
	if len(e.TxID) <= 16 {
		return e.TxID
	}
	return e.TxID[:8] + ".." + e.TxID[len(e.TxID)-8:]
}

func age(now, t time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Truncate(100 * time.Millisecond).String()
}
