package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# Position %s (%s)\n\n", r.Position.ID, r.Position.Pair))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Chain: %d | NFT: %s | Pool: %s\n\n", r.Position.ChainID, r.Position.NFTID, r.Position.PoolID))

	// Ledger Summary
	sb.WriteString("## Ledger Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Events | %d |\n", r.Ledger.Events))
	sb.WriteString(fmt.Sprintf("| Increases / Decreases / Collects | %d / %d / %d |\n",
		r.Ledger.Increases, r.Ledger.Decreases, r.Ledger.Collects))
	if r.Ledger.Events > 0 {
		sb.WriteString(fmt.Sprintf("| Block Range | %d - %d |\n", r.Ledger.FirstBlock, r.Ledger.LastBlock))
		sb.WriteString(fmt.Sprintf("| Liquidity | %s |\n", r.Ledger.Liquidity))
		sb.WriteString(fmt.Sprintf("| Cost Basis | %s %s |\n", r.Ledger.CostBasis, r.Position.QuoteSymbol))
		sb.WriteString(fmt.Sprintf("| Realized PnL | %s %s |\n", r.Ledger.RealizedPnl, r.Position.QuoteSymbol))
	}
	sb.WriteString(fmt.Sprintf("| Fees Collected | %s %s |\n", r.Ledger.TotalFees, r.Position.QuoteSymbol))
	sb.WriteString("\n")

	// Integrity errors (always shown if present)
	if len(r.IntegrityErrors) > 0 {
		sb.WriteString("### Integrity Errors\n\n")
		for _, err := range r.IntegrityErrors {
			sb.WriteString(fmt.Sprintf("- %s\n", err))
		}
		sb.WriteString("\n")
	}

	// APR Periods
	sb.WriteString("## APR Periods\n\n")
	if len(r.Periods) > 0 {
		sb.WriteString("| Start | End | Duration (s) | Events | Cost Basis | Fees | APR % |\n")
		sb.WriteString("|-------|-----|--------------|--------|------------|------|-------|\n")
		for _, p := range r.Periods {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %s | %s | %s |\n",
				time.UnixMilli(p.StartTimestamp).UTC().Format(time.RFC3339),
				time.UnixMilli(p.EndTimestamp).UTC().Format(time.RFC3339),
				p.DurationSeconds, p.EventCount, p.CostBasis, p.Fees, p.AprPercent))
		}
		sb.WriteString(fmt.Sprintf("\nDuration-weighted APR: %s%%\n", r.WeightedAprPercent))
	} else {
		sb.WriteString("No closed periods yet.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
