package digest

import (
	"fmt"
	"strings"

	"p2p-rate-monitor/internal/market"
)

type marketLine struct {
	Fiat      string `json:"fiat"`
	Country   string `json:"country"`
	Buy       string `json:"buy"`
	Sell      string `json:"sell"`
	SpreadPct string `json:"spread_pct"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

func lines(snaps []market.Snapshot) []marketLine {
	out := make([]marketLine, 0, len(snaps))
	for _, s := range snaps {
		l := marketLine{
			Fiat:      s.Fiat,
			Country:   s.Country,
			Buy:       s.Prices.Buy.String(),
			Sell:      s.Prices.Sell.String(),
			SpreadPct: "-",
			Valid:     s.Valid,
			Error:     s.Error,
		}
		if s.Prices.SpreadPercentage != nil {
			l.SpreadPct = *s.Prices.SpreadPercentage + "%"
		}
		out = append(out, l)
	}
	return out
}

// Table renders a cycle as a markdown table in registry order.
func Table(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**cycle %s** outcome=%s attempts=%d valid=%d/%d\n\n",
		in.CycleID, in.Outcome, in.Attempts, market.CountValid(in.Snapshots), len(in.Snapshots))
	b.WriteString("| market | buy | sell | spread |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, l := range lines(in.Snapshots) {
		name := l.Fiat
		if l.Country != "" && l.Country != l.Fiat {
			name = fmt.Sprintf("%s (%s)", l.Country, l.Fiat)
		}
		if !l.Valid {
			name += " ⚠"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", name, dash(l.Buy), dash(l.Sell), l.SpreadPct)
	}
	return b.String()
}

func dash(s string) string {
	if s == "null" {
		return "-"
	}
	return s
}
