package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/models"
)

// Reporter renders operator status tables. All renderers write to the
// configured sink, normally stdout.
type Reporter struct {
	out io.Writer
}

func New(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

func (r *Reporter) render(title string, t table.Writer) {
	t.SetOutputMirror(r.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.Render()
}

// Bots prints one row per registered bot.
func (r *Reporter) Bots(bots []models.BotConfig) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Owner", "Pair", "Mode", "Status", "Risk %", "SL %", "TP %", "Trail %", "Interval"})
	for _, b := range bots {
		t.AppendRow(table.Row{
			b.ID, b.Owner, b.Pair, b.Mode, b.Status,
			fmt.Sprintf("%.1f", b.RiskPct*100),
			fmt.Sprintf("%.1f", b.SLPct*100),
			fmt.Sprintf("%.1f", b.TPPct*100),
			fmt.Sprintf("%.1f", b.TrailingPct*100),
			b.Interval(),
		})
	}
	r.render("Bots", t)
}

// Portfolio prints cash, positions and realized performance.
func (r *Reporter) Portfolio(led *ledger.Ledger) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Pair", "Qty", "Avg Entry", "Unrealized P&L"})
	for _, pos := range led.Positions() {
		t.AppendRow(table.Row{
			pos.Pair, pos.Qty.String(), pos.AvgEntry.StringFixed(2), pos.UnrealizedPnl.StringFixed(2),
		})
	}
	perf := led.Perf()
	t.AppendFooter(table.Row{
		"cash " + led.Cash().StringFixed(2),
		"equity " + led.Equity().StringFixed(2),
		fmt.Sprintf("win rate %.1f%% (%d trades)", perf.WinRate*100, perf.Trades),
		"realized " + perf.RealizedPnl.StringFixed(2),
	})
	r.render("Portfolio ("+string(led.Mode())+")", t)
}

// Safety prints the risk gate state; a tripped kill switch renders red.
func (r *Reporter) Safety(state models.SafetyState) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Kill Switch", "Daily P&L %", "Loss Streak", "Day Anchor"})

	kill := string(state.KillSwitch)
	if state.KillSwitch == models.KillSwitchTripped {
		kill = text.Colors{text.FgRed, text.Bold}.Sprintf("%s (%s)", state.KillSwitch, state.TrippedReason)
	}
	t.AppendRow(table.Row{
		kill,
		fmt.Sprintf("%.2f", state.DailyPnlPct*100),
		state.ConsecutiveLosses,
		state.DayAnchorTs.Format(time.RFC3339),
	})
	r.render("Safety", t)
}

// Trades prints a bot's journal history.
func (r *Reporter) Trades(botID string, trades []models.Trade) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Ts", "Pair", "Side", "Qty", "Price", "Fee"})
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.Ts.Format("2006-01-02 15:04:05"),
			tr.Pair, tr.Side, tr.Qty.String(), tr.Price.StringFixed(2), tr.Fee.StringFixed(4),
		})
	}
	r.render("Trades "+botID, t)
}
