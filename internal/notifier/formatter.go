package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"TradeWarden/internal/model"
)

var eventTitles = map[model.EventType]string{
	model.EventSignalGenerated:   "📡 <b>Signal</b>",
	model.EventSignalDropped:     "🚫 <b>Signal dropped</b>",
	model.EventTradeExecuted:     "✅ <b>Trade executed</b>",
	model.EventApprovalRequested: "🔔 <b>Approval needed</b>",
	model.EventApprovalResolved:  "📝 <b>Approval resolved</b>",
	model.EventStageTransition:   "🛡 <b>Protection stage</b>",
	model.EventStopModified:      "↗️ <b>Stop moved</b>",
	model.EventForceExit:         "⏱ <b>Force exit</b>",
	model.EventPositionClosed:    "🏁 <b>Position closed</b>",
	model.EventAccountDisabled:   "⛔ <b>Account disabled</b>",
	model.EventRegistryReloaded:  "🔄 <b>Registry reloaded</b>",
}

// FormatEvent renders an event as a Telegram HTML message.
func FormatEvent(e model.Event) string {
	var b strings.Builder
	title, ok := eventTitles[e.Type]
	if !ok {
		title = "<b>" + html.EscapeString(string(e.Type)) + "</b>"
	}
	b.WriteString(title)
	if e.AccountID != "" {
		b.WriteString(fmt.Sprintf(" | %s", html.EscapeString(e.AccountID)))
	}
	if e.Instrument != "" {
		b.WriteString(fmt.Sprintf(" | %s", html.EscapeString(e.Instrument)))
	}
	b.WriteString("\n")

	if e.StrategyID != "" {
		b.WriteString(fmt.Sprintf("Strategy: %s\n", html.EscapeString(e.StrategyID)))
	}
	if e.CorrelationID != "" {
		b.WriteString(fmt.Sprintf("ID: <code>%s</code>\n", html.EscapeString(e.CorrelationID)))
	}
	if e.Reason != "" {
		b.WriteString(fmt.Sprintf("Reason: %s\n", html.EscapeString(e.Reason)))
	}
	for _, k := range sortedKeys(e.Fields) {
		b.WriteString(fmt.Sprintf("  %s: %s\n", k, formatValue(e.Fields[k])))
	}
	if !e.Time.IsZero() {
		b.WriteString(e.Time.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPending lists live approval requests.
func FormatPending(reqs []model.ApprovalRequest, now time.Time) string {
	if len(reqs) == 0 {
		return "No pending approvals."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🔔 <b>Pending approvals</b> (%d)\n\n", len(reqs)))
	for _, r := range reqs {
		sig := r.Scored.Signal
		b.WriteString(fmt.Sprintf("<code>%s</code> %s %s %s @ %s score %.1f, expires in %s\n",
			html.EscapeString(r.CorrelationID), html.EscapeString(sig.AccountID),
			html.EscapeString(sig.Instrument), sig.Direction, formatValue(sig.EntryPrice),
			r.Scored.Score, r.ExpiresAt.Sub(now).Round(time.Second)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// AccountStatus is one line of the /status report.
type AccountStatus struct {
	AccountID   string
	StrategyID  string
	Mode        string
	Active      bool
	TradesToday int
	MaxTrades   int
	Disabled    string
}

// FormatStatus renders per-account activity and exclusions.
func FormatStatus(version int64, accounts []AccountStatus) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📦 <b>Status</b> | registry v%d\n\n", version))
	for _, a := range accounts {
		state := "active"
		switch {
		case a.Disabled != "":
			state = "disabled: " + html.EscapeString(a.Disabled)
		case !a.Active:
			state = "inactive"
		}
		b.WriteString(fmt.Sprintf("%s (%s, %s): %d/%d trades today, %s\n",
			html.EscapeString(a.AccountID), html.EscapeString(a.StrategyID), a.Mode,
			a.TradesToday, a.MaxTrades, state))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPositions renders tracked positions with their protection stage.
func FormatPositions(positions []model.Position) string {
	if len(positions) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📈 <b>Open positions</b> (%d)\n\n", len(positions)))
	for _, p := range positions {
		b.WriteString(fmt.Sprintf("%s %s %s %s @ %s, stop %s, last %s, %s\n",
			html.EscapeString(p.AccountID), html.EscapeString(p.Instrument), p.Direction,
			formatValue(p.Size), formatValue(p.EntryPrice), formatValue(p.StopPrice),
			formatValue(p.CurrentPrice), p.Stage))
	}
	return strings.TrimRight(b.String(), "\n")
}

// HelpText lists the operator commands.
const HelpText = "Commands:\n" +
	"• /approve &lt;id&gt;\n" +
	"• /reject &lt;id&gt;\n" +
	"• /pending\n" +
	"• /status\n" +
	"• /positions\n" +
	"• /reload"

func formatValue(v float64) string {
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.5f", v), "0"), ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
