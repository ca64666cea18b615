package debug

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/a-h/templ"
)

// layout wraps page content in the dashboard's shared chrome. Written as a
// hand-authored templ.ComponentFunc rather than a generated .templ file —
// the Component contract is the same either way.
func layout(title, active string, body string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>DeepTavern Debug - %s</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;margin:0;background:#f7fafc;color:#2d3748;}
nav{background:#1a202c;color:#fff;padding:1rem 2rem;display:flex;gap:1.5rem;align-items:center;}
nav a{color:#cbd5e0;text-decoration:none;font-size:0.95rem;}
nav a.active, nav a:hover{color:#fff;font-weight:600;}
nav .brand{font-weight:700;color:#fff;margin-right:1rem;}
main{padding:2rem;max-width:1100px;margin:0 auto;}
.card{background:#fff;border-radius:8px;padding:1.25rem 1.5rem;margin-bottom:1.25rem;box-shadow:0 1px 3px rgba(0,0,0,0.08);}
table{width:100%%;border-collapse:collapse;}
th,td{text-align:left;padding:0.5rem 0.75rem;border-bottom:1px solid #edf2f7;font-size:0.9rem;}
th{color:#718096;text-transform:uppercase;font-size:0.75rem;letter-spacing:0.04em;}
.stat{display:inline-block;margin-right:2rem;}
.stat .value{font-size:1.75rem;font-weight:700;color:#5a67d8;}
.stat .label{font-size:0.8rem;color:#718096;text-transform:uppercase;}
.log-line{font-family:'Courier New',monospace;font-size:0.8rem;padding:2px 0;}
.log-ERROR{color:#e53e3e;}
.log-WARN{color:#dd6b20;}
.log-INFO{color:#2d3748;}
.log-DEBUG{color:#a0aec0;}
</style>
</head>
<body>
<nav>
	<span class="brand">DeepTavern</span>
	<a href="/debug" class="%s">Dashboard</a>
	<a href="/debug/sessions" class="%s">Sessions</a>
	<a href="/debug/logs" class="%s">Logs</a>
</nav>
<main>%s</main>
</body>
</html>`,
			title,
			navClass(active, "dashboard"),
			navClass(active, "sessions"),
			navClass(active, "logs"),
			body,
		))
		return err
	})
}

func navClass(active, name string) string {
	if active == name {
		return "active"
	}
	return ""
}

func renderToString(c templ.Component) (string, error) {
	var b strings.Builder
	if err := c.Render(context.Background(), &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderDashboard(stats dashboardStats) (string, error) {
	body := fmt.Sprintf(`<div class="card">
<div class="stat"><div class="value">%d</div><div class="label">Sessions</div></div>
<div class="stat"><div class="value">%d</div><div class="label">Rule keywords</div></div>
</div>
<div class="card"><b>Active session:</b> %s</div>`,
		stats.TotalSessions, stats.RuleCount, orNone(stats.ActiveUUID))
	return renderToString(layout("Dashboard", "dashboard", body))
}

// sessionRow is the flattened view renderSessions needs from store.Session.
type sessionRow struct {
	UUID          string
	CharacterName string
	CreatedAt     string
}

func renderSessions(sessions []sessionRow) (string, error) {
	var rows strings.Builder
	for _, s := range sessions {
		rows.WriteString(fmt.Sprintf(
			`<tr><td><a href="/debug/sessions/%s">%s</a></td><td>%s</td><td>%s</td></tr>`,
			s.UUID, s.UUID, s.CharacterName, s.CreatedAt))
	}
	body := fmt.Sprintf(`<div class="card"><table>
<tr><th>UUID</th><th>Character</th><th>Created</th></tr>%s
</table></div>`, rows.String())
	return renderToString(layout("Sessions", "sessions", body))
}

func renderSessionDetail(d sessionDetail) (string, error) {
	var msgs strings.Builder
	for _, m := range d.Messages {
		msgs.WriteString(fmt.Sprintf(`<tr><td>%s</td><td>%s</td></tr>`, m.Role, truncate(m.Content, 200)))
	}
	var spine strings.Builder
	for _, n := range d.Spine {
		spine.WriteString(fmt.Sprintf(`<tr><td>%s</td><td>%s</td><td>%s</td></tr>`, n.Tier, n.TimelineTag, truncate(n.Text, 200)))
	}
	var edges strings.Builder
	for _, e := range d.Graph.TopEdges {
		edges.WriteString(fmt.Sprintf(`<tr><td>%s</td><td>%s</td><td>%s</td><td>%.1f</td></tr>`, e.Source, e.Relation, e.Target, e.Weight))
	}

	body := fmt.Sprintf(`<div class="card">
<div class="stat"><div class="value">%d</div><div class="label">Graph nodes</div></div>
<div class="stat"><div class="value">%d</div><div class="label">Graph edges</div></div>
<div class="stat"><div class="value">%d</div><div class="label">Messages</div></div>
</div>
<div class="card"><h3>Top edges</h3><table><tr><th>Source</th><th>Relation</th><th>Target</th><th>Weight</th></tr>%s</table></div>
<div class="card"><h3>Memory spine</h3><table><tr><th>Tier</th><th>Timeline</th><th>Text</th></tr>%s</table></div>
<div class="card"><h3>Messages</h3><table><tr><th>Role</th><th>Content</th></tr>%s</table></div>`,
		d.Graph.NodeCount, d.Graph.EdgeCount, len(d.Messages), edges.String(), spine.String(), msgs.String())
	return renderToString(layout("Session "+d.Row.UUID, "sessions", body))
}

func renderLogs(entries []log.Entry) (string, error) {
	var lines strings.Builder
	for _, e := range entries {
		lines.WriteString(fmt.Sprintf(`<div class="log-line log-%s">[%s] %s %s</div>`,
			e.Level, e.Time.Format("15:04:05"), e.Level, e.Message))
	}
	body := fmt.Sprintf(`<div class="card">
<p>Live tail below; connects over <code>/debug/logs/stream</code> (server-sent events).</p>
<div id="log-tail">%s</div>
</div>
<script>
const box = document.getElementById('log-tail');
const es = new EventSource('/debug/logs/stream');
es.onmessage = function(ev) {
	const div = document.createElement('div');
	div.className = 'log-line';
	div.textContent = ev.data;
	box.appendChild(div);
	box.scrollTop = box.scrollHeight;
};
</script>`, lines.String())
	return renderToString(layout("Logs", "logs", body))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
