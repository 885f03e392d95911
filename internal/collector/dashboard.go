package collector

import (
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Tracelet Collector</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #f8f9fb; padding: 40px; color: #1a1c1e; }
        table { border-collapse: collapse; width: 100%; background: white; border: 1px solid #e0e4e8; }
        th, td { padding: 10px 14px; border-bottom: 1px solid #edf1f5; text-align: left; }
        th { font-size: 0.75rem; color: #888; text-transform: uppercase; letter-spacing: 0.5px; }
        .digest { font-family: monospace; font-size: 0.85rem; word-break: break-all; }
        .ok { color: #2e7d32; font-weight: bold; }
        .bad { color: #c62828; font-weight: bold; }
    </style>
</head>
<body>
    <h1>Tracelet Collector</h1>
    <table>
        <tr><th>Device</th><th>Issuer</th><th>Accepted</th><th>Rejected</th><th>Last digest</th><th>Algorithm</th><th>Agent</th><th>Received</th></tr>
        {{range .}}
        <tr>
            <td>{{.Identity}}</td>
            <td>{{.Issuer}}</td>
            <td class="ok">{{.Accepted}}</td>
            <td class="bad">{{.Rejected}}</td>
            <td class="digest">{{.LastDigest}}</td>
            <td>{{.LastSigAlg}}</td>
            <td{{if .Outdated}} class="bad"{{end}}>{{.Agent}}</td>
            <td>{{if not .LastReceivedAt.IsZero}}{{.LastReceivedAt.Format "2006-01-02T15:04:05Z07:00"}}{{end}}</td>
        </tr>
        {{else}}
        <tr><td colspan="8">No envelopes received yet.</td></tr>
        {{end}}
    </table>
</body>
</html>
`))

func (h *Handler) serveDashboard(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, h.Devices()); err != nil {
		h.opts.Logger.Error("dashboard render failed", "error", err)
	}
}
