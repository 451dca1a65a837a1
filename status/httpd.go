// Package status serves Prometheus metrics, healthz and a human readable
// status page.
package status

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/replication"
)

func StartHTTPServer(c config.Config) {
	if c.HTTP.Address == "" {
		logrus.Info("HTTP stats server disabled")
		return
	}
	logrus.WithField("address", c.HTTP.Address).Info("HTTP stats server enabled")
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/", &Page{
		c: c,
	})
	go func() {
		err := http.ListenAndServe(c.HTTP.Address, nil)
		logrus.Fatalf("HTTP server error: %v", err)
	}()
}

type Page struct {
	c config.Config
}

const statusTemplateString = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<title>snapsync Status</title>
	<style>
		body          { font-family: sans-serif; }
		table, td, th { border: 1px solid #ccc; border-collapse: collapse; }
		td, th        { padding: 5px; text-align: left; }
		td.num        { text-align: right; }
		td.error      { background-color: #ffb8b8; }
		td.no-error   { background-color: #a6f3a6; }
		a             { text-decoration: none; color: #3c6ac5; }
	</style>
</head>
<body>
	<h1>snapsync Status</h1>
	<p>
		<a href="/metrics">Prometheus metrics</a> |
		<a href="/healthz">Health</a>
	</p>

	<h2>Snapshot</h2>
	{{ with .Snapshot }}
	{{ if .Present }}
	<p>Created {{ .Created.Format "2006-01-02 15:04:05" }}, {{ .Refs }} reference(s)</p>
	{{ else }}
	<p>No snapshot</p>
	{{ end }}
	{{ end }}

	<h2>Transfers</h2>
	<table>
		<tr>
			<th>Direction</th>
			<th>Success</th>
			<th>Failure</th>
			<th>Last success</th>
			<th>Last error</th>
		</tr>
		{{ range .Stats }}
		<tr>
			<td>{{ .Direction }}</td>
			<td class="num">{{ .Success }}</td>
			<td class="num">{{ .Failure }}</td>
			<td>{{ if not .LastOKAt.IsZero }}{{ .LastOKAt.Format "2006-01-02 15:04:05" }}{{ end }}</td>
			{{ if .LastError }}
			<td class="error">{{ .LastErrorAt.Format "2006-01-02 15:04:05" }}: {{ .LastError }}</td>
			{{ else }}
			<td class="no-error">none</td>
			{{ end }}
		</tr>
		{{ end }}
	</table>

	<h2>Archives</h2>
	{{ if .ArchiveError }}
	<p>{{ .ArchiveError }}</p>
	{{ else }}
	<table>
		<tr>
			<th>Name</th>
			<th>Size</th>
		</tr>
		{{ range .Archives }}
		<tr>
			<td>{{ .Name }}</td>
			<td class="num">{{ .Size.HR }}</td>
		</tr>
		{{ end }}
	</table>
	{{ end }}

	<h2>Config</h2>
	<pre>{{ .Config.String }}</pre>

</body>
</html>`

var statusTemplate *htmltemplate.Template

func init() {
	var err error
	statusTemplate, err = htmltemplate.New("status").Parse(statusTemplateString)
	if err != nil {
		log.Fatalf("BUG: Error in status HTML template: %v", err)
	}
}

func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	archives, err := gi.ListArchives(ctx)
	var archiveError string
	if err != nil {
		archiveError = err.Error()
	}

	data := struct {
		Config       config.Config
		Snapshot     SnapshotInfo
		Stats        []replication.StatsSnapshot
		Archives     []ArchiveInfo
		ArchiveError string
	}{
		Config:       p.c,
		Snapshot:     gi.Snapshot(),
		Stats:        gi.Stats(),
		Archives:     archives,
		ArchiveError: archiveError,
	}

	err = statusTemplate.Execute(w, data)
	if err != nil {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(fmt.Sprintf("Template execution error: %v", err)))
	}
}
