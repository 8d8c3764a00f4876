// Package statsapi implements the Stats HTTP API (C11): a dashboard
// and query surface over the Telemetry Collector (C3).
package statsapi

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/paasd/pkg/collector"
	"github.com/cuemby/paasd/pkg/log"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var rawStaticFS embed.FS

var (
	mainTemplate  = template.Must(template.ParseFS(templateFS, "templates/main.html"))
	statsTemplate = template.Must(template.ParseFS(templateFS, "templates/statsview.html"))
	staticFS      = mustSub(rawStaticFS, "static")
)

func mustSub(f embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(f, dir)
	if err != nil {
		panic("statsapi: bad embedded static dir: " + err.Error())
	}
	return sub
}

// reservedServerGroups are folded under the "paasd server" heading on
// the dashboard home page, rather than listed as their own services.
var reservedServerGroups = map[string]bool{
	"system": true, "stats": true, "router": true, "daemon": true,
}

// Server serves the dashboard, the quick-stat feed, and the
// historical stats view over a Collector.
type Server struct {
	Collector *collector.Collector
	// DaemonURL, if set, links the dashboard's "core services" list
	// to the daemon HTTP API.
	DaemonURL string

	startedAt time.Time
}

// NewServer constructs a Server over collector c.
func NewServer(c *collector.Collector) *Server {
	return &Server{Collector: c, startedAt: time.Now()}
}

// Handler returns the stats server's top-level mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/quickstats", s.handleQuickstats)
	mux.Handle("/style.css", http.FileServer(http.FS(staticFS)))
	mux.Handle("/client.js", http.FileServer(http.FS(staticFS)))
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		DaemonURL string
		Links     []groupLink
	}{
		DaemonURL: s.DaemonURL,
		Links:     s.groupLinks(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := mainTemplate.Execute(w, data); err != nil {
		log.Errorf("statsapi: failed to render dashboard", err)
	}
}

// groupLink is one entry in the dashboard's "Stats" section: either a
// single group or a super-group heading (e.g. "myservice" grouping
// "myservice.1", "myservice.2" scaled instances).
type groupLink struct {
	Heading    string
	HeadingURL string
	Groups     []string
}

// groupLinks partitions the collector's known groups into the fixed
// "paasd server" heading (system/stats/router/daemon) and one heading
// per service base name, splitting "name.N" scaled-instance suffixes
// back under their shared base.
func (s *Server) groupLinks() []groupLink {
	groups := s.Collector.GetGroups()

	grouped := map[string][]string{}
	var order []string
	for _, g := range groups {
		base := "paasd server"
		if !reservedServerGroups[g] {
			base = strings.SplitN(g, ".", 2)[0]
		}
		if _, seen := grouped[base]; !seen {
			order = append(order, base)
		}
		grouped[base] = append(grouped[base], g)
	}

	links := make([]groupLink, 0, len(order))
	for _, base := range order {
		gs := grouped[base]
		if base != "paasd server" {
			sort.Strings(gs)
		}
		heading := ""
		if len(gs) > 1 {
			heading = strings.Join(gs, ",")
		}
		links = append(links, groupLink{Heading: base, HeadingURL: heading, Groups: gs})
	}
	return links
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("groups")
	var groups []string
	for _, g := range strings.Split(raw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	ndays := parseQueryInt(r, "ndays", 3, 1)
	daysago := parseQueryInt(r, "daysago", 0, 0)

	data, err := s.Collector.GetData(groups, ndays, daysago)
	if err != nil {
		http.Error(w, "failed to query stats", http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		return
	}

	page := struct {
		Title     string
		NDays     int
		DaysAgo   int
		DataPerDB template.JS
	}{
		Title:     "paasd monitor",
		NDays:     ndays,
		DaysAgo:   daysago,
		DataPerDB: template.JS(payload),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statsTemplate.Execute(w, page); err != nil {
		log.Errorf("statsapi: failed to render stats view", err)
	}
}

func parseQueryInt(r *http.Request, name string, def, min int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	return n
}

// quickStat describes one named field rendered on /quickstats: the
// (group, key) pair read from the collector and the unit used to
// format it.
type quickStat struct {
	name, group, key string
}

var systemQuickStats = []quickStat{
	{"system-cpu", "system", "cpu|num|%"},
	{"system-mem", "system", "mem|num|iB"},
	{"system-disk", "system", "disk|num|iB"},
	{"system-connections", "router", "open connections|num"},
	{"system-rtime", "router", "duration|num|s"},
}

func (s *Server) handleQuickstats(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{"system-uptime": s.uptime()}

	for _, qs := range systemQuickStats {
		v, ok := s.Collector.GetLatestValue(qs.group, qs.key)
		if !ok {
			continue
		}
		out[qs.name] = formatQuickstat(qs.key, v)
	}

	for _, group := range s.Collector.GetGroups() {
		out[group+"-cpu"] = ""
		out[group+"-mem"] = ""
		cpu, ok := s.Collector.GetLatestValue(group, "cpu|num|%")
		if !ok {
			continue
		}
		out[group+"-cpu"] = formatQuickstat("cpu|num|%", cpu)
		if mem, ok := s.Collector.GetLatestValue(group, "mem|num|iB"); ok {
			out[group+"-mem"] = formatQuickstat("mem|num|iB", mem)
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Errorf("statsapi: failed to encode quickstats", err)
	}
}

// formatQuickstat renders a raw measurement value with the unit
// implied by its "name|type|unit" key suffix: iB values as GiB (disk)
// or MiB (everything else), percentages to one decimal, and seconds
// as milliseconds.
func formatQuickstat(key string, v any) string {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	switch {
	case strings.HasSuffix(key, "|iB"):
		if strings.Contains(key, "disk") {
			return fmt.Sprintf("%.3f GiB", f/(1<<30))
		}
		return fmt.Sprintf("%.1f MiB", f/(1<<20))
	case strings.HasSuffix(key, "|%"):
		return fmt.Sprintf("%.1f %%", f)
	case strings.HasSuffix(key, "|s"):
		return fmt.Sprintf("%.1f ms", f*1000)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (s *Server) uptime() string {
	secs := time.Since(s.startedAt).Seconds()
	switch {
	case secs >= 3*86400:
		return fmt.Sprintf("%.1f days", secs/86400)
	case secs >= 3*3600:
		return fmt.Sprintf("%.1f hours", secs/3600)
	case secs >= 3*60:
		return fmt.Sprintf("%.1f minutes", secs/60)
	default:
		return fmt.Sprintf("%.0f seconds", secs)
	}
}
