// Package ingest implements the UDP Ingest path (C4): binding a UDP
// socket and decoding each datagram as one of three wire dialects
// before handing the resulting measurements to the Collector.
package ingest

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/paasd/pkg/log"
)

// Putter is the subset of the Collector's surface the ingest loop
// needs; satisfied by *collector.Collector.
type Putter interface {
	Put(group string, measurements map[string]any) error
}

const maxDatagramSize = 4096

// Listener binds a UDP socket and feeds parsed measurements to a Putter.
type Listener struct {
	conn   *net.UDPConn
	putter Putter
}

// Listen binds UDP on addr (e.g. ":8125") and returns a Listener ready
// to Serve.
func Listen(addr string, putter Putter) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, putter: putter}, nil
}

// Close releases the UDP socket, causing a blocked Serve to return.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve reads datagrams until ctx is done or the socket is closed.
// Every parse or decode failure silently drops the datagram; Serve
// itself never returns an error for a bad datagram.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		l.process(buf[:n])
	}
}

func (l *Listener) process(data []byte) {
	group, measurements, err := ParseDatagram(data)
	if err != nil {
		return
	}
	if err := l.putter.Put(group, measurements); err != nil {
		log.Errorf("ingest: put failed", err)
	}
}

// ParseDatagram decodes one UDP datagram into a (group, measurements)
// pair, trying the router's InfluxDB-style dialect, then a
// self-describing JSON map, then the statsd-like grammar.
func ParseDatagram(data []byte) (string, map[string]any, error) {
	text := strings.ToValidUTF8(string(data), "")

	if strings.HasPrefix(text, "traefik") {
		return "router", routerMeasurements(text), nil
	}
	if group, measurements, ok := parseJSONMap(text); ok {
		return group, measurements, nil
	}
	return parseStatsd(text)
}

// routerMeasurements parses a hand-picked subset of the router's
// InfluxDB line-protocol metrics into {requests|count, open
// connections|num, duration|num|s}.
func routerMeasurements(text string) map[string]any {
	out := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "traefik.service.requests.total"):
			if v, ok := fieldValue(line, " count="); ok {
				if n, err := strconv.Atoi(v); err == nil {
					out["requests|count"] = int64(n)
				}
			}
		case strings.HasPrefix(line, "traefik.service.connections.open"):
			if v, ok := fieldValue(line, " value="); ok {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					out["open connections|num"] = n
				}
			}
		case strings.HasPrefix(line, "traefik.service.request.duration"):
			if v, ok := fieldValue(line, " p50="); ok {
				v = strings.Split(v, ",")[0]
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					out["duration|num|s"] = n
				}
			}
		}
	}
	return out
}

func fieldValue(line, sep string) (string, bool) {
	_, post, found := strings.Cut(line, sep)
	if !found {
		return "", false
	}
	return strings.Fields(post)[0], true
}

// parseJSONMap decodes a self-describing measurement map: a "group"
// key (default "other") plus raw "name|type[|unit]" keys, with
// special handling for a "pageview" sub-map.
func parseJSONMap(text string) (string, map[string]any, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return "", nil, false
	}

	group := "other"
	if g, ok := raw["group"].(string); ok && g != "" {
		group = g
	}
	delete(raw, "group")

	measurements := map[string]any{}
	if pv, ok := raw["pageview"].(map[string]any); ok {
		delete(raw, "pageview")
		for k, v := range pageviewMeasurements(pv) {
			measurements[k] = v
		}
	}
	for k, v := range raw {
		measurements[k] = v
	}
	return group, measurements, true
}

// pageviewMeasurements derives the synthetic measurement set for one
// page view: a request/view count, categorized path, referer domain,
// response time, and — only for a newly unique visitor this UTC day —
// a derived client/language categorical.
func pageviewMeasurements(pv map[string]any) map[string]any {
	out := map[string]any{"requests|count": nil}

	path, _ := pv["path"].(string)
	if statusCode, ok := pv["status_code"]; ok && path != "" {
		out["path|cat"] = stringify(statusCode) + " - " + path
	} else if path != "" {
		out["path|cat"] = path
	}

	if rtime, ok := pv["response_time"]; ok {
		out["rtime|num|s"] = rtime
	}

	isPageVisit := path != "" && (!strings.Contains(path, ".") || strings.HasSuffix(path, ".html"))
	if !isPageVisit {
		return out
	}
	out["views|count"] = nil

	if referer, _ := pv["referer"].(string); referer != "" {
		out["referer|cat"] = refererDomain(referer)
	}

	ip, _ := pv["ip"].(string)
	ua, _ := pv["user_agent"].(string)
	if ip != "" && ua != "" {
		out["visits|dcount"] = ip + ua
	}

	if lang, _ := pv["accept_language"].(string); lang != "" {
		primary := strings.ToLower(strings.TrimSpace(strings.SplitN(strings.SplitN(lang, ",", 2)[0], ";", 2)[0]))
		out["language|cat"] = strings.ReplaceAll(primary, "-", " - ")
	}
	if ua != "" {
		out["client|cat"] = classifyUserAgent(ua)
	}

	return out
}

func refererDomain(referer string) string {
	s := referer
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	s = strings.SplitN(s, "/", 2)[0]
	s = strings.SplitN(s, ":", 2)[0]
	return s
}

// classifyUserAgent is a deliberately small OS/browser classifier; a
// full user-agent parser is out of scope here, a coarse bucket is
// enough for the "client" categorical.
func classifyUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	osName := "other"
	switch {
	case strings.Contains(lower, "windows"):
		osName = "windows"
	case strings.Contains(lower, "mac os"):
		osName = "macos"
	case strings.Contains(lower, "android"):
		osName = "android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		osName = "ios"
	case strings.Contains(lower, "linux"):
		osName = "linux"
	}
	browser := "other"
	switch {
	case strings.Contains(lower, "edg/"):
		browser = "edge"
	case strings.Contains(lower, "chrome/"):
		browser = "chrome"
	case strings.Contains(lower, "firefox/"):
		browser = "firefox"
	case strings.Contains(lower, "safari/") && !strings.Contains(lower, "chrome/"):
		browser = "safari"
	}
	return osName + " - " + browser
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// parseStatsd parses a statsd-like "name:value|t" line, t in
// {c, m, ms, h, g, s}, mapped respectively to count, count,
// num|s (value/1000), num, num, cat.
func parseStatsd(text string) (string, map[string]any, error) {
	line := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	name, rest, found := strings.Cut(line, ":")
	if !found || name == "" {
		return "", nil, errBadDatagram
	}
	value, typ, found := strings.Cut(rest, "|")
	if !found {
		return "", nil, errBadDatagram
	}

	measurements := map[string]any{}
	switch typ {
	case "c", "m":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			measurements[name+"|count"] = f
		} else {
			measurements[name+"|count"] = nil
		}
	case "ms":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", nil, errBadDatagram
		}
		measurements[name+"|num|s"] = f / 1000
	case "h", "g":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", nil, errBadDatagram
		}
		measurements[name+"|num"] = f
	case "s":
		measurements[name+"|cat"] = value
	default:
		return "", nil, errBadDatagram
	}
	return "other", measurements, nil
}

var errBadDatagram = &datagramError{"unrecognized datagram"}

type datagramError struct{ msg string }

func (e *datagramError) Error() string { return e.msg }
