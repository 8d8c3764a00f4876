// Package manifest parses the "mypaas."-style deploy directives (C8)
// embedded as Dockerfile comments, the way the daemon reads deploy
// configuration directly out of the Dockerfile being built.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/paasd/pkg/paaserr"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

// CleanName sanitizes name, replacing any character not in alphabet
// or allowedChars with a dash, then trimming leading dashes.
func CleanName(name, allowedChars string) (string, error) {
	ok := alphabet + allowedChars
	var b strings.Builder
	for _, c := range name {
		if strings.ContainsRune(ok, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}
	cleaned := strings.TrimLeft(b.String(), "-")
	if cleaned == "" {
		return "", paaserr.New(paaserr.Config, "manifest.CleanName", fmt.Errorf("no valid chars in name %q", name))
	}
	return cleaned, nil
}

// Healthcheck is the parsed "mypaas.healthcheck" directive.
type Healthcheck struct {
	Path     string
	Interval string
	Timeout  string
}

// Manifest is the full set of deploy directives read from a
// Dockerfile's "# mypaas.*" comment lines.
type Manifest struct {
	ServiceName string
	Port        int
	Portmaps    []string
	Scale       *int
	ScaleOption string // "safe" or "roll"
	URLs        []*url.URL
	Volumes     []string
	Env         map[string]string
	MaxCPU      string
	MaxMem      string
	Healthcheck *Healthcheck
}

// Parse reads deploy directives out of a Dockerfile's contents.
// secrets resolves bare "mypaas.env=KEY" references against the
// daemon's own configured environment.
func Parse(r io.Reader, secrets map[string]string) (*Manifest, error) {
	m := &Manifest{
		Port:        80,
		ScaleOption: "roll",
		Env:         map[string]string{},
	}

	const stripChars = "'\" \t\r\n"

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		directive := strings.TrimLeft(trimmed, "# \t")
		if !strings.HasPrefix(directive, "mypaas.") {
			continue
		}

		key, val, _ := strings.Cut(directive, "=")
		key = strings.Trim(key, stripChars)
		val = strings.Trim(val, stripChars)
		if val == "" {
			continue
		}

		if err := m.apply(key, val, secrets); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, paaserr.New(paaserr.Config, "manifest.Parse", err)
	}

	if m.ServiceName == "" {
		return nil, paaserr.New(paaserr.Config, "manifest.Parse",
			fmt.Errorf("no service name given; use '# mypaas.service=xxxx' in the Dockerfile"))
	}
	cleaned, err := CleanName(m.ServiceName, ".-/")
	if err != nil {
		return nil, err
	}
	m.ServiceName = cleaned

	return m, nil
}

func (m *Manifest) apply(key, val string, secrets map[string]string) error {
	switch key {
	case "mypaas.service":
		m.ServiceName = val

	case "mypaas.url":
		u, err := url.Parse(val)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return paaserr.New(paaserr.Config, "manifest.url", fmt.Errorf("invalid mypaas.url: %s", val))
		}
		if u.RawQuery != "" || u.Fragment != "" || strings.Contains(u.Path, ";") {
			return paaserr.New(paaserr.Config, "manifest.url", fmt.Errorf("too precise mypaas.url: %s", val))
		}
		m.URLs = append(m.URLs, u)

	case "mypaas.volume":
		m.Volumes = append(m.Volumes, val)

	case "mypaas.port":
		port, err := strconv.Atoi(val)
		if err != nil {
			return paaserr.New(paaserr.Config, "manifest.port", err)
		}
		m.Port = port

	case "mypaas.publish":
		m.Portmaps = append(m.Portmaps, val)

	case "mypaas.scale":
		remaining := val
		option := m.ScaleOption
		for _, opt := range []string{"safe", "roll"} {
			if strings.Contains(remaining, opt) {
				option = opt
				remaining = strings.TrimSpace(strings.ReplaceAll(remaining, opt, ""))
			}
		}
		scale, err := strconv.Atoi(remaining)
		if err != nil {
			return paaserr.New(paaserr.Config, "manifest.scale", err)
		}
		m.ScaleOption = option
		m.Scale = &scale

	case "mypaas.healthcheck":
		parts := strings.Fields(val)
		if len(parts) != 3 {
			return paaserr.New(paaserr.Config, "manifest.healthcheck",
				fmt.Errorf("healthcheck must be '/path interval timeout'"))
		}
		if !strings.HasPrefix(parts[0], "/") {
			return paaserr.New(paaserr.Config, "manifest.healthcheck",
				fmt.Errorf("healthcheck path must start with '/'"))
		}
		if !hasDurationSuffix(parts[1]) {
			return paaserr.New(paaserr.Config, "manifest.healthcheck",
				fmt.Errorf("healthcheck interval must end in 'ms', 's', 'm' or 'h'"))
		}
		if !hasDurationSuffix(parts[2]) {
			return paaserr.New(paaserr.Config, "manifest.healthcheck",
				fmt.Errorf("healthcheck timeout must end in 'ms', 's', 'm' or 'h'"))
		}
		m.Healthcheck = &Healthcheck{Path: parts[0], Interval: parts[1], Timeout: parts[2]}

	case "mypaas.env":
		val = strings.TrimSpace(val)
		if k, v, found := strings.Cut(val, "="); found {
			m.Env[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else if v, ok := secrets[val]; ok {
			m.Env[strings.TrimSpace(val)] = strings.TrimSpace(v)
		} else {
			return paaserr.New(paaserr.Config, "manifest.env",
				fmt.Errorf("env %q is not found in the daemon's configured secrets", val))
		}

	case "mypaas.maxcpu":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return paaserr.New(paaserr.Config, "manifest.maxcpu", err)
		}
		m.MaxCPU = strconv.FormatFloat(f, 'f', -1, 64)

	case "mypaas.maxmem":
		for _, c := range val {
			if !strings.ContainsRune("0123456789kmgtKMGT", c) {
				return paaserr.New(paaserr.Config, "manifest.maxmem",
					fmt.Errorf("invalid mypaas.maxmem: %s", val))
			}
		}
		m.MaxMem = val

	default:
		return paaserr.New(paaserr.Config, "manifest.apply", fmt.Errorf("invalid mypaas deploy option: %s", key))
	}
	return nil
}

// hasDurationSuffix reports whether s ends in one of the four
// duration unit suffixes "ms", "s", "m" or "h".
func hasDurationSuffix(s string) bool {
	for _, suffix := range []string{"ms", "s", "m", "h"} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// TraefikServiceName derives the router service identifier for this
// manifest's service name, e.g. "web" -> "web-service".
func TraefikServiceName(serviceName string) (string, error) {
	cleaned, err := CleanName(serviceName, "")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(cleaned, "-") + "-service", nil
}
