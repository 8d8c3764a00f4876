package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasicDirectives(t *testing.T) {
	dockerfile := `FROM scratch
# mypaas.service = web
# mypaas.url = https://example.com/
# mypaas.port=8080
# mypaas.volume=data:/data
# mypaas.maxcpu=1.5
# mypaas.maxmem=512m
`
	m, err := Parse(strings.NewReader(dockerfile), nil)
	require.NoError(t, err)
	require.Equal(t, "web", m.ServiceName)
	require.Len(t, m.URLs, 1)
	require.Equal(t, "example.com", m.URLs[0].Host)
	require.Equal(t, 8080, m.Port)
	require.Equal(t, []string{"data:/data"}, m.Volumes)
	require.Equal(t, "1.5", m.MaxCPU)
	require.Equal(t, "512m", m.MaxMem)
}

func TestParseRejectsMissingServiceName(t *testing.T) {
	_, err := Parse(strings.NewReader("FROM scratch\n"), nil)
	require.Error(t, err)
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.bogus=1\n"), nil)
	require.Error(t, err)
}

func TestParseScaleDirectiveExtractsOption(t *testing.T) {
	m, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.scale=safe 3\n"), nil)
	require.NoError(t, err)
	require.NotNil(t, m.Scale)
	require.Equal(t, 3, *m.Scale)
	require.Equal(t, "safe", m.ScaleOption)
}

func TestParseScaleDirectiveDefaultsToRoll(t *testing.T) {
	m, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.scale=2\n"), nil)
	require.NoError(t, err)
	require.Equal(t, "roll", m.ScaleOption)
	require.Equal(t, 2, *m.Scale)
}

func TestParseHealthcheckDirective(t *testing.T) {
	m, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.healthcheck=/health 10s 2s\n"), nil)
	require.NoError(t, err)
	require.NotNil(t, m.Healthcheck)
	require.Equal(t, "/health", m.Healthcheck.Path)
	require.Equal(t, "10s", m.Healthcheck.Interval)
	require.Equal(t, "2s", m.Healthcheck.Timeout)
}

func TestParseHealthcheckRejectsBadShape(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.healthcheck=health 10s 2s\n"), nil)
	require.Error(t, err)

	_, err = Parse(strings.NewReader("# mypaas.service=web\n# mypaas.healthcheck=/health 10 2s\n"), nil)
	require.Error(t, err)
}

func TestParseEnvDirectiveInline(t *testing.T) {
	m, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.env=FOO=bar\n"), nil)
	require.NoError(t, err)
	require.Equal(t, "bar", m.Env["FOO"])
}

func TestParseEnvDirectiveFromSecrets(t *testing.T) {
	secrets := map[string]string{"DATABASE_URL": "postgres://x"}
	m, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.env=DATABASE_URL\n"), secrets)
	require.NoError(t, err)
	require.Equal(t, "postgres://x", m.Env["DATABASE_URL"])
}

func TestParseEnvDirectiveMissingSecretErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.env=MISSING\n"), nil)
	require.Error(t, err)
}

func TestParseURLRejectsNonHTTPScheme(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.url=ftp://example.com\n"), nil)
	require.Error(t, err)
}

func TestParseURLRejectsQueryString(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.url=https://example.com/?x=1\n"), nil)
	require.Error(t, err)
}

func TestParseMaxMemRejectsInvalidChars(t *testing.T) {
	_, err := Parse(strings.NewReader("# mypaas.service=web\n# mypaas.maxmem=512mb!\n"), nil)
	require.Error(t, err)
}

func TestCleanNameReplacesInvalidChars(t *testing.T) {
	name, err := CleanName("--my/service!!", "/")
	require.NoError(t, err)
	require.Equal(t, "my/service--", name)
}

func TestCleanNameRejectsAllInvalid(t *testing.T) {
	_, err := CleanName("!!!", "")
	require.Error(t, err)
}

func TestTraefikServiceNameStripsTrailingDash(t *testing.T) {
	name, err := TraefikServiceName("web-")
	require.NoError(t, err)
	require.Equal(t, "web-service", name)
}
