package deploy

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/cuemby/paasd/pkg/container"
	"github.com/cuemby/paasd/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func fakeDockerNoExistingContainers(t *testing.T) *container.Driver {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script requires a POSIX shell")
	}
	script := `
case "$1 $2" in
  "container ls") exit 0 ;;
esac
case "$1" in
  build) exit 0 ;;
  run) echo "fake-container-id"; exit 0 ;;
  rename) exit 0 ;;
  stop) exit 0 ;;
  start) exit 0 ;;
  rm) exit 0 ;;
esac
exit 0
`
	path := filepath.Join(t.TempDir(), "fake-docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return container.New(path)
}

func mustManifest(t *testing.T, dockerfile string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(strings.NewReader(dockerfile), nil)
	require.NoError(t, err)
	return m
}

func TestDeployNoScaleStartsNewContainer(t *testing.T) {
	drv := fakeDockerNoExistingContainers(t)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n")

	var lines []string
	err := o.Deploy(context.Background(), m, t.TempDir(), func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	require.Contains(t, strings.Join(lines, "\n"), "building image")
	require.Contains(t, strings.Join(lines, "\n"), "starting new container web")
	require.Contains(t, strings.Join(lines, "\n"), "done deploying web")
}

func TestDeployScaleRollStartsAllInstances(t *testing.T) {
	drv := fakeDockerNoExistingContainers(t)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n# mypaas.scale=3\n")

	var lines []string
	err := o.Deploy(context.Background(), m, t.TempDir(), func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	require.Contains(t, joined, "web.1")
	require.Contains(t, joined, "web.2")
	require.Contains(t, joined, "web.3")
	require.Contains(t, joined, "rolling deploy")
}

func TestDeployScaleSafeStartsAllInstances(t *testing.T) {
	drv := fakeDockerNoExistingContainers(t)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n# mypaas.scale=safe 2\n")

	var lines []string
	err := o.Deploy(context.Background(), m, t.TempDir(), func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	require.Contains(t, joined, "web.1")
	require.Contains(t, joined, "web.2")
}

func TestDeployRollsBackOnRunFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script requires a POSIX shell")
	}
	script := `
case "$1 $2" in
  "container ls") exit 0 ;;
esac
case "$1" in
  build) exit 0 ;;
  run) echo "run failed" >&2; exit 1 ;;
  rename) exit 0 ;;
  stop) exit 0 ;;
  start) exit 0 ;;
  rm) exit 0 ;;
esac
exit 0
`
	path := filepath.Join(t.TempDir(), "fake-docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	drv := container.New(path)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n")

	var lines []string
	err := o.Deploy(context.Background(), m, t.TempDir(), func(l string) { lines = append(lines, l) })
	require.Error(t, err)
	require.Contains(t, strings.Join(lines, "\n"), "fail -> recovering")
}

func TestBuildRunOptionsRejectsURLCollisionWithOtherService(t *testing.T) {
	drv := fakeDockerNoExistingContainers(t)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n# mypaas.url=https://example.com\n")

	infos := []containerInfo{
		{ID: "other1", Name: "other", IsThisService: false, Labels: map[string]string{
			"traefik.http.routers.example-com-router.rule": "Host(`example.com`)",
		}},
	}
	_, err := o.buildRunOptions(m, infos)
	require.Error(t, err)
}

func TestBuildRunOptionsSetsEnvVars(t *testing.T) {
	drv := fakeDockerNoExistingContainers(t)
	o := New(drv)
	m := mustManifest(t, "# mypaas.service=web\n# mypaas.port=9090\n")

	opts, err := o.buildRunOptions(m, nil)
	require.NoError(t, err)
	require.Equal(t, "web", opts.Env["MYPAAS_SERVICE"])
	require.Equal(t, "None", opts.Env["MYPAAS_SCALE"])
	require.Equal(t, "9090", opts.Env["MYPAAS_PORT"])
}

func TestValidatedVolumesRejectsForbiddenDir(t *testing.T) {
	_, err := validatedVolumes([]string{"~/.ssh:/root/.ssh"})
	require.Error(t, err)
}

func TestValidatedVolumesAcceptsHomeSubdir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home-relative path handling differs on windows")
	}
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	sub := filepath.Join(home, "paasd-test-volume-"+t.Name())
	defer os.RemoveAll(sub)

	volumes, err := validatedVolumes([]string{sub + ":/data"})
	require.NoError(t, err)
	require.Len(t, volumes, 1)
}
