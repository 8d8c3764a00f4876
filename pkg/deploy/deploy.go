// Package deploy implements the Deploy Orchestrator (C9): a state
// machine that computes a target container specification from a
// parsed manifest and executes atomic or rolling replacement of a
// service, rolling back on failure.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/paasd/pkg/container"
	"github.com/cuemby/paasd/pkg/health"
	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/manifest"
	"github.com/cuemby/paasd/pkg/paaserr"
	"github.com/google/uuid"
)

// Network is the bridge network every service container joins, so
// services can reach each other by container name.
const Network = "paasd-net"

// forbiddenDirs may never be used as a volume's host directory, nor
// may any path beneath them.
var forbiddenDirs = []string{"~/.ssh", "~/_mypaas"}

// Progress is called once per human-readable step of a deploy attempt.
type Progress func(line string)

// Orchestrator drives deploys through a Container Driver.
type Orchestrator struct {
	driver *container.Driver
}

// New creates an Orchestrator that issues commands through driver.
func New(driver *container.Driver) *Orchestrator {
	return &Orchestrator{driver: driver}
}

type containerInfo struct {
	ID            string
	Name          string
	Labels        map[string]string
	IsThisService bool
}

// Deploy runs one complete deploy attempt for m, reading the build
// context from deployDir, and reports each step to progress.
func (o *Orchestrator) Deploy(ctx context.Context, m *manifest.Manifest, deployDir string, progress Progress) error {
	if progress == nil {
		progress = func(string) {}
	}
	deployID := uuid.New().String()

	imageName, err := manifest.CleanName(m.ServiceName, ".-:/")
	if err != nil {
		return err
	}
	baseContainerName, err := manifest.CleanName(imageName, ".-")
	if err != nil {
		return err
	}

	infos, err := o.listContainerInfos(ctx, baseContainerName)
	if err != nil {
		return err
	}

	runBase, err := o.buildRunOptions(m, infos)
	if err != nil {
		return err
	}

	log.Logger.Info().
		Str("deploy_id", deployID).
		Str("service", m.ServiceName).
		Msg("deploy starting")

	switch {
	case m.Scale != nil && *m.Scale > 0 && m.ScaleOption == "safe":
		return o.deployScaleSafe(ctx, infos, deployDir, m, imageName, baseContainerName, runBase, progress)
	case m.Scale != nil && *m.Scale > 0:
		return o.deployScaleRoll(ctx, infos, deployDir, m, imageName, baseContainerName, runBase, progress)
	default:
		return o.deployNoScale(ctx, infos, deployDir, m, imageName, baseContainerName, runBase, progress)
	}
}

// listContainerInfos snapshots currently-running containers, tagging
// each one that belongs to baseContainerName's service.
func (o *Orchestrator) listContainerInfos(ctx context.Context, baseContainerName string) ([]containerInfo, error) {
	raw, err := o.driver.List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := baseContainerName + "."
	infos := make([]containerInfo, 0, len(raw))
	for _, r := range raw {
		infos = append(infos, containerInfo{
			ID:            r.ID,
			Name:          r.Name,
			Labels:        r.Labels,
			IsThisService: r.Name == baseContainerName || strings.HasPrefix(r.Name, prefix),
		})
	}
	return infos, nil
}

type idName struct {
	ID   string
	Name string
}

// idNamesForService returns this service's current containers ordered
// by name, mirroring get_id_name_for_this_service's sort-then-map.
func idNamesForService(infos []containerInfo) []idName {
	var pairs []idName
	for _, info := range infos {
		if info.IsThisService {
			pairs = append(pairs, idName{ID: info.ID, Name: info.Name})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

// buildRunOptions computes the shared container.RunOptions (labels,
// limits, volumes, env) common to every instance this deploy starts,
// validating volumes and checking for cross-service URL collisions.
func (o *Orchestrator) buildRunOptions(m *manifest.Manifest, infos []containerInfo) (container.RunOptions, error) {
	opts := container.RunOptions{
		Network:       Network,
		Publish:       append([]string{}, m.Portmaps...),
		MaxCPU:        m.MaxCPU,
		MaxMemory:     m.MaxMem,
		AlwaysRestart: true,
		Env:           map[string]string{},
	}

	traefikServiceName, err := manifest.TraefikServiceName(m.ServiceName)
	if err != nil {
		return opts, err
	}
	traefikService := "traefik.http.services." + traefikServiceName

	var labels []string
	label := func(s string) { labels = append(labels, s) }

	// Not part of the original directive-to-label translation; added
	// so pkg/metrics can group container counts by service without
	// guessing at container-name conventions.
	label("paasd.service=" + m.ServiceName)

	if len(m.URLs) > 0 {
		label("traefik.enable=true")
		label(fmt.Sprintf("%s.loadbalancer.server.port=%d", traefikService, m.Port))
		if m.Healthcheck != nil && m.Scale != nil && *m.Scale > 0 {
			label(fmt.Sprintf("%s.loadbalancer.healthCheck.path=%s", traefikService, m.Healthcheck.Path))
			label(fmt.Sprintf("%s.loadbalancer.healthCheck.interval=%s", traefikService, m.Healthcheck.Interval))
			label(fmt.Sprintf("%s.loadbalancer.healthCheck.timeout=%s", traefikService, m.Healthcheck.Timeout))
		}
	}

	for _, u := range m.URLs {
		routerName, err := manifest.CleanName(u.Host+u.Path, "")
		if err != nil {
			return opts, err
		}
		routerName = strings.Trim(routerName, "-") + "-router"
		routerInsecure := strings.TrimSuffix(routerName, "-router") + "-https-redirect"

		rule := fmt.Sprintf("Host(`%s`)", u.Host)
		if len(u.Path) > 0 {
			rule += fmt.Sprintf(" && PathPrefix(`%s`)", u.Path)
		}

		for _, info := range infos {
			if info.IsThisService {
				continue
			}
			for _, v := range info.Labels {
				if v == rule {
					return opts, paaserr.New(paaserr.Config, "deploy.buildRunOptions",
						fmt.Errorf("url %s%s is already used in %s", u.Host, u.Path, info.Name))
				}
			}
		}

		if u.Scheme == "https" {
			label(fmt.Sprintf("traefik.http.routers.%s.rule=%s", routerName, rule))
			label(fmt.Sprintf("traefik.http.routers.%s.entrypoints=web-secure", routerName))
			label(fmt.Sprintf("traefik.http.routers.%s.tls.certresolver=default", routerName))
			label(fmt.Sprintf("traefik.http.routers.%s.tls.options=intermediate@file", routerName))
			label(fmt.Sprintf("traefik.http.routers.%s.middlewares=hsts-header@file", routerName))
			label(fmt.Sprintf("traefik.http.routers.%s.rule=%s", routerInsecure, rule))
			label(fmt.Sprintf("traefik.http.routers.%s.entrypoints=web", routerInsecure))
			label(fmt.Sprintf("traefik.http.routers.%s.middlewares=https-redirect@file", routerInsecure))
		} else {
			label(fmt.Sprintf("traefik.http.routers.%s.rule=%s", routerName, rule))
			label(fmt.Sprintf("traefik.http.routers.%s.entrypoints=web", routerName))
		}

		if m.ServiceName == "stats" {
			label(fmt.Sprintf("traefik.http.routers.%s.middlewares=auth@file", routerName))
		}
	}
	opts.Labels = labels

	volumes, err := validatedVolumes(m.Volumes)
	if err != nil {
		return opts, err
	}
	opts.Volumes = volumes

	for k, v := range m.Env {
		opts.Env[k] = v
	}
	opts.Env["MYPAAS_SERVICE"] = m.ServiceName
	opts.Env["MYPAAS_SCALE"] = scaleString(m.Scale)
	opts.Env["MYPAAS_PORT"] = strconv.Itoa(m.Port)

	return opts, nil
}

func scaleString(scale *int) string {
	if scale == nil {
		return "None"
	}
	return strconv.Itoa(*scale)
}

// validatedVolumes resolves each "host:container" volume spec,
// rejecting any whose host directory falls outside $HOME or inside a
// forbidden directory, and ensures the host directory exists.
func validatedVolumes(volumes []string) ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, paaserr.New(paaserr.Config, "deploy.validatedVolumes", err)
	}

	forbidden := make([]string, 0, len(forbiddenDirs)*2)
	for _, d := range forbiddenDirs {
		forbidden = append(forbidden, d)
		if strings.HasPrefix(d, "~") {
			forbidden = append(forbidden, filepath.Join(home, strings.TrimPrefix(d, "~")))
		}
	}

	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		hostDir, containerDir, found := strings.Cut(v, ":")
		if !found {
			return nil, paaserr.New(paaserr.Config, "deploy.validatedVolumes", fmt.Errorf("invalid volume spec: %s", v))
		}
		if strings.HasPrefix(hostDir, "~") {
			hostDir = filepath.Join(home, strings.TrimPrefix(hostDir, "~"))
		}
		hostDir = filepath.Clean(hostDir)
		if !strings.HasPrefix(hostDir, home) {
			return nil, paaserr.New(paaserr.Config, "deploy.validatedVolumes", fmt.Errorf("cannot map a volume onto %s", hostDir))
		}
		for _, d := range forbidden {
			if strings.HasPrefix(hostDir, d) {
				return nil, paaserr.New(paaserr.Config, "deploy.validatedVolumes", fmt.Errorf("cannot map a volume onto %s", hostDir))
			}
		}
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return nil, paaserr.New(paaserr.Runtime, "deploy.validatedVolumes", err)
		}
		out = append(out, hostDir+":"+containerDir)
	}
	return out, nil
}

// renameOld renames every existing container for this service to a
// uniquely-timestamped ".old.<ts>.<i>" name, force-removing any whose
// rename fails (a crashed container).
func (o *Orchestrator) renameOld(ctx context.Context, baseContainerName string, old []idName, progress Progress) {
	unique := strconv.FormatInt(time.Now().Unix(), 10)
	progress(fmt.Sprintf("renaming %d container(s)", len(old)))
	for i, c := range old {
		newName := fmt.Sprintf("%s.old.%s.%d", baseContainerName, unique, i+1)
		if err := o.driver.Rename(ctx, c.ID, newName); err != nil {
			progress("rename failed, probably a crashed container -> removing")
			_ = o.driver.Remove(ctx, c.ID)
		}
	}
}

func (o *Orchestrator) stopAll(ctx context.Context, old []idName, progress Progress) {
	for _, c := range old {
		progress(fmt.Sprintf("stopping container (was %s)", c.Name))
		_ = o.driver.Stop(ctx, c.ID)
	}
}

func (o *Orchestrator) removeAll(ctx context.Context, old []idName, progress Progress) {
	progress(fmt.Sprintf("removing %d old container(s)", len(old)))
	for _, c := range old {
		_ = o.driver.Remove(ctx, c.ID)
	}
}

func (o *Orchestrator) restoreOld(ctx context.Context, old []idName, skip map[string]bool) {
	for _, c := range old {
		if skip[c.ID] {
			continue
		}
		_ = o.driver.Rename(ctx, c.ID, c.Name)
		_ = o.driver.Start(ctx, c.ID)
	}
}

func (o *Orchestrator) prune(ctx context.Context, progress Progress) {
	progress("pruning")
	_ = o.driver.ContainerPrune(ctx)
	_ = o.driver.ImagePrune(ctx)
}

// verify polls the manifest's healthcheck endpoint (when declared and
// a host port is published) until it reports healthy, gives up early
// after health.DefaultConfig's Retries consecutive failures, or the
// healthcheck's own timeout elapses. A manifest with no healthcheck, or
// no published port to reach the container on, is a no-op: Traefik
// performs its own load-balancer health gating via the labels already
// attached in buildRunOptions.
func (o *Orchestrator) verify(ctx context.Context, m *manifest.Manifest, progress Progress) {
	if m.Healthcheck == nil || len(m.Portmaps) == 0 {
		return
	}
	hostPort, _, _ := strings.Cut(m.Portmaps[0], ":")
	if hostPort == "" {
		return
	}
	timeout, err := time.ParseDuration(m.Healthcheck.Timeout)
	if err != nil {
		return
	}
	interval, err := time.ParseDuration(m.Healthcheck.Interval)
	if err != nil || interval <= 0 {
		interval = time.Second
	}

	cfg := health.DefaultConfig()
	cfg.Interval = interval
	cfg.Timeout = timeout

	url := fmt.Sprintf("http://127.0.0.1:%s%s", hostPort, m.Healthcheck.Path)
	checker := health.NewHTTPChecker(url).WithTimeout(timeout)
	status := health.NewStatus()

	progress(fmt.Sprintf("verifying health at %s", url))
	deadline := time.Now().Add(timeout)
	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if result.Healthy {
			progress("health check passed")
			return
		}
		if status.ConsecutiveFailures >= cfg.Retries {
			progress(fmt.Sprintf("health check failed %d consecutive times, giving up early", status.ConsecutiveFailures))
			return
		}
		if time.Now().After(deadline) {
			progress("health check did not pass within the timeout, continuing anyway")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func runOptionsFor(base container.RunOptions, image, name, containerEnvName string) container.RunOptions {
	opts := base
	opts.Image = image
	opts.Name = name
	opts.Env = make(map[string]string, len(base.Env)+1)
	for k, v := range base.Env {
		opts.Env[k] = v
	}
	opts.Env["MYPAAS_CONTAINER"] = containerEnvName
	return opts
}

// deployNoScale replaces a single unscaled container: rename, stop,
// start the replacement, and roll back to the old container on failure.
func (o *Orchestrator) deployNoScale(ctx context.Context, infos []containerInfo, deployDir string, m *manifest.Manifest, imageName, baseContainerName string, runBase container.RunOptions, progress Progress) error {
	newName := baseContainerName

	progress(fmt.Sprintf("deploying %s to container %s", m.ServiceName, newName))
	progress("building image")
	if err := o.driver.Build(ctx, imageName, deployDir); err != nil {
		return err
	}

	old := idNamesForService(infos)
	o.renameOld(ctx, baseContainerName, old, progress)
	o.stopAll(ctx, old, progress)

	progress(fmt.Sprintf("starting new container %s", newName))
	opts := runOptionsFor(runBase, imageName, newName, newName)
	if _, err := o.driver.Run(ctx, opts); err != nil {
		progress("fail -> recovering")
		_ = o.driver.Remove(ctx, newName)
		o.restoreOld(ctx, old, nil)
		return err
	}

	o.verify(ctx, m, progress)
	o.removeAll(ctx, old, progress)
	o.prune(ctx, progress)
	progress(fmt.Sprintf("done deploying %s", m.ServiceName))
	return nil
}

// deployScaleSafe replaces the whole pool at once: rename+stop all
// old containers up front, then start every replacement; on failure,
// stop and remove whatever new containers were started and restore
// the old pool.
func (o *Orchestrator) deployScaleSafe(ctx context.Context, infos []containerInfo, deployDir string, m *manifest.Manifest, imageName, baseContainerName string, runBase container.RunOptions, progress Progress) error {
	scale := *m.Scale
	progress(fmt.Sprintf("deploying %s to containers %s.1..%d", m.ServiceName, baseContainerName, scale))
	progress("building image")
	if err := o.driver.Build(ctx, imageName, deployDir); err != nil {
		return err
	}

	old := idNamesForService(infos)
	o.renameOld(ctx, baseContainerName, old, progress)
	o.stopAll(ctx, old, progress)

	var newNames []string
	for i := 1; i <= scale; i++ {
		newName := fmt.Sprintf("%s.%d", baseContainerName, i)
		progress(fmt.Sprintf("starting new container %s", newName))
		newNames = append(newNames, newName)
		opts := runOptionsFor(runBase, imageName, newName, newName)
		if _, err := o.driver.Run(ctx, opts); err != nil {
			progress("fail -> recovering")
			for _, n := range newNames {
				_ = o.driver.Stop(ctx, n)
				_ = o.driver.Remove(ctx, n)
			}
			o.restoreOld(ctx, old, nil)
			return err
		}
	}

	o.verify(ctx, m, progress)
	o.removeAll(ctx, old, progress)
	o.prune(ctx, progress)
	progress(fmt.Sprintf("done deploying %s", m.ServiceName))
	return nil
}

// deployScaleRoll interleaves starts and stops: each new container is
// started, then (if an old one remains) one old container is stopped
// after a pause sized so the new container has time to boot.
func (o *Orchestrator) deployScaleRoll(ctx context.Context, infos []containerInfo, deployDir string, m *manifest.Manifest, imageName, baseContainerName string, runBase container.RunOptions, progress Progress) error {
	scale := *m.Scale
	progress(fmt.Sprintf("rolling deploy of %s to containers %s.1..%d", m.ServiceName, baseContainerName, scale))
	progress("building image")
	if err := o.driver.Build(ctx, imageName, deployDir); err != nil {
		return err
	}

	old := idNamesForService(infos)
	o.renameOld(ctx, baseContainerName, old, progress)
	time.Sleep(2 * time.Second)

	oldPool := append([]idName{}, old...)
	var newPool []string

	const expectedBootSeconds = 5.0
	pauseDenominator := len(oldPool)
	if pauseDenominator < 1 {
		pauseDenominator = 1
	}
	pausePerStep := time.Duration((1.0 + expectedBootSeconds/float64(pauseDenominator)) * float64(time.Second))

	stopped := map[string]bool{}
	for i := 1; i <= scale; i++ {
		newName := fmt.Sprintf("%s.%d", baseContainerName, i)
		progress(fmt.Sprintf("starting new container %s (and wait %s)", newName, pausePerStep))
		newPool = append(newPool, newName)
		opts := runOptionsFor(runBase, imageName, newName, newName)
		if _, err := o.driver.Run(ctx, opts); err != nil {
			progress("fail -> recovering")
			for _, n := range newPool {
				_ = o.driver.Stop(ctx, n)
				_ = o.driver.Remove(ctx, n)
			}
			o.restoreOld(ctx, old, stopped)
			return err
		}
		if len(oldPool) > 0 {
			time.Sleep(pausePerStep)
			victim := oldPool[0]
			oldPool = oldPool[1:]
			stopped[victim.ID] = true
			progress(fmt.Sprintf("stopping old container (was %s)", victim.Name))
			_ = o.driver.Stop(ctx, victim.ID)
			time.Sleep(500 * time.Millisecond)
		}
	}

	o.verify(ctx, m, progress)

	for _, c := range oldPool {
		progress(fmt.Sprintf("stopping old container (was %s)", c.Name))
		_ = o.driver.Stop(ctx, c.ID)
	}
	o.removeAll(ctx, old, progress)
	o.prune(ctx, progress)
	progress(fmt.Sprintf("done deploying %s", m.ServiceName))
	return nil
}
