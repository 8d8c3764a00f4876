package daemon

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/paasd/pkg/log"
)

// containerEnvVar is the env var set on every deployed container
// (pkg/deploy's runOptionsFor), used here to discover which running
// processes belong to which service.
const containerEnvVar = "MYPAAS_CONTAINER="

// TelemetryProducer is the daemon's background resource-usage
// reporter: it samples host and per-service CPU/mem every second,
// host disk and the service-process map every ten seconds, and
// detects service restarts by watching each tracked process's
// creation time. All samples are sent as JSON UDP datagrams to the
// ingest listener's own address — genuine loopback, not a direct
// in-process call, matching how application services report in.
type TelemetryProducer struct {
	ingestAddr string
	conn       *net.UDPConn

	mu        sync.Mutex
	processes map[string]*trackedProcess // container name -> process
}

type trackedProcess struct {
	proc       *process.Process
	createTime int64
}

// NewTelemetryProducer dials ingestAddr (the daemon's own UDP ingest
// listener) for subsequent sends.
func NewTelemetryProducer(ingestAddr string) (*TelemetryProducer, error) {
	addr, err := net.ResolveUDPAddr("udp", ingestAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &TelemetryProducer{
		ingestAddr: ingestAddr,
		conn:       conn,
		processes:  map[string]*trackedProcess{},
	}, nil
}

// Run blocks, sampling until ctx is cancelled.
func (t *TelemetryProducer) Run(ctx context.Context) {
	fast := time.NewTicker(time.Second)
	slow := time.NewTicker(10 * time.Second)
	defer fast.Stop()
	defer slow.Stop()
	defer t.conn.Close()

	t.rescanProcesses()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			t.sampleFast()
		case <-slow.C:
			t.sampleSlow()
		}
	}
}

// sampleFast reports system-wide and per-service CPU/mem, the
// original daemon's 1-second tier.
func (t *TelemetryProducer) sampleFast() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		t.send("system", map[string]any{"cpu|num|%": pct[0]})
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		t.send("system", map[string]any{"mem|num|iB": float64(vm.Used)})
	}

	t.mu.Lock()
	tracked := make(map[string]*trackedProcess, len(t.processes))
	for name, tp := range t.processes {
		tracked[name] = tp
	}
	t.mu.Unlock()

	for name, tp := range tracked {
		cpuPct, err := tp.proc.CPUPercent()
		if err != nil {
			continue
		}
		memInfo, err := tp.proc.MemoryInfo()
		if err != nil {
			continue
		}
		t.send(name, map[string]any{
			"cpu|num|%": cpuPct,
			"mem|num|iB": float64(memInfo.RSS),
		})
	}
}

// sampleSlow reports host disk usage, re-scans the tracked service
// processes, and emits a startup event for any process whose creation
// time changed while its uptime is still under a minute — the
// original daemon's 10-second tier.
func (t *TelemetryProducer) sampleSlow() {
	if du, err := disk.Usage("/"); err == nil {
		t.send("system", map[string]any{"disk|num|iB": float64(du.Used)})
	}
	t.rescanProcesses()
}

// rescanProcesses walks every running process, keeping the ones whose
// environment carries MYPAAS_CONTAINER, keyed by that container name.
// A changed creation time with uptime under 60s is reported as a
// startup event.
func (t *TelemetryProducer) rescanProcesses() {
	procs, err := process.Processes()
	if err != nil {
		log.Errorf("telemetry: failed to list processes", err)
		return
	}

	found := map[string]*trackedProcess{}
	for _, p := range procs {
		name, ok := serviceNameFromEnviron(p)
		if !ok {
			continue
		}
		createTime, err := p.CreateTime()
		if err != nil {
			continue
		}
		found[name] = &trackedProcess{proc: p, createTime: createTime}
	}

	t.mu.Lock()
	prev := t.processes
	t.processes = found
	t.mu.Unlock()

	for name, tp := range found {
		old, existed := prev[name]
		if !existed || old.createTime == tp.createTime {
			continue
		}
		uptimeMs := time.Now().UnixMilli() - tp.createTime
		if uptimeMs < 60*1000 {
			t.send(name, map[string]any{"startup|count": 1})
		}
	}
}

func serviceNameFromEnviron(p *process.Process) (string, bool) {
	env, err := p.Environ()
	if err != nil {
		return "", false
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, containerEnvVar) {
			return strings.TrimPrefix(kv, containerEnvVar), true
		}
	}
	return "", false
}

// send JSON-encodes {"group": group, ...measurements} and fires it at
// the ingest listener, best-effort (a dropped UDP datagram is not
// retried).
func (t *TelemetryProducer) send(group string, measurements map[string]any) {
	payload := make(map[string]any, len(measurements)+1)
	payload["group"] = group
	for k, v := range measurements {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := t.conn.Write(data); err != nil {
		log.Errorf("telemetry: failed to send datagram", err)
	}
}
