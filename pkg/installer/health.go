package installer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
)

// probeOnce runs a single attempt of one health probe. http/tcp probes
// dial the target device directly; command probes run over SSH, since
// "a command succeeded" is only meaningful on the host running the
// service.
func (in *Installer) probeOnce(ctx context.Context, t sshexec.Target, probe tmpl.HealthProbe) (bool, string) {
	switch probe.Kind {
	case tmpl.ProbeHTTP:
		return in.probeHTTP(ctx, t, probe)
	case tmpl.ProbeTCP:
		return in.probeTCP(ctx, t, probe)
	case tmpl.ProbeCommand:
		return in.probeCommand(ctx, t, probe)
	default:
		return false, fmt.Sprintf("unsupported probe kind %q", probe.Kind)
	}
}

func (in *Installer) probeHTTP(ctx context.Context, t sshexec.Target, probe tmpl.HealthProbe) (bool, string) {
	url := probe.Target
	if strings.HasPrefix(url, "/") {
		url = fmt.Sprintf("http://%s%s", t.Host, url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	expected := probe.Expected
	if expected == "" {
		expected = "200"
	}
	got := fmt.Sprintf("%d", resp.StatusCode)
	return got == expected, fmt.Sprintf("status %s", got)
}

func (in *Installer) probeTCP(ctx context.Context, t sshexec.Target, probe tmpl.HealthProbe) (bool, string) {
	addr := probe.Target
	if strings.HasPrefix(addr, ":") {
		addr = t.Host + addr
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, "connected"
}

func (in *Installer) probeCommand(ctx context.Context, t sshexec.Target, probe tmpl.HealthProbe) (bool, string) {
	res, err := in.ssh.Run(ctx, t, probe.Target, sshexec.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return false, err.Error()
	}
	expected := probe.Expected
	if expected == "" {
		expected = "0"
	}
	got := fmt.Sprintf("%d", res.ExitCode)
	return got == expected, strings.TrimSpace(res.Stdout)
}

// pollHealth polls every probe with exponential backoff until the
// first success per probe, or deadline elapses (spec §4.5).
func (in *Installer) pollHealth(ctx context.Context, t sshexec.Target, probes []tmpl.HealthProbe, deadline time.Duration) *HealthReport {
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	report := &HealthReport{Health: devicestore.HealthHealthy}
	for _, probe := range probes {
		result := in.pollOneProbe(ctx, t, probe)
		report.Probes = append(report.Probes, result)
		if !result.Healthy {
			report.Health = devicestore.HealthUnhealthy
		}
	}
	if len(probes) == 0 {
		report.Health = devicestore.HealthUnknown
	}
	return report
}

func (in *Installer) pollOneProbe(ctx context.Context, t sshexec.Target, probe tmpl.HealthProbe) ProbeResult {
	backoff := 500 * time.Millisecond
	attempts := 0
	for {
		attempts++
		ok, detail := in.probeOnce(ctx, t, probe)
		if ok {
			return ProbeResult{Kind: probe.Kind, Target: probe.Target, Healthy: true, Attempts: attempts, Detail: detail}
		}
		select {
		case <-ctx.Done():
			return ProbeResult{Kind: probe.Kind, Target: probe.Target, Healthy: false, Attempts: attempts, Detail: detail}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 15*time.Second {
			backoff = 15 * time.Second
		}
	}
}
