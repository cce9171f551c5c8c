package tfdriver

import (
	"path/filepath"
	"testing"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondNonWaitingCallIsBusy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "svc-host1")

	lock1, err := acquire(dir, false)
	require.NoError(t, err)
	defer lock1.Close()
	defer lock1.Unlock()

	_, err = acquire(dir, false)
	require.Error(t, err)
	terr, ok := toolerr.As(err)
	require.True(t, ok)
	require.Equal(t, toolerr.Busy, terr.Kind)
}

func TestAcquire_ReleasedLockCanBeReacquired(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "svc-host2")

	lock1, err := acquire(dir, false)
	require.NoError(t, err)
	lock1.Unlock()
	lock1.Close()

	lock2, err := acquire(dir, false)
	require.NoError(t, err)
	defer lock2.Close()
	defer lock2.Unlock()
}

func TestParsePlanJSON_DetectsNoOpVsChanges(t *testing.T) {
	noop := `{"resource_changes":[{"address":"docker_container.proxy[0]","change":{"actions":["no-op"]}}]}`
	summary, err := parsePlanJSON(noop)
	require.NoError(t, err)
	require.False(t, summary.HasChanges)

	changed := `{"resource_changes":[{"address":"docker_container.proxy[0]","change":{"actions":["create"]}}]}`
	summary2, err := parsePlanJSON(changed)
	require.NoError(t, err)
	require.True(t, summary2.HasChanges)
	require.Len(t, summary2.Changes, 1)
}

func TestParseOutputsJSON_ExtractsValues(t *testing.T) {
	raw := `{"proxy_ip":{"value":"10.0.0.9","type":"string"},"replica_count":{"value":3,"type":"number"}}`
	outputs, err := parseOutputsJSON(raw)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", outputs["proxy_ip"])
	require.EqualValues(t, 3, outputs["replica_count"])
}

func TestWorkDir_NamingConvention(t *testing.T) {
	d := New("/var/lib/homelab-mcp/terraform")
	require.Equal(t, "/var/lib/homelab-mcp/terraform/nginx-proxy-nas1", d.WorkDir("nginx-proxy", "nas1"))
}
