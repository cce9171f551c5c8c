// Package discovery gathers devicestore.Facts from a live target over
// SSH: one round trip running a small multi-section shell script,
// parsed into the structured facts the Service Installer's requirement
// checks and the device store's inventory rely on.
package discovery

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
)

const factsScript = `
echo "===KERNEL==="
uname -srm
echo "===OSRELEASE==="
cat /etc/os-release 2>/dev/null
echo "===CPUCOUNT==="
nproc 2>/dev/null
echo "===CPUMODEL==="
grep -m1 "model name" /proc/cpuinfo 2>/dev/null | cut -d: -f2
echo "===MEMINFO==="
grep -m1 "MemTotal" /proc/meminfo 2>/dev/null
echo "===UPTIME==="
cut -d. -f1 /proc/uptime 2>/dev/null
echo "===DISKS==="
lsblk -J -b -d -o NAME,TYPE,SIZE,ROTA 2>/dev/null
echo "===NET==="
ip -j addr show 2>/dev/null
echo "===PCI==="
lspci 2>/dev/null
echo "===USB==="
lsusb 2>/dev/null
echo "===GPU==="
nvidia-smi --query-gpu=name,memory.total --format=csv,noheader 2>/dev/null
echo "===END==="
`

// Gather connects to target (using creds if non-nil, the managed admin
// key otherwise) and runs the facts-gathering script in a single SSH
// round trip.
func Gather(ctx context.Context, ssh *sshexec.Executor, target sshexec.Target, creds *sshexec.Credentials) (*devicestore.Facts, error) {
	res, err := ssh.Run(ctx, target, factsScript, sshexec.RunOptions{Timeout: 30 * time.Second, Creds: creds})
	if err != nil {
		return nil, err
	}
	return parseFacts(string(res.Stdout)), nil
}

func parseFacts(output string) *devicestore.Facts {
	sections := splitSections(output)
	facts := &devicestore.Facts{
		Kernel:        strings.TrimSpace(sections["KERNEL"]),
		CPUModel:      strings.TrimSpace(sections["CPUMODEL"]),
		CPUCores:      atoiOr(strings.TrimSpace(sections["CPUCOUNT"]), 0),
		MemoryTotalMB: parseMemTotalMB(sections["MEMINFO"]),
		UptimeSeconds: int64(atoiOr(strings.TrimSpace(sections["UPTIME"]), 0)),
		Disks:         parseDisks(sections["DISKS"]),
		Interfaces:    parseInterfaces(sections["NET"]),
		USBPCIDevices: parseDeviceLines(sections["PCI"], sections["USB"]),
		GPUs:          parseGPUs(sections["GPU"]),
	}
	facts.CPUThreads = facts.CPUCores
	facts.OSFamily, facts.OSVersion = parseOSRelease(sections["OSRELEASE"])
	return facts
}

// splitSections breaks the script's combined stdout into a map keyed by
// the "===NAME===" markers it prints between commands.
func splitSections(output string) map[string]string {
	sections := map[string]string{}
	var current string
	var buf strings.Builder
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "===") && strings.HasSuffix(trimmed, "===") {
			if current != "" {
				sections[current] = buf.String()
			}
			current = strings.Trim(trimmed, "=")
			buf.Reset()
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	if current != "" {
		sections[current] = buf.String()
	}
	return sections
}

func parseOSRelease(block string) (family, version string) {
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "ID":
			family = v
		case "VERSION_ID":
			version = v
		}
	}
	return family, version
}

func parseMemTotalMB(line string) int {
	// "MemTotal:       16336384 kB"
	fields := strings.Fields(line)
	for i, f := range fields {
		if strings.HasSuffix(f, ":") && i+1 < len(fields) {
			kb := atoiOr(fields[i+1], 0)
			return kb / 1024
		}
	}
	return 0
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name string          `json:"name"`
	Type string          `json:"type"`
	Size json.Number     `json:"size"`
	Rota json.RawMessage `json:"rota"`
}

func parseDisks(block string) []devicestore.Disk {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil
	}
	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return nil
	}
	var out []devicestore.Disk
	for _, dev := range parsed.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		sizeBytes, _ := dev.Size.Int64()
		out = append(out, devicestore.Disk{
			Device: dev.Name,
			Type:   diskType(dev.Name, dev.Rota),
			SizeGB: int(sizeBytes / (1024 * 1024 * 1024)),
		})
	}
	return out
}

func diskType(name string, rota json.RawMessage) string {
	if strings.HasPrefix(name, "nvme") {
		return "nvme"
	}
	if isRotational(rota) {
		return "hdd"
	}
	return "ssd"
}

func isRotational(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == `"1"` || s == "1" || s == "true"
}

type ipAddrEntry struct {
	IfName  string `json:"ifname"`
	Address string `json:"address"`
	AddrInfo []struct {
		Local string `json:"local"`
	} `json:"addr_info"`
}

func parseInterfaces(block string) []devicestore.NetworkInterface {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil
	}
	var parsed []ipAddrEntry
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return nil
	}
	var out []devicestore.NetworkInterface
	for _, e := range parsed {
		if e.IfName == "lo" {
			continue
		}
		iface := devicestore.NetworkInterface{Name: e.IfName, MACAddress: e.Address}
		if len(e.AddrInfo) > 0 {
			iface.IPAddress = e.AddrInfo[0].Local
		}
		out = append(out, iface)
	}
	return out
}

func parseDeviceLines(blocks ...string) []string {
	var out []string
	for _, block := range blocks {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

func parseGPUs(block string) []devicestore.GPU {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil
	}
	var out []devicestore.GPU
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		model := strings.TrimSpace(parts[0])
		memGB := 0
		if len(parts) == 2 {
			memField := strings.TrimSpace(parts[1])
			memField = strings.TrimSuffix(memField, "MiB")
			memField = strings.TrimSpace(memField)
			memGB = atoiOr(memField, 0) / 1024
		}
		out = append(out, devicestore.GPU{Vendor: "nvidia", Model: model, MemoryGB: memGB})
	}
	return out
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
