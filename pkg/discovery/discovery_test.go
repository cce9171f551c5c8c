package discovery

import "testing"

const sampleOutput = `===KERNEL===
Linux 6.1.0-amd64 x86_64
===OSRELEASE===
ID=debian
VERSION_ID="12"
PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
===CPUCOUNT===
4
===CPUMODEL===
 Intel(R) Core(TM) i5-9400
===MEMINFO===
MemTotal:       16336384 kB
===UPTIME===
123456
===DISKS===
{"blockdevices": [{"name":"nvme0n1","type":"disk","size":"512110190592","rota":"0"},{"name":"sda","type":"disk","size":"1000204886016","rota":"1"},{"name":"sda1","type":"part","size":"1048576","rota":"1"}]}
===NET===
[{"ifname":"lo","address":"00:00:00:00:00:00","addr_info":[{"local":"127.0.0.1"}]},{"ifname":"eth0","address":"aa:bb:cc:dd:ee:ff","addr_info":[{"local":"192.168.1.50"}]}]
===PCI===
01:00.0 VGA compatible controller: NVIDIA Corporation Device
===USB===
Bus 001 Device 002: ID 8087:0aaa Intel Corp.
===GPU===
NVIDIA GeForce RTX 3060, 12288 MiB
===END===
`

func TestParseFacts_FullScenario(t *testing.T) {
	facts := parseFacts(sampleOutput)

	if facts.Kernel != "Linux 6.1.0-amd64 x86_64" {
		t.Errorf("Kernel = %q", facts.Kernel)
	}
	if facts.OSFamily != "debian" || facts.OSVersion != "12" {
		t.Errorf("OSFamily/OSVersion = %q/%q", facts.OSFamily, facts.OSVersion)
	}
	if facts.CPUCores != 4 {
		t.Errorf("CPUCores = %d, want 4", facts.CPUCores)
	}
	if facts.CPUModel != "Intel(R) Core(TM) i5-9400" {
		t.Errorf("CPUModel = %q", facts.CPUModel)
	}
	if facts.MemoryTotalMB != 16336384/1024 {
		t.Errorf("MemoryTotalMB = %d", facts.MemoryTotalMB)
	}
	if facts.UptimeSeconds != 123456 {
		t.Errorf("UptimeSeconds = %d", facts.UptimeSeconds)
	}

	if len(facts.Disks) != 2 {
		t.Fatalf("expected 2 disks (partitions excluded), got %d: %v", len(facts.Disks), facts.Disks)
	}
	if facts.Disks[0].Type != "nvme" {
		t.Errorf("Disks[0].Type = %q, want nvme", facts.Disks[0].Type)
	}
	if facts.Disks[1].Type != "hdd" {
		t.Errorf("Disks[1].Type = %q, want hdd (rota=1)", facts.Disks[1].Type)
	}

	if len(facts.Interfaces) != 1 || facts.Interfaces[0].Name != "eth0" {
		t.Fatalf("expected loopback excluded and eth0 present, got %v", facts.Interfaces)
	}
	if facts.Interfaces[0].IPAddress != "192.168.1.50" {
		t.Errorf("eth0 IP = %q", facts.Interfaces[0].IPAddress)
	}

	if len(facts.USBPCIDevices) != 2 {
		t.Fatalf("expected 2 combined pci+usb lines, got %v", facts.USBPCIDevices)
	}

	if len(facts.GPUs) != 1 || facts.GPUs[0].Vendor != "nvidia" {
		t.Fatalf("expected one nvidia GPU, got %v", facts.GPUs)
	}
	if facts.GPUs[0].MemoryGB != 12 {
		t.Errorf("GPU MemoryGB = %d, want 12", facts.GPUs[0].MemoryGB)
	}
}

func TestParseFacts_EmptySectionsDoNotPanic(t *testing.T) {
	facts := parseFacts("===KERNEL===\n===END===\n")
	if facts.Kernel != "" {
		t.Errorf("expected empty kernel, got %q", facts.Kernel)
	}
	if facts.Disks != nil || facts.Interfaces != nil || facts.GPUs != nil {
		t.Errorf("expected nil slices on empty sections, got %+v", facts)
	}
}

func TestParseMemTotalMB_HandlesVaryingWhitespace(t *testing.T) {
	got := parseMemTotalMB("MemTotal:   2048000 kB\n")
	if got != 2000 {
		t.Errorf("parseMemTotalMB = %d, want 2000", got)
	}
}

func TestDiskType_NVMePrefixWins(t *testing.T) {
	if got := diskType("nvme1n1", []byte(`"1"`)); got != "nvme" {
		t.Errorf("diskType = %q, want nvme even with rota=1", got)
	}
}
