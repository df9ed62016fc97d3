package utils

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestFindProcessesFromProcNet(t *testing.T) {
	root := t.TempDir()
	old := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = old })

	mustWrite := func(path, data string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(filepath.Join(root, "net", "udp"),
		"  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"+
			"  512: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000   101        0 24689 2 0000000000000000 0\n"+
			"  513: 00000000:0043 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 11111 2 0000000000000000 0\n")
	mustWrite(filepath.Join(root, "net", "tcp6"),
		"  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"+
			"   0: 00000000000000000000000000000000:0050 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 31337 1 0000000000000000 100 0 0 10 0\n")
	mustWrite(filepath.Join(root, "812", "comm"), "systemd-resolve\n")
	mustWrite(filepath.Join(root, "913", "comm"), "lighttpd\n")
	if err := os.MkdirAll(filepath.Join(root, "913", "fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("socket:[31337]", filepath.Join(root, "913", "fd", "4")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "812", "fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("socket:[24689]", filepath.Join(root, "812", "fd", "7")); err != nil {
		t.Fatal(err)
	}

	procs, err := findProcessesFromProcNet("udp", 53)
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 {
		t.Fatalf("got %d processes, want 1: %+v", len(procs), procs)
	}
	if procs[0].PID != 812 || procs[0].ProcessName != "systemd-resolve" || procs[0].Proto != "udp" {
		t.Errorf("process = %+v", procs[0])
	}

	procs, err = findProcessesFromProcNet("tcp", 80)
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].PID != 913 || procs[0].ProcessName != "lighttpd" {
		t.Errorf("port 80 owner = %+v, want lighttpd (913)", procs)
	}

	procs, err = findProcessesFromProcNet("udp", 67)
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 0 {
		t.Errorf("port 67 owner = %+v, want none", procs)
	}
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	inUse, _, _, err := IsPortInUse("tcp", ln.Addr().(*net.TCPAddr).Port)
	if err != nil {
		t.Fatal(err)
	}
	if !inUse {
		t.Error("listening port reported free")
	}

	if _, _, _, err := IsPortInUse("sctp", 80); err == nil {
		t.Error("unsupported protocol accepted")
	}
}
