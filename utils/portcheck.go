// Package utils holds the startup preflight that finds which process holds a
// port the portal needs.
package utils

import (
	"fmt"
	"net"
	"strconv"

	"github.com/prometheus/procfs"
)

// procRoot is where the process table is read from.
var procRoot = "/proc"

// PortInfo contains information about a port in use
type PortInfo struct {
	Proto       string
	Port        int
	ProcessName string
	PID         int
}

// IsPortInUse checks whether port can be bound for proto ("tcp" or "udp").
// If it cannot, it returns the process holding it when that can be found.
func IsPortInUse(proto string, port int) (bool, string, int, error) {
	switch proto {
	case "tcp":
		ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
		if err == nil {
			ln.Close()
			return false, "", 0, nil
		}
	case "udp":
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err == nil {
			conn.Close()
			return false, "", 0, nil
		}
	default:
		return false, "", 0, fmt.Errorf("unsupported protocol %q", proto)
	}

	procs, err := findProcessesFromProcNet(proto, port)
	if err != nil {
		return true, "unknown", 0, err
	}
	if len(procs) > 0 {
		return true, procs[0].ProcessName, procs[0].PID, nil
	}
	return true, "unknown", 0, nil
}

// socket is the part of a /proc/net socket table entry the lookup needs.
type socket struct {
	port  uint64
	inode uint64
}

// socketTables reads the IPv4 and IPv6 socket tables of proto. Tables the
// kernel does not provide are skipped.
func socketTables(fs procfs.FS, proto string) []socket {
	var readers []func() ([]socket, error)
	switch proto {
	case "tcp":
		readers = append(readers,
			func() ([]socket, error) { t, err := fs.NetTCP(); return tcpSockets(t), err },
			func() ([]socket, error) { t, err := fs.NetTCP6(); return tcpSockets(t), err },
		)
	case "udp":
		readers = append(readers,
			func() ([]socket, error) { t, err := fs.NetUDP(); return udpSockets(t), err },
			func() ([]socket, error) { t, err := fs.NetUDP6(); return udpSockets(t), err },
		)
	}

	var sockets []socket
	for _, read := range readers {
		table, err := read()
		if err != nil {
			continue
		}
		sockets = append(sockets, table...)
	}
	return sockets
}

func tcpSockets(t procfs.NetTCP) []socket {
	out := make([]socket, 0, len(t))
	for _, line := range t {
		out = append(out, socket{port: line.LocalPort, inode: line.Inode})
	}
	return out
}

func udpSockets(t procfs.NetUDP) []socket {
	out := make([]socket, 0, len(t))
	for _, line := range t {
		out = append(out, socket{port: line.LocalPort, inode: line.Inode})
	}
	return out
}

// findProcessesFromProcNet looks the port up in the IPv4 and IPv6 socket
// tables of proto.
func findProcessesFromProcNet(proto string, port int) ([]PortInfo, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}

	var results []PortInfo
	for _, sock := range socketTables(fs, proto) {
		if sock.port != uint64(port) || sock.inode == 0 {
			continue
		}
		proc, found, err := findProcessByInode(fs, sock.inode)
		if err != nil {
			return results, err
		}
		if !found {
			continue
		}
		results = append(results, PortInfo{Proto: proto, Port: port, ProcessName: processName(proc), PID: proc.PID})
	}
	return results, nil
}

// findProcessByInode scans the process table for the process that has the
// socket inode open.
func findProcessByInode(fs procfs.FS, inode uint64) (procfs.Proc, bool, error) {
	procs, err := fs.AllProcs()
	if err != nil {
		return procfs.Proc{}, false, err
	}

	target := "socket:[" + strconv.FormatUint(inode, 10) + "]"
	for _, proc := range procs {
		targets, err := proc.FileDescriptorTargets()
		if err != nil {
			// exited, or not ours to inspect
			continue
		}
		for _, fd := range targets {
			if fd == target {
				return proc, true, nil
			}
		}
	}
	return procfs.Proc{}, false, nil
}

func processName(proc procfs.Proc) string {
	name, err := proc.Comm()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
