package sysinfo

import (
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
)

// Memory reports available system memory for the status snapshot.
type Memory struct {
	// virtual is replaced in tests.
	virtual func() (*mem.VirtualMemoryStat, error)
	warnOnce sync.Once
}

func NewMemory() *Memory {
	return &Memory{virtual: mem.VirtualMemory}
}

// FreeMemory returns available bytes. When the OS query fails it falls back to
// the free portion of the Go heap.
func (m *Memory) FreeMemory() uint64 {
	vm, err := m.virtual()
	if err == nil && vm != nil {
		return vm.Available
	}
	m.warnOnce.Do(func() {
		slog.Warn("virtual memory unavailable, reporting go heap", "error", err)
	})
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

// HostIP returns the first IPv4 address of an up, non-loopback interface, or
// "" when there is none.
func HostIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if ip := firstIPv4(addrs); ip != "" {
			return ip
		}
	}
	return ""
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4.String()
		}
	}
	return ""
}
