package scheduler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Constraints gates whether a due job may run now.
type Constraints interface {
	// Satisfied reports whether the job may run. reason names the first
	// unmet constraint.
	Satisfied(ctx context.Context) (ok bool, reason string)
}

// NoConstraints always allows jobs to run.
type NoConstraints struct{}

func (NoConstraints) Satisfied(context.Context) (bool, string) { return true, "" }

// lowBatteryPercent is the capacity at or below which a discharging battery
// counts as low.
const lowBatteryPercent = 15

// SystemConstraints requires battery not low and network connectivity.
type SystemConstraints struct {
	// PowerSupplyDir is the sysfs power supply directory.
	PowerSupplyDir string
	// Interfaces lists network interfaces; nil uses net.Interfaces.
	Interfaces func() ([]net.Interface, error)
	// Addrs returns the addresses of an interface; nil uses iface.Addrs.
	Addrs func(iface net.Interface) ([]net.Addr, error)
}

func NewSystemConstraints() *SystemConstraints {
	return &SystemConstraints{PowerSupplyDir: "/sys/class/power_supply"}
}

func (s *SystemConstraints) Satisfied(context.Context) (bool, string) {
	if s.batteryLow() {
		return false, "battery low"
	}
	if !s.networkConnected() {
		return false, "network not connected"
	}
	return true, ""
}

// batteryLow reports true only for a discharging battery at or below the
// threshold. Hosts without a battery are never low.
func (s *SystemConstraints) batteryLow() bool {
	matches, _ := filepath.Glob(filepath.Join(s.PowerSupplyDir, "BAT*"))
	for _, dir := range matches {
		status := readTrimmed(filepath.Join(dir, "status"))
		if status == "Charging" || status == "Full" {
			continue
		}
		capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		if capacity <= lowBatteryPercent {
			return true
		}
	}
	return false
}

func (s *SystemConstraints) networkConnected() bool {
	list := net.Interfaces
	if s.Interfaces != nil {
		list = s.Interfaces
	}
	addrs := func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	if s.Addrs != nil {
		addrs = s.Addrs
	}

	ifaces, err := list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		as, err := addrs(iface)
		if err == nil && len(as) > 0 {
			return true
		}
	}
	return false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
