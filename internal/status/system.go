package status

import (
	"os"
	"strconv"
	"strings"
)

// System describes the appliance itself.
type System struct {
	Hostname       string   `json:"hostname"`
	Version        string   `json:"version"`
	UptimeSeconds  *float64 `json:"uptime_seconds"`
	CPUTempCelsius *float64 `json:"cpu_temp_celsius"`
	StorageFreeGB  *float64 `json:"storage_free_gb"`
	StorageTotalGB *float64 `json:"storage_total_gb"`
}

// Paths read for system info. Tests point them at fixtures.
var (
	uptimePath  = "/proc/uptime"
	thermalPath = "/sys/class/thermal/thermal_zone0/temp"
)

func readSystem(version, storagePath string) System {
	host, _ := os.Hostname()
	if version == "" {
		version = os.Getenv("NDEFENDER_VERSION")
	}
	if version == "" {
		version = "dev"
	}
	s := System{Hostname: host, Version: version}
	if v, ok := firstFloat(uptimePath); ok {
		s.UptimeSeconds = &v
	}
	if v, ok := firstFloat(thermalPath); ok {
		c := v / 1000
		s.CPUTempCelsius = &c
	}
	s.StorageFreeGB, s.StorageTotalGB = storageGB(storagePath)
	return s
}

func firstFloat(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	return v, err == nil
}
