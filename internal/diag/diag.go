// Package diag collects a point-in-time health report of the machine running
// the Host. The report is served as the read-only host.diagnostics Action and
// rendered as markdown by the dashboard.
package diag

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// ActionName is the Action under which the report is served.
const ActionName = "host.diagnostics"

type Report struct {
	Timestamp time.Time    `json:"timestamp"`
	System    SystemInfo   `json:"system"`
	Database  DatabaseInfo `json:"database"`
	Sessions  SessionInfo  `json:"sessions"`
}

type SystemInfo struct {
	Hostname    string   `json:"hostname"`
	Platform    string   `json:"platform"`
	Arch        string   `json:"arch"`
	GoVersion   string   `json:"goVersion"`
	CPUs        int      `json:"cpus"`
	UptimeSec   uint64   `json:"uptimeSec"`
	MemTotal    uint64   `json:"memTotal"`
	MemUsed     uint64   `json:"memUsed"`
	MemUsedPct  float64  `json:"memUsedPct"`
	Goroutines  int      `json:"goroutines"`
	CollectErrs []string `json:"collectErrors,omitempty"`
}

type DatabaseInfo struct {
	Identity  string `json:"identity"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

type SessionInfo struct {
	Active   int `json:"active"`
	MaxSeats int `json:"maxSeats"`
}

// Sources supplies the non-system parts of the report.
type Sources struct {
	Database func() DatabaseInfo
	Sessions func() SessionInfo
}

// Collect builds a report. Individual collector failures are recorded in
// System.CollectErrs rather than failing the whole report.
func Collect(ctx context.Context, src Sources) Report {
	r := Report{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			Arch:       runtime.GOARCH,
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		r.System.CollectErrs = append(r.System.CollectErrs, "host: "+err.Error())
		r.System.Platform = runtime.GOOS
	} else {
		r.System.Hostname = info.Hostname
		r.System.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		r.System.UptimeSec = info.Uptime
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		r.System.CollectErrs = append(r.System.CollectErrs, "cpu: "+err.Error())
		r.System.CPUs = runtime.NumCPU()
	} else {
		r.System.CPUs = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		r.System.CollectErrs = append(r.System.CollectErrs, "mem: "+err.Error())
	} else {
		r.System.MemTotal = vm.Total
		r.System.MemUsed = vm.Used
		r.System.MemUsedPct = vm.UsedPercent
	}

	if src.Database != nil {
		r.Database = src.Database()
	}
	if src.Sessions != nil {
		r.Sessions = src.Sessions()
	}
	return r
}

// Markdown renders the report for terminal display.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Host diagnostics\n\n_%s_\n\n", r.Timestamp.Format(time.RFC3339))

	b.WriteString("## System\n\n| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Host | %s |\n", orDash(r.System.Hostname))
	fmt.Fprintf(&b, "| Platform | %s/%s |\n", orDash(r.System.Platform), r.System.Arch)
	fmt.Fprintf(&b, "| CPUs | %d |\n", r.System.CPUs)
	fmt.Fprintf(&b, "| Memory | %s / %s (%.1f%%) |\n", humanBytes(r.System.MemUsed), humanBytes(r.System.MemTotal), r.System.MemUsedPct)
	fmt.Fprintf(&b, "| Uptime | %s |\n", time.Duration(r.System.UptimeSec)*time.Second)
	fmt.Fprintf(&b, "| Go | %s, %d goroutines |\n\n", r.System.GoVersion, r.System.Goroutines)

	b.WriteString("## Database\n\n")
	fmt.Fprintf(&b, "- identity: `%s`\n- path: `%s`\n- size: %s\n\n", orDash(r.Database.Identity), orDash(r.Database.Path), humanBytes(uint64(max(r.Database.SizeBytes, 0))))

	b.WriteString("## Seats\n\n")
	fmt.Fprintf(&b, "%d of %d in use\n", r.Sessions.Active, r.Sessions.MaxSeats)

	if len(r.System.CollectErrs) > 0 {
		b.WriteString("\n## Probe errors\n\n")
		for _, e := range r.System.CollectErrs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
