package tool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

// failedLoginPatterns match the sshd and PAM log lines that record a failed
// authentication. Each pattern names its user and ip captures since PAM prints
// rhost before user while sshd prints them the other way around.
var failedLoginPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Failed password for (?:invalid user )?(?P<user>\S+) from (?P<ip>[\d.]+)`),
	regexp.MustCompile(`Invalid user (?P<user>\S+) from (?P<ip>[\d.]+)`),
	regexp.MustCompile(`authentication failure.*rhost=(?P<ip>[\d.]+)\s+user=(?P<user>\S+)`),
}

// suspiciousProcessNames are command names associated with common intrusion
// tooling. A process whose argv[0] basename matches one is flagged.
var suspiciousProcessNames = []string{
	"nc", "netcat", "nmap", "masscan", "zmap",
	"sqlmap", "nikto", "dirb", "gobuster",
	"hydra", "john", "hashcat", "aircrack",
}

// suspiciousExecDirs are directories a legitimate daemon has no business
// executing from.
var suspiciousExecDirs = []string{"/tmp/", "/dev/shm/", "/var/tmp/"}

// commonListenPorts are ports expected to be listening on a managed host;
// anything else above 1024 is reported as unusual.
var commonListenPorts = map[int]bool{
	22: true, 80: true, 443: true, 53: true, 25: true,
	110: true, 143: true, 993: true, 995: true,
}

// SecurityConfig points the security toolset at its data sources. Zero values
// select the host defaults; tests point them at fixtures.
type SecurityConfig struct {
	AuthLogPaths []string // default /var/log/auth.log, /var/log/secure
	ProcRoot     string   // default /proc
}

// SecurityToolset exposes host security scans as tools: failed login
// aggregation, process watchlist matching, listening socket review and a
// combined alert summary.
type SecurityToolset struct {
	authLogPaths []string
	procRoot     string
	now          func() time.Time
	logger       *slog.Logger
}

// NewSecurityToolset creates the security toolset.
func NewSecurityToolset(cfg SecurityConfig, logger *slog.Logger) *SecurityToolset {
	if len(cfg.AuthLogPaths) == 0 {
		cfg.AuthLogPaths = []string{"/var/log/auth.log", "/var/log/secure"}
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	return &SecurityToolset{
		authLogPaths: cfg.AuthLogPaths,
		procRoot:     cfg.ProcRoot,
		now:          time.Now,
		logger:       logger,
	}
}

// Tools returns the toolset's tools for registration on the bridge.
func (ts *SecurityToolset) Tools() []domain.Tool {
	return []domain.Tool{
		&failedLoginsTool{ts: ts},
		&suspiciousProcessesTool{ts: ts},
		&networkConnectionsTool{ts: ts},
		&securityAlertsTool{ts: ts},
	}
}

// --- scan_failed_logins ---

type failedLoginsTool struct {
	ts *SecurityToolset
}

func (t *failedLoginsTool) Name() string { return "scan_failed_logins" }
func (t *failedLoginsTool) Description() string {
	return "Scan authentication logs for failed login attempts over a given period, aggregated by source IP and targeted user."
}

func (t *failedLoginsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"hours": {
					"type": "integer",
					"minimum": 1,
					"maximum": 720,
					"description": "How many hours back to scan. Defaults to 24."
				}
			}
		}`),
	}
}

type failedLoginsParams struct {
	Hours int `json:"hours"`
}

type failedLoginAttempt struct {
	Username  string    `json:"username"`
	SourceIP  string    `json:"source_ip"`
	Timestamp time.Time `json:"timestamp"`
	LogLine   string    `json:"log_line"`
}

type countEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type failedLoginsReport struct {
	ScanPeriodHours     int                  `json:"scan_period_hours"`
	TotalFailedAttempts int                  `json:"total_failed_attempts"`
	UniqueIPs           int                  `json:"unique_ips"`
	UniqueUsers         int                  `json:"unique_users"`
	TopAttackingIPs     []countEntry         `json:"top_attacking_ips"`
	TopTargetedUsers    []countEntry         `json:"top_targeted_users"`
	RecentAttempts      []failedLoginAttempt `json:"recent_attempts"`
	Timestamp           time.Time            `json:"timestamp"`
}

func (t *failedLoginsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.scan_failed_logins", t.ts.logger, params,
		func(_ context.Context, span trace.Span, p failedLoginsParams) (any, error) {
			if p.Hours == 0 {
				p.Hours = 24
			}
			if err := ValidateRange("hours", p.Hours, 1, 720); err != nil {
				return nil, err
			}
			report := t.ts.scanFailedLogins(p.Hours)
			span.SetAttributes(tracer.IntAttr("security.failed_attempts", report.TotalFailedAttempts))
			return report, nil
		},
	)
}

func (ts *SecurityToolset) scanFailedLogins(hours int) failedLoginsReport {
	now := ts.now()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)

	var attempts []failedLoginAttempt
	for _, logPath := range ts.authLogPaths {
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue // absent log files are expected across distros
		}
		for _, line := range strings.Split(string(data), "\n") {
			for _, pattern := range failedLoginPatterns {
				m := pattern.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				ts2, ok := parseSyslogTime(line, now)
				if ok && ts2.Before(cutoff) {
					break
				}
				if !ok {
					ts2 = now // undated lines are counted rather than dropped
				}
				attempts = append(attempts, failedLoginAttempt{
					Username:  m[pattern.SubexpIndex("user")],
					SourceIP:  m[pattern.SubexpIndex("ip")],
					Timestamp: ts2,
					LogLine:   strings.TrimSpace(line),
				})
				break
			}
		}
	}

	ipCounts := map[string]int{}
	userCounts := map[string]int{}
	for _, a := range attempts {
		ipCounts[a.SourceIP]++
		userCounts[a.Username]++
	}

	recent := attempts
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}

	return failedLoginsReport{
		ScanPeriodHours:     hours,
		TotalFailedAttempts: len(attempts),
		UniqueIPs:           len(ipCounts),
		UniqueUsers:         len(userCounts),
		TopAttackingIPs:     topCounts(ipCounts, 10),
		TopTargetedUsers:    topCounts(userCounts, 10),
		RecentAttempts:      recent,
		Timestamp:           now.UTC(),
	}
}

// parseSyslogTime extracts the leading "Jan _2 15:04:05" timestamp from a
// syslog line, resolving the year against now. Returns ok=false when the line
// carries no parsable timestamp.
func parseSyslogTime(line string, now time.Time) (time.Time, bool) {
	if len(line) < 15 {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation("Jan _2 15:04:05", line[:15], now.Location())
	if err != nil {
		return time.Time{}, false
	}
	parsed = parsed.AddDate(now.Year(), 0, 0)
	// A December entry read in January belongs to the previous year.
	if parsed.After(now.Add(24 * time.Hour)) {
		parsed = parsed.AddDate(-1, 0, 0)
	}
	return parsed, true
}

// topCounts returns the n highest counts as sorted entries, ties broken by key.
func topCounts(counts map[string]int, n int) []countEntry {
	entries := make([]countEntry, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, countEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// --- check_suspicious_processes ---

type suspiciousProcessesTool struct {
	ts *SecurityToolset
}

func (t *suspiciousProcessesTool) Name() string { return "check_suspicious_processes" }
func (t *suspiciousProcessesTool) Description() string {
	return "Check the process table for commands matching common intrusion tooling or executing from scratch directories."
}

func (t *suspiciousProcessesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type suspiciousProcess struct {
	PID             string    `json:"pid"`
	Command         string    `json:"command"`
	DetectedPattern string    `json:"detected_pattern"`
	Timestamp       time.Time `json:"timestamp"`
}

type suspiciousProcessesReport struct {
	Processes []suspiciousProcess `json:"processes"`
	Count     int                 `json:"count"`
	Timestamp time.Time           `json:"timestamp"`
}

func (t *suspiciousProcessesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.check_suspicious_processes", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			report, err := t.ts.scanProcesses()
			if err != nil {
				return nil, err
			}
			return report, nil
		},
	)
}

func (ts *SecurityToolset) scanProcesses() (suspiciousProcessesReport, error) {
	entries, err := os.ReadDir(ts.procRoot)
	if err != nil {
		return suspiciousProcessesReport{}, fmt.Errorf("read process table: %w", err)
	}

	now := ts.now().UTC()
	found := []suspiciousProcess{}
	for _, e := range entries {
		pid := e.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(ts.procRoot, pid, "cmdline"))
		if err != nil || len(raw) == 0 {
			continue // kernel threads and raced exits
		}
		argv := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		command := strings.Join(argv, " ")

		if pattern, ok := matchSuspicious(argv[0]); ok {
			found = append(found, suspiciousProcess{
				PID: pid, Command: command, DetectedPattern: pattern, Timestamp: now,
			})
		}
	}

	return suspiciousProcessesReport{Processes: found, Count: len(found), Timestamp: now}, nil
}

// matchSuspicious reports whether an argv[0] matches the watchlist by basename
// or executes from a scratch directory.
func matchSuspicious(argv0 string) (string, bool) {
	base := filepath.Base(argv0)
	for _, name := range suspiciousProcessNames {
		if base == name {
			return name, true
		}
	}
	for _, dir := range suspiciousExecDirs {
		if strings.HasPrefix(argv0, dir) {
			return "exec from " + strings.TrimSuffix(dir, "/"), true
		}
	}
	return "", false
}

// --- scan_network_connections ---

type networkConnectionsTool struct {
	ts *SecurityToolset
}

func (t *networkConnectionsTool) Name() string { return "scan_network_connections" }
func (t *networkConnectionsTool) Description() string {
	return "Scan TCP sockets for listening ports and established connections, flagging unusual high listeners."
}

func (t *networkConnectionsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type socketInfo struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

type connectionInfo struct {
	Protocol string `json:"protocol"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
}

type networkConnectionsReport struct {
	TotalListeningPorts    int              `json:"total_listening_ports"`
	TotalEstablished       int              `json:"total_established_connections"`
	UnusualListeningPorts  []socketInfo     `json:"unusual_listening_ports"`
	EstablishedConnections []connectionInfo `json:"established_connections"`
	Timestamp              time.Time        `json:"timestamp"`
}

func (t *networkConnectionsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.scan_network_connections", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			return t.ts.scanConnections()
		},
	)
}

// Socket states from the kernel's TCP state machine as printed in
// /proc/net/tcp.
const (
	tcpStateEstablished = "01"
	tcpStateListen      = "0A"
)

func (ts *SecurityToolset) scanConnections() (networkConnectionsReport, error) {
	report := networkConnectionsReport{
		UnusualListeningPorts:  []socketInfo{},
		EstablishedConnections: []connectionInfo{},
		Timestamp:              ts.now().UTC(),
	}

	read := false
	for _, proto := range []string{"tcp", "tcp6"} {
		data, err := os.ReadFile(filepath.Join(ts.procRoot, "net", proto))
		if err != nil {
			continue
		}
		read = true
		lines := strings.Split(string(data), "\n")
		if len(lines) < 2 {
			continue
		}
		for _, line := range lines[1:] {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			localIP, localPort, err := parseProcNetAddr(fields[1])
			if err != nil {
				continue
			}
			switch fields[3] {
			case tcpStateListen:
				report.TotalListeningPorts++
				if localPort > 1024 && !commonListenPorts[localPort] {
					report.UnusualListeningPorts = append(report.UnusualListeningPorts, socketInfo{
						Protocol: proto,
						Address:  net.JoinHostPort(localIP, strconv.Itoa(localPort)),
						Port:     localPort,
					})
				}
			case tcpStateEstablished:
				report.TotalEstablished++
				if len(report.EstablishedConnections) < 20 {
					remoteIP, remotePort, err := parseProcNetAddr(fields[2])
					if err != nil {
						continue
					}
					report.EstablishedConnections = append(report.EstablishedConnections, connectionInfo{
						Protocol: proto,
						Local:    net.JoinHostPort(localIP, strconv.Itoa(localPort)),
						Remote:   net.JoinHostPort(remoteIP, strconv.Itoa(remotePort)),
					})
				}
			}
		}
	}

	if !read {
		return report, fmt.Errorf("no socket tables readable under %s/net", ts.procRoot)
	}
	return report, nil
}

// parseProcNetAddr decodes the kernel's hex socket address notation
// ("0100007F:1F90" -> 127.0.0.1, 8080). IPv6 addresses are four 32-bit words,
// each printed little-endian.
func parseProcNetAddr(s string) (string, int, error) {
	host, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed socket address %q", s)
	}
	port, err := strconv.ParseInt(portHex, 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", portHex, err)
	}

	raw, err := hex.DecodeString(host)
	if err != nil {
		return "", 0, fmt.Errorf("parse address %q: %w", host, err)
	}
	if len(raw) != 4 && len(raw) != 16 {
		return "", 0, fmt.Errorf("unexpected address width %d", len(raw))
	}
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	return net.IP(raw).String(), int(port), nil
}

// --- get_security_alerts ---

type securityAlertsTool struct {
	ts *SecurityToolset
}

func (t *securityAlertsTool) Name() string { return "get_security_alerts" }
func (t *securityAlertsTool) Description() string {
	return "Summarize security alerts from the failed login, process and network scans."
}

func (t *securityAlertsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type securityAlert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type securityAlertsReport struct {
	Alerts    []securityAlert `json:"alerts"`
	Count     int             `json:"count"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t *securityAlertsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_security_alerts", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			now := t.ts.now().UTC()
			alerts := []securityAlert{}

			if procs, err := t.ts.scanProcesses(); err == nil && procs.Count > 0 {
				alerts = append(alerts, securityAlert{
					Type:      "suspicious_processes",
					Severity:  "high",
					Message:   fmt.Sprintf("found %d potentially suspicious processes", procs.Count),
					Timestamp: now,
				})
			}

			logins := t.ts.scanFailedLogins(1)
			if logins.TotalFailedAttempts > 10 {
				severity := "medium"
				if logins.TotalFailedAttempts >= 50 {
					severity = "high"
				}
				alerts = append(alerts, securityAlert{
					Type:      "failed_login_spike",
					Severity:  severity,
					Message:   fmt.Sprintf("%d failed login attempts in the last hour", logins.TotalFailedAttempts),
					Timestamp: now,
				})
			}

			if conns, err := t.ts.scanConnections(); err == nil && len(conns.UnusualListeningPorts) > 0 {
				alerts = append(alerts, securityAlert{
					Type:      "unusual_network_activity",
					Severity:  "low",
					Message:   fmt.Sprintf("found %d unusual listening ports", len(conns.UnusualListeningPorts)),
					Timestamp: now,
				})
			}

			return securityAlertsReport{Alerts: alerts, Count: len(alerts), Timestamp: now}, nil
		},
	)
}
