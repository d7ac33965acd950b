package scan

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/fingerprint"
)

// Probe outcomes. Only open probes create PortFindings; the rest are
// counters in SweepStats.
const (
	outcomeOpen        = "open"
	outcomeRefused     = "refused"
	outcomeTimeout     = "timeout"
	outcomeUnreachable = "unreachable"
)

// normalizePorts drops out-of-range and duplicate entries and returns the
// remainder in ascending order.
func normalizePorts(ports []int) []int {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// classifyProbeError maps a dial error onto the refused/timeout/unreachable
// taxonomy. A cancelled probe counts as a timeout: it ran out of time to
// prove anything else.
func classifyProbeError(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return outcomeRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return outcomeUnreachable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded):
		return outcomeTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return outcomeTimeout
	}
	if strings.Contains(err.Error(), "refused") {
		return outcomeRefused
	}
	// Anything else never engaged the host at all.
	return outcomeUnreachable
}

// serviceHintFromBanner guesses the service from banner content when no
// catalog probe supplied a hint. RTSP is checked before HTTP since RTSP
// replies also carry a Server header.
func serviceHintFromBanner(banner string) string {
	b := strings.ToLower(banner)
	switch {
	case b == "":
		return ""
	case strings.HasPrefix(b, "ssh-"):
		return "ssh"
	case strings.HasPrefix(b, "rtsp/") || strings.Contains(b, "rtsp/1.0"):
		return "rtsp"
	case strings.Contains(b, "http/") || strings.Contains(b, "server:"):
		return "http"
	case strings.Contains(b, "ftp"):
		return "ftp"
	case strings.Contains(b, "smtp"):
		return "smtp"
	case strings.Contains(b, "telnet"):
		return "telnet"
	}
	return ""
}

// sortHostsByAddress orders hosts ascending by numeric address, so
// 192.168.1.9 sorts before 192.168.1.10.
func sortHostsByAddress(hosts []engine.Host) {
	sort.Slice(hosts, func(i, j int) bool {
		a, b := net.ParseIP(hosts[i].Address), net.ParseIP(hosts[j].Address)
		if a != nil && b != nil {
			return bytes.Compare(a.To16(), b.To16()) < 0
		}
		return hosts[i].Address < hosts[j].Address
	})
}

// stringSliceFromInput coerces a data-context value into a []string.
// Registered keys arrive typed; unregistered ones come as legacy []any.
func stringSliceFromInput(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// filterByLiveHosts keeps only targets present in the liveness responder
// list, preserving enumeration order. An empty live list filters everything:
// the liveness sweep ran and nobody answered.
func filterByLiveHosts(targets, live []string) []string {
	liveSet := make(map[string]struct{}, len(live))
	for _, addr := range live {
		liveSet[addr] = struct{}{}
	}
	filtered := make([]string, 0, len(live))
	for _, t := range targets {
		if _, ok := liveSet[t]; ok {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// renderProbePayload substitutes the {HOST} and {PORT} placeholders in a
// probe payload.
func renderProbePayload(spec fingerprint.ProbeSpec, host string, port int) string {
	if spec.Payload == "" {
		return ""
	}
	payload := strings.ReplaceAll(spec.Payload, "{HOST}", host)
	if port > 0 {
		payload = strings.ReplaceAll(payload, "{PORT}", strconv.Itoa(port))
	}
	return payload
}

// allSkipInitialRead reports whether every candidate probe targets a
// client-first protocol, making the passive banner wait pointless.
func allSkipInitialRead(specs []fingerprint.ProbeSpec) bool {
	if len(specs) == 0 {
		return false
	}
	for _, spec := range specs {
		if !spec.SkipInitialRead {
			return false
		}
	}
	return true
}
