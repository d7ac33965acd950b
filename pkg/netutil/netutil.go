// Package netutil expands scan targets and port specifications and resolves
// the local network topology. Expansion is deterministic: hosts come back in
// ascending address order within each block, with IPv4 network and broadcast
// addresses excluded for /1 through /30 masks, so repeated runs probe the
// same list.
package netutil

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxExpandedTargets caps expansion so a typo like /8 does not allocate
// millions of strings before anyone notices.
const maxExpandedTargets = 1 << 20

// ParseAndExpandTargets expands target strings (single IPs, hostnames, CIDR
// blocks, or ranges like "192.168.1.10-20") into a flat list of unique IP
// address strings. Multicast, unspecified, and link-local addresses are
// dropped; loopback stays because probing it is a per-module configuration
// choice. Unparsable entries are logged and skipped, never fatal.
func ParseAndExpandTargets(targets []string) []string {
	var expanded []string
	seen := make(map[string]struct{})

	for _, t := range targets {
		target := strings.TrimSpace(t)
		if target == "" {
			continue
		}
		switch {
		case strings.Contains(target, "/"):
			expandCIDR(target, &expanded, seen)
		case strings.Contains(target, "-"):
			expandRange(target, &expanded, seen)
		default:
			resolveAndAppend(target, &expanded, seen)
		}
	}
	return filterSpecialAddresses(expanded)
}

// expandCIDR appends every usable host in the block in ascending order,
// starting from the network address regardless of host bits in the input.
// For IPv4 masks /1 through /30 the network and broadcast addresses are
// excluded; /31 and /32 keep all addresses.
func expandCIDR(target string, expanded *[]string, seen map[string]struct{}) {
	_, ipNet, err := net.ParseCIDR(target)
	if err != nil {
		log.Warn().Str("target", target).Err(err).Msg("Skipping unparsable CIDR target")
		return
	}

	var networkIP, broadcastIP net.IP
	if v4 := ipNet.IP.To4(); v4 != nil {
		ones, bits := ipNet.Mask.Size()
		if bits == 32 && ones > 0 && ones < 31 {
			networkIP = v4
			broadcastIP = make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				broadcastIP[i] = v4[i] | ^ipNet.Mask[i]
			}
		}
	}

	current := make(net.IP, len(ipNet.IP))
	copy(current, ipNet.IP)
	for ipNet.Contains(current) {
		ip := make(net.IP, len(current))
		copy(ip, current)
		if !ip.Equal(networkIP) && !ip.Equal(broadcastIP) {
			appendUnique(ip.String(), expanded, seen)
		}
		if len(*expanded) >= maxExpandedTargets {
			log.Warn().Str("target", target).Int("expanded", len(*expanded)).Msg("CIDR expansion capped")
			return
		}
		incIP(current)
	}
}

// expandRange appends addresses from "a.b.c.X-Y" last-octet shorthand or a
// full "startIP-endIP" range. Range expansion keeps every address in the
// span; only CIDR expansion excludes network and broadcast. Hostnames can
// legally contain '-', so anything that fails to parse as a range falls
// through to resolution.
func expandRange(target string, expanded *[]string, seen map[string]struct{}) {
	parts := strings.SplitN(target, "-", 2)
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])
	start := net.ParseIP(startStr)

	if v4 := start.To4(); v4 != nil {
		if endOctet, err := strconv.Atoi(endStr); err == nil && endOctet >= 0 && endOctet <= 255 {
			if int(v4[3]) > endOctet {
				log.Warn().Str("target", target).Msg("Skipping inverted last-octet range")
				return
			}
			for i := int(v4[3]); i <= endOctet; i++ {
				appendUnique(fmt.Sprintf("%d.%d.%d.%d", v4[0], v4[1], v4[2], i), expanded, seen)
			}
			return
		}
	}

	end := net.ParseIP(endStr)
	if start == nil || end == nil {
		resolveAndAppend(target, expanded, seen)
		return
	}
	if (start.To4() != nil) != (end.To4() != nil) {
		log.Warn().Str("target", target).Msg("Skipping range with mismatched IP versions")
		return
	}
	if compareIP(start, end) > 0 {
		log.Warn().Str("target", target).Msg("Skipping inverted IP range")
		return
	}

	current := make(net.IP, len(start))
	copy(current, start)
	for {
		appendUnique(current.String(), expanded, seen)
		if len(*expanded) >= maxExpandedTargets {
			log.Warn().Str("target", target).Int("expanded", len(*expanded)).Msg("Range expansion capped")
			return
		}
		if current.Equal(end) {
			return
		}
		incIP(current)
		if compareIP(current, start) < 0 { // wrapped past the top of the address space
			return
		}
	}
}

// resolveAndAppend treats the target as a literal IP first and falls back to
// hostname resolution.
func resolveAndAppend(target string, expanded *[]string, seen map[string]struct{}) {
	if ip := net.ParseIP(target); ip != nil {
		appendUnique(ip.String(), expanded, seen)
		return
	}
	addrs, err := net.LookupHost(target)
	if err != nil {
		log.Warn().Str("target", target).Err(err).Msg("Skipping target that neither parses nor resolves")
		return
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil {
			appendUnique(ip.String(), expanded, seen)
		}
	}
}

func appendUnique(ip string, expanded *[]string, seen map[string]struct{}) {
	if _, ok := seen[ip]; ok {
		return
	}
	*expanded = append(*expanded, ip)
	seen[ip] = struct{}{}
}

// filterSpecialAddresses drops addresses that are never useful probe targets.
func filterSpecialAddresses(ips []string) []string {
	var result []string
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil ||
			ip.IsMulticast() ||
			ip.IsUnspecified() ||
			ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() {
			continue
		}
		result = append(result, s)
	}
	return result
}

// incIP increments an IP address in place (IPv4 and IPv6).
func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// compareIP orders two addresses, normalizing IPv4 to 4-byte form so mixed
// representations compare correctly.
func compareIP(a, b net.IP) int {
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		return bytes.Compare(a4, b4)
	}
	return bytes.Compare(a, b)
}

// ParsePortString parses a comma-separated string of ports and port ranges
// into a sorted slice of unique integers.
// Example: "554,80,443,8000-8002" -> [80, 443, 554, 8000, 8001, 8002]
func ParsePortString(portStr string) ([]int, error) {
	if strings.TrimSpace(portStr) == "" {
		return []int{}, nil
	}

	seenPorts := make(map[int]struct{})
	var ports []int

	for _, part := range strings.Split(portStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			startStr, endStr := strings.TrimSpace(rangeParts[0]), strings.TrimSpace(rangeParts[1])

			start, err := strconv.Atoi(startStr)
			if err != nil {
				return nil, fmt.Errorf("invalid start port in range '%s': %w", part, err)
			}
			end, err := strconv.Atoi(endStr)
			if err != nil {
				return nil, fmt.Errorf("invalid end port in range '%s': %w", part, err)
			}
			if start < 0 || start > 65535 || end < 0 || end > 65535 {
				return nil, fmt.Errorf("port numbers in range '%s' must be between 0 and 65535", part)
			}
			if start > end {
				return nil, fmt.Errorf("start port %d cannot be greater than end port %d in range '%s'", start, end, part)
			}

			for p := start; p <= end; p++ {
				if _, found := seenPorts[p]; !found {
					ports = append(ports, p)
					seenPorts[p] = struct{}{}
				}
			}
		} else {
			port, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid port number '%s': %w", part, err)
			}
			if port < 0 || port > 65535 {
				return nil, fmt.Errorf("port number '%d' must be between 0 and 65535", port)
			}
			if _, found := seenPorts[port]; !found {
				ports = append(ports, port)
				seenPorts[port] = struct{}{}
			}
		}
	}
	sort.Ints(ports)
	return ports, nil
}
