package discovery

import (
	"regexp"
	"strconv"
	"strings"

	"helmsman/internal/inventory"
)

// users:(("sshd",pid=700,fd=3))
var ssProcessRe = regexp.MustCompile(`\(\("([^"]+)",pid=(\d+)`)

// 700/sshd
var netstatProcessRe = regexp.MustCompile(`^(\d+)/(.+)$`)

// ParseSS parses `ss -tulpen` output into listening ports.
//
//	Netid State  Recv-Q Send-Q Local Address:Port Peer Address:Port Process
//	tcp   LISTEN 0      128    0.0.0.0:22        0.0.0.0:*  users:(("sshd",pid=700,fd=3)) ...
func ParseSS(output string) ([]inventory.Port, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return nil, nil
	}

	var ports []inventory.Port
	sawHeader := false

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if fields[0] == "Netid" {
			sawHeader = true
			continue
		}

		proto := fields[0]
		if proto != "tcp" && proto != "udp" {
			continue
		}
		// tcp shows LISTEN; udp sockets show UNCONN.
		if proto == "tcp" && fields[1] != "LISTEN" {
			continue
		}

		address, port, ok := splitAddrPort(fields[4])
		if !ok {
			continue
		}

		p := inventory.Port{Port: port, Protocol: proto, Address: address}
		if m := ssProcessRe.FindStringSubmatch(line); m != nil {
			p.Process = m[1]
			p.PID, _ = strconv.Atoi(m[2])
		}
		ports = append(ports, p)
	}

	if ports == nil && !sawHeader {
		return nil, &ParseError{Source: "ss", Reason: "no recognizable socket lines"}
	}
	return ports, nil
}

// ParseNetstat parses `netstat -tulpen` output, the fallback when ss
// is not installed.
//
//	Proto Recv-Q Send-Q Local Address  Foreign Address  State   User  Inode  PID/Program name
//	tcp   0      0      0.0.0.0:22     0.0.0.0:*        LISTEN  0     12345  700/sshd
func ParseNetstat(output string) ([]inventory.Port, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return nil, nil
	}

	var ports []inventory.Port
	sawHeader := false

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if fields[0] == "Proto" || strings.HasPrefix(fields[0], "Active") {
			sawHeader = true
			continue
		}

		proto := fields[0]
		if proto != "tcp" && proto != "tcp6" && proto != "udp" && proto != "udp6" {
			continue
		}
		normalized := strings.TrimSuffix(proto, "6")

		// udp lines have no State column, shifting User/PID left by one.
		var state, owner, procField string
		if normalized == "tcp" {
			if len(fields) < 9 {
				continue
			}
			state, owner, procField = fields[5], fields[6], fields[8]
			if state != "LISTEN" {
				continue
			}
		} else {
			if len(fields) < 8 {
				continue
			}
			owner, procField = fields[5], fields[7]
		}

		address, port, ok := splitAddrPort(fields[3])
		if !ok {
			continue
		}

		p := inventory.Port{Port: port, Protocol: normalized, Address: address, OwnerUser: owner}
		if m := netstatProcessRe.FindStringSubmatch(procField); m != nil {
			p.PID, _ = strconv.Atoi(m[1])
			p.Process = m[2]
		}
		ports = append(ports, p)
	}

	if ports == nil && !sawHeader {
		return nil, &ParseError{Source: "netstat", Reason: "no recognizable socket lines"}
	}
	return ports, nil
}

// splitAddrPort splits "0.0.0.0:22" or "[::]:22" into address and port.
func splitAddrPort(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, false
	}
	address := s[:idx]
	address = strings.TrimPrefix(address, "[")
	address = strings.TrimSuffix(address, "]")

	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return address, port, true
}
