// Package discovery parses the host-side tooling output the probe
// reports upstream: GNU screen session listings and listening-socket
// tables from ss or netstat.
package discovery

import (
	"fmt"
	"strings"
	"time"

	"helmsman/internal/inventory"
)

// ParseError reports output that could not be understood at all.
// Individual malformed lines are skipped, not fatal.
type ParseError struct {
	Source string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("discovery: cannot parse %s output: %s", e.Source, e.Reason)
}

// screen -ls prints timestamps in this layout on most distros; some
// builds omit the AM/PM marker.
var screenTimeLayouts = []string{
	"01/02/2006 03:04:05 PM",
	"01/02/06 03:04:05 PM",
	"01/02/2006 15:04:05",
}

// ParseScreenList parses `screen -ls` output into sessions.
//
//	There are screens on:
//		1234.build	(01/15/2024 10:23:45 AM)	(Detached)
//		5678.logs	(01/15/2024 11:00:00 AM)	(Attached)
//	2 Sockets in /run/screen/S-root.
func ParseScreenList(output, ownerUser string) ([]inventory.Screen, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" || strings.Contains(trimmed, "No Sockets found") {
		return nil, nil
	}

	var sessions []inventory.Screen
	sawHeader := false

	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(line, "There") && strings.Contains(line, "screen") {
			sawHeader = true
			continue
		}
		// Session lines are indented; everything else is chrome.
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			continue
		}

		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}

		id := fields[0]
		if !strings.Contains(id, ".") {
			continue
		}
		name := id[strings.Index(id, ".")+1:]

		s := inventory.Screen{
			ScreenID:  id,
			Name:      name,
			OwnerUser: ownerUser,
		}
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if !strings.HasPrefix(f, "(") || !strings.HasSuffix(f, ")") {
				continue
			}
			inner := f[1 : len(f)-1]
			if t, ok := parseScreenTime(inner); ok {
				s.StartedAt = t
			} else {
				s.State = inner
			}
		}
		sessions = append(sessions, s)
	}

	if sessions == nil && !sawHeader {
		return nil, &ParseError{Source: "screen -ls", Reason: "no recognizable session lines"}
	}
	return sessions, nil
}

func parseScreenTime(s string) (time.Time, bool) {
	for _, layout := range screenTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
