package files

import (
	"fmt"
	"strings"

	"github.com/webconsole-io/gateway/internal/errs"
)

// parseListing splits the combined command output into the resolved path,
// ls entries and df usage.
func parseListing(out string) (Listing, error) {
	var listing Listing
	section := "path"
	var dfLines []string

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch strings.TrimSpace(line) {
		case lsMarker:
			section = "ls"
			continue
		case dfMarker:
			section = "df"
			continue
		}
		switch section {
		case "path":
			if listing.Path == "" && strings.TrimSpace(line) != "" {
				listing.Path = strings.TrimSpace(line)
			}
		case "ls":
			if e, ok := parseLsLine(line); ok {
				listing.Entries = append(listing.Entries, e)
			}
		case "df":
			dfLines = append(dfLines, line)
		}
	}

	if listing.Path == "" {
		return Listing{}, fmt.Errorf("%w: path could not be resolved", errs.ErrNotFound)
	}
	listing.DiskSize, listing.DiskUsed, listing.DiskPercent = parseDf(dfLines)
	if listing.Entries == nil {
		listing.Entries = []Entry{}
	}
	return listing, nil
}

// parseLsLine parses one "ls -la --time-style=long-iso" line. The total
// line and the . and .. entries are skipped.
func parseLsLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 || fields[0] == "total" {
		return Entry{}, false
	}

	// perms links owner group size date time name...
	perms := fields[0]
	name := strings.Join(fields[7:], " ")
	var linkTarget string
	if perms[0] == 'l' {
		if i := strings.Index(name, " -> "); i >= 0 {
			linkTarget = name[i+4:]
			name = name[:i]
		}
	}
	if name == "." || name == ".." {
		return Entry{}, false
	}

	kind := "file"
	switch perms[0] {
	case 'd':
		kind = "dir"
	case 'l':
		kind = "link"
	}

	return Entry{
		Name:       name,
		Type:       kind,
		Size:       fields[4],
		Perms:      perms,
		Owner:      fields[2],
		Group:      fields[3],
		Modified:   fields[5] + " " + fields[6],
		LinkTarget: linkTarget,
	}, true
}

// parseDf extracts size, used and use% from "df -h" output, scanning the
// header for column positions so unusual filesystem names do not break it.
func parseDf(lines []string) (size, used, percent string) {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] == "Filesystem" {
			continue
		}
		// Filesystem Size Used Avail Use% Mounted
		for i, f := range fields {
			if strings.HasSuffix(f, "%") && i >= 3 {
				return fields[i-3], fields[i-2], f
			}
		}
	}
	return "", "", ""
}
