package cobreports

import (
	"fmt"
	"strconv"
	"strings"
)

// LTIVEntry is one record of a ReportViewer async postback body.
type LTIVEntry struct {
	Value string
	Type  string
}

// ParseLTIV decodes the length-prefixed format ReportViewer async
// responses use: repeated LENGTH|TYPE|ID|VALUE records where VALUE is
// exactly LENGTH characters followed by a pipe. Lengths count
// characters, not bytes, so values holding non-ASCII markup still
// align.
func ParseLTIV(data string) (map[string]LTIVEntry, error) {
	entries := map[string]LTIVEntry{}
	for data != "" {
		rawLength, rest, found := strings.Cut(data, "|")
		if !found {
			return nil, fmt.Errorf("%w: truncated ltiv length in %.100q", ErrBadMarkup, data)
		}
		length, err := strconv.Atoi(rawLength)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ltiv length %q", ErrBadMarkup, rawLength)
		}

		entryType, rest, found := strings.Cut(rest, "|")
		if !found {
			return nil, fmt.Errorf("%w: truncated ltiv type", ErrBadMarkup)
		}
		id, rest, found := strings.Cut(rest, "|")
		if !found {
			return nil, fmt.Errorf("%w: truncated ltiv id", ErrBadMarkup)
		}

		runes := []rune(rest)
		if length >= len(runes) || runes[length] != '|' {
			return nil, fmt.Errorf("%w: ltiv value for %q is not %d characters", ErrBadMarkup, id, length)
		}
		entries[id] = LTIVEntry{Value: string(runes[:length]), Type: entryType}
		data = string(runes[length+1:])
	}
	return entries, nil
}
