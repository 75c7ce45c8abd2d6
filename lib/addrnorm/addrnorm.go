// Package addrnorm cleans up the street addresses the camera portals
// hand back before they are sent to the geocoder. The portals embed
// block qualifiers, travel directions and local highway nicknames that
// confuse address matching.
package addrnorm

import "strings"

// tokens that carry no address information: block qualifiers and the
// travel-direction markers the vendors append per camera approach.
var dropTokens = map[string]bool{
	"BLK":   true,
	"BLOCK": true,
	"NB":    true,
	"SB":    true,
	"EB":    true,
	"WB":    true,
}

var directionals = map[string]string{
	"N": "NORTH",
	"S": "SOUTH",
	"E": "EAST",
	"W": "WEST",
}

// highway nicknames seen on the portals mapped to route numbers the
// geocoder understands.
var highwayAliases = map[string]string{
	"JFX":               "I-83",
	"JONES FALLS EXPWY": "I-83",
	"BW PKWY":           "MD-295",
	"HARBOR TUNNEL":     "I-895",
}

// Normalize applies the documented substitution table. The result of
// normalizing an already-normalized address is the address itself.
func Normalize(address string) string {
	address = strings.ToUpper(strings.TrimSpace(address))

	fields := strings.Fields(address)
	out := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if dropTokens[tok] {
			continue
		}
		// "LANE 1" style approach qualifiers
		if tok == "LANE" && i+1 < len(fields) && isDigits(fields[i+1]) {
			i++
			continue
		}
		if full, ok := directionals[tok]; ok {
			out = append(out, full)
			continue
		}
		out = append(out, tok)
	}

	result := strings.Join(out, " ")
	for alias, route := range highwayAliases {
		result = strings.ReplaceAll(result, alias, route)
	}
	return result
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
