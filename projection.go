package shapefile

import (
	"regexp"
	"strconv"
	"strings"
)

var epsgAuthority = regexp.MustCompile(`(?i)AUTHORITY\s*\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)

// sridFromWKT returns the EPSG code of the outermost authority clause of a
// .prj well-known text. The outermost clause closes last.
func sridFromWKT(wkt string) (int, bool) {
	matches := epsgAuthority.FindAllStringSubmatch(wkt, -1)
	if len(matches) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || code <= 0 {
		return 0, false
	}
	return code, true
}

// wktName returns the quoted name of the top-level WKT node, e.g.
// "GCS_WGS_1984" for GEOGCS["GCS_WGS_1984",...].
func wktName(wkt string) string {
	i := strings.IndexByte(wkt, '"')
	if i < 0 {
		return ""
	}
	j := strings.IndexByte(wkt[i+1:], '"')
	if j < 0 {
		return ""
	}
	return wkt[i+1 : i+1+j]
}
