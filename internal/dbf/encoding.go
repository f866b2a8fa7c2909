package dbf

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// codePages maps Windows/DOS code page numbers to encodings. Code pages
// without a decoder in x/text are absent and resolve to nothing.
var codePages = map[int]encoding.Encoding{
	437:   charmap.CodePage437,
	850:   charmap.CodePage850,
	852:   charmap.CodePage852,
	855:   charmap.CodePage855,
	858:   charmap.CodePage858,
	860:   charmap.CodePage860,
	862:   charmap.CodePage862,
	863:   charmap.CodePage863,
	865:   charmap.CodePage865,
	866:   charmap.CodePage866,
	874:   charmap.Windows874,
	932:   japanese.ShiftJIS,
	936:   simplifiedchinese.GBK,
	949:   korean.EUCKR,
	950:   traditionalchinese.Big5,
	1250:  charmap.Windows1250,
	1251:  charmap.Windows1251,
	1252:  charmap.Windows1252,
	1253:  charmap.Windows1253,
	1254:  charmap.Windows1254,
	1255:  charmap.Windows1255,
	1256:  charmap.Windows1256,
	1257:  charmap.Windows1257,
	1258:  charmap.Windows1258,
	10000: charmap.Macintosh,
	10007: charmap.MacintoshCyrillic,
	20866: charmap.KOI8R,
	21866: charmap.KOI8U,
	28591: charmap.ISO8859_1,
	28592: charmap.ISO8859_2,
	28595: charmap.ISO8859_5,
	28597: charmap.ISO8859_7,
	28599: charmap.ISO8859_9,
	28605: charmap.ISO8859_15,
	65001: unicode.UTF8,
}

// languageDrivers maps the DBase language driver id (header byte 29) to a
// code page number.
var languageDrivers = map[byte]int{
	0x01: 437, 0x02: 850, 0x03: 1252, 0x04: 10000,
	0x08: 865, 0x09: 437, 0x0A: 850, 0x0B: 437,
	0x0D: 437, 0x0E: 850, 0x0F: 437, 0x10: 850,
	0x11: 437, 0x12: 850, 0x13: 932, 0x14: 850,
	0x15: 437, 0x16: 850, 0x17: 865, 0x18: 437,
	0x19: 437, 0x1A: 850, 0x1B: 437, 0x1C: 863,
	0x1D: 850, 0x1F: 852, 0x22: 852, 0x23: 852,
	0x24: 860, 0x25: 850, 0x26: 866, 0x37: 850,
	0x40: 852, 0x4D: 936, 0x4E: 949, 0x4F: 950,
	0x50: 874, 0x57: 1252, 0x58: 1252, 0x59: 1252,
	0x64: 852, 0x65: 866, 0x66: 865, 0x78: 950,
	0x79: 949, 0x7A: 936, 0x7B: 932, 0x7C: 874,
	0x87: 852, 0x96: 10007, 0xC8: 1250, 0xC9: 1251,
	0xCA: 1254, 0xCB: 1253, 0xCC: 1257,
}

// LanguageDriverEncoding returns the encoding for a language driver id.
func LanguageDriverEncoding(ldid byte) (encoding.Encoding, bool) {
	cp, ok := languageDrivers[ldid]
	if !ok {
		return nil, false
	}
	enc, ok := codePages[cp]
	return enc, ok
}

// CodePageEncoding resolves the contents of a .cpg or .cst sidecar, e.g.
// "UTF-8", "1252", "CP1251", "ANSI 1252" or "ISO-8859-1".
func CodePageEncoding(name string) (encoding.Encoding, bool) {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "\uFEFF"))
	if name == "" {
		return nil, false
	}

	upper := strings.ToUpper(name)
	for _, prefix := range []string{"ANSI", "OEM", "CP", "WINDOWS-", "IBM"} {
		if rest := strings.TrimSpace(strings.TrimPrefix(upper, prefix)); rest != upper {
			if n, err := strconv.Atoi(rest); err == nil {
				enc, ok := codePages[n]
				return enc, ok
			}
		}
	}
	if n, err := strconv.Atoi(upper); err == nil {
		enc, ok := codePages[n]
		return enc, ok
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, false
	}
	return enc, true
}

// ResolveEncoding picks the string encoding for a table: the language driver
// first, then the first readable sidecar. resolved is false when neither
// named a known encoding and UTF-8 was assumed.
func ResolveEncoding(ldid byte, sidecars ...string) (enc encoding.Encoding, resolved bool) {
	if enc, ok := LanguageDriverEncoding(ldid); ok {
		return enc, true
	}
	for _, path := range sidecars {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if enc, ok := CodePageEncoding(string(b)); ok {
			return enc, true
		}
	}
	return unicode.UTF8, false
}
