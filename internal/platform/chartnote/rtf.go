package chartnote

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// destinations whose contents are never visible text.
var skippedDestinations = map[string]bool{
	"fonttbl":    true,
	"colortbl":   true,
	"stylesheet": true,
	"info":       true,
	"pict":       true,
	"header":     true,
	"footer":     true,
	"object":     true,
	"themedata":  true,
	"xmlnstbl":   true,
	"listtable":  true,
	"generator":  true,
}

// ToText returns the readable text of a chart-note file body. RTF is reduced
// to plain text; other input is decoded as UTF-8, falling back to
// Windows-1252.
func ToText(raw []byte) string {
	trimmed := bytes.TrimLeft(raw, " \t\r\n\ufeff")
	if bytes.HasPrefix(trimmed, []byte(`{\rtf`)) {
		return rtfToText(trimmed)
	}
	return decodeText(raw)
}

func decodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, nil))
	}
	return string(out)
}

func rtfToText(src []byte) string {
	var (
		out       strings.Builder
		depth     int
		skipDepth = -1
		ucSkip    int
	)
	skipping := func() bool { return skipDepth >= 0 && depth >= skipDepth }

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '{':
			depth++
		case '}':
			if skipDepth >= 0 && depth <= skipDepth {
				skipDepth = -1
			}
			depth--
		case '\r', '\n':
		case '\\':
			if i+1 >= len(src) {
				break
			}
			next := src[i+1]
			switch {
			case next == '\\' || next == '{' || next == '}':
				if !skipping() {
					out.WriteByte(next)
				}
				i++
			case next == '\'':
				if i+3 < len(src) {
					if b, err := strconv.ParseUint(string(src[i+2:i+4]), 16, 8); err == nil && !skipping() {
						if ucSkip > 0 {
							ucSkip--
						} else {
							out.WriteRune(charmap.Windows1252.DecodeByte(byte(b)))
						}
					}
				}
				i += 3
			case next == '*':
				// {\* ...} marks an ignorable destination.
				if !skipping() {
					skipDepth = depth
				}
				i++
			case isLetter(next):
				j := i + 1
				for j < len(src) && isLetter(src[j]) {
					j++
				}
				word := string(src[i+1 : j])
				k := j
				if k < len(src) && (src[k] == '-' || isDigit(src[k])) {
					k++
					for k < len(src) && isDigit(src[k]) {
						k++
					}
				}
				param := string(src[j:k])
				if k < len(src) && src[k] == ' ' {
					k++
				}
				i = k - 1

				if skipDepth < 0 && skippedDestinations[word] {
					skipDepth = depth
					continue
				}
				if skipping() {
					continue
				}
				switch word {
				case "par", "line", "row":
					out.WriteByte('\n')
				case "tab", "cell":
					out.WriteByte('\t')
				case "u":
					if n, err := strconv.Atoi(param); err == nil {
						if n < 0 {
							n += 65536
						}
						out.WriteRune(rune(n))
						ucSkip = 1
					}
				}
			default:
				// Control symbols such as \~ or \- carry no text we need.
				i++
			}
		default:
			if skipping() {
				continue
			}
			if ucSkip > 0 {
				ucSkip--
				continue
			}
			out.WriteByte(c)
		}
	}
	return strings.TrimSpace(out.String())
}

func isLetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
