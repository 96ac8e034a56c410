package stringutil

import (
	"strings"
)

// StripANSI removes ANSI escape codes with a byte scanner. It handles CSI
// sequences (\x1b[), OSC sequences (\x1b]), character set selections, keypad
// mode switches and the common 2-byte escapes, including incomplete
// sequences at end of input.
func StripANSI(s string) string {
	if s == "" {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		if s[i] != '\x1b' {
			result.WriteByte(s[i])
			i++
			continue
		}
		if i+1 >= len(s) {
			// ESC at end of string.
			i++
			continue
		}
		switch s[i+1] {
		case '[':
			// CSI: parameters 0x30-0x3F, intermediates 0x20-0x2F, final 0x40-0x7E.
			i += 2
			for i < len(s) {
				if isFinalCSIChar(s[i]) {
					i++
					break
				} else if isCSIParameterChar(s[i]) {
					i++
				} else {
					break
				}
			}
		case ']':
			// OSC: terminated by BEL or ESC-backslash.
			i += 2
			for i < len(s) {
				if s[i] == '\x07' {
					i++
					break
				} else if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '\\' {
					i += 2
					break
				}
				i++
			}
		case '(', ')':
			// G0/G1 character set selection takes one more byte.
			i += 2
			if i < len(s) {
				i++
			}
		case '=', '>', 'c':
			i += 2
		default:
			if s[i+1] >= '0' && s[i+1] <= '~' {
				i += 2
			} else {
				i++
			}
		}
	}

	return result.String()
}

func isFinalCSIChar(b byte) bool {
	return b >= 0x40 && b <= 0x7E
}

func isCSIParameterChar(b byte) bool {
	return (b >= 0x20 && b <= 0x2F) || (b >= 0x30 && b <= 0x3F)
}
