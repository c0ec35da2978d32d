package blockdev

import (
	"strconv"
	"strings"
	"unicode"
)

// isSameOrPartition reports whether source is device itself or one of its
// partitions. nvme/mmc style names use a "p" separator before the number.
func isSameOrPartition(device, source string) bool {
	if source == device {
		return true
	}
	if !strings.HasPrefix(source, device) {
		return false
	}
	suffix := strings.TrimPrefix(source[len(device):], "p")
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// unescapeMount decodes the octal escapes used in /proc/self/mounts (\040 for space).
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
