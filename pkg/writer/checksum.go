package writer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var hashers = map[string]func() hash.Hash{
	"crc32":    func() hash.Hash { return crc32.NewIEEE() },
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha256":   sha256.New,
	"xxhash64": func() hash.Hash { return xxhash.New() },
}

// SupportedChecksums lists the accepted checksum algorithm names, sorted.
func SupportedChecksums() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeChecksums lower-cases, de-duplicates and validates algorithm names,
// keeping their first-seen order.
func NormalizeChecksums(algorithms []string) ([]string, error) {
	seen := make(map[string]bool, len(algorithms))
	out := make([]string, 0, len(algorithms))
	for _, a := range algorithms {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		if _, ok := hashers[a]; !ok {
			return nil, fmt.Errorf("unsupported checksum algorithm %q (supported: %s)", a, strings.Join(SupportedChecksums(), ", "))
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}

// checksummer feeds every written byte to a set of hashes.
type checksummer struct {
	names  []string
	hashes []hash.Hash
	w      io.Writer
}

func newChecksummer(algorithms []string) *checksummer {
	c := &checksummer{}
	writers := make([]io.Writer, 0, len(algorithms))
	for _, name := range algorithms {
		h := hashers[name]()
		c.names = append(c.names, name)
		c.hashes = append(c.hashes, h)
		writers = append(writers, h)
	}
	c.w = io.MultiWriter(writers...)
	return c
}

func (c *checksummer) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *checksummer) sums() map[string]string {
	if len(c.names) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.names))
	for i, name := range c.names {
		out[name] = hex.EncodeToString(c.hashes[i].Sum(nil))
	}
	return out
}
