package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// minCredentialLen is the length a line must exceed to be considered a key.
const minCredentialLen = 20

// Parse reads one credential per line. A line qualifies when its trimmed
// length exceeds 20 characters and it starts with one of prefixes; everything
// else is dropped without error.
func Parse(r io.Reader, prefixes []string) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) <= minCredentialLen || !hasPrefix(line, prefixes) {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return keys, nil
}

// LoadFile parses a credentials file from disk.
func LoadFile(path string, prefixes []string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, prefixes)
}

func hasPrefix(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
