package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadSecrets reads a flat "user secret" per-line file into a map, warning
// (not failing) if the file is readable by group or other, since it holds
// cleartext operator secrets.
func LoadSecrets(path string) (map[string]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets file: %w", err)
	}
	if fi.Mode().Perm()&0o044 != 0 {
		fmt.Fprintf(os.Stderr, "warning: secrets file %s is readable by group/other\n", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		users[parts[0]] = parts[1]
	}
	return users, scanner.Err()
}
