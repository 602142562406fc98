package config

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// LoadDotenv applies a .env file to the process environment. Variables the
// process already has win; a missing file is a no-op so the daemon can run
// without one.
func LoadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	pairs, err := parseDotenv(f)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.key); !exists {
			os.Setenv(p.key, p.value)
		}
	}
	return nil
}

type envPair struct {
	key, value string
}

// parseDotenv reads KEY=VALUE lines. Blank lines, comments and lines
// without a separator are skipped; an `export ` prefix is tolerated so a
// shell-sourceable file loads unchanged.
func parseDotenv(r io.Reader) ([]envPair, error) {
	var pairs []envPair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pairs = append(pairs, envPair{key: key, value: unquoteEnv(strings.TrimSpace(value))})
	}
	return pairs, scanner.Err()
}

// unquoteEnv strips one matching pair of surrounding quotes.
func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first == last && (first == '"' || first == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
