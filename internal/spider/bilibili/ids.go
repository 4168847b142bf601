package bilibili

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var rgxIDSeparator = regexp.MustCompile(`[\s,]+`)

// ParseItemIDs splits comma or whitespace separated ids, dropping blanks and
// duplicates. The first occurrence wins the position.
func ParseItemIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, value := range values {
		for _, id := range rgxIDSeparator.Split(value, -1) {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// ReadItemIDs parses every id found in r.
func ReadItemIDs(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	return ParseItemIDs(string(data)), nil
}

// ReadItemIDsFile parses every id found in the file at path.
func ReadItemIDsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ids file: %w", err)
	}
	defer f.Close()
	return ReadItemIDs(f)
}
