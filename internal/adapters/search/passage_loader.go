package search

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ReadPassages decodes passages from either a JSON array or JSON lines
func ReadPassages(r io.Reader) ([]Passage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read passages: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var passages []Passage
		if err := json.Unmarshal(trimmed, &passages); err != nil {
			return nil, fmt.Errorf("failed to decode passages: %w", err)
		}
		return passages, nil
	}

	var passages []Passage
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var p Passage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		passages = append(passages, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan passages: %w", err)
	}
	return passages, nil
}
