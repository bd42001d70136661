package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

const maxLineBytes = 4 << 20

// ParseLine decodes one JSON object per line. Blank lines, Elasticsearch
// bulk index headers and invalid JSON are rejected.
func ParseLine(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, `{"index"`) {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// ReadJSONL normalizes every parseable line from r.
func ReadJSONL(r io.Reader, source string, now func() time.Time) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var out []Event
	for sc.Scan() {
		obj, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		out = append(out, Normalize(obj, source, now()))
	}
	return out, sc.Err()
}

// LoadJSONL reads a capture file. A missing file yields no events.
func LoadJSONL(path, source string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ReadJSONL(f, source, time.Now)
}
