package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

//go:embed exit_codes.json
var defaultExitCodes []byte

const UNKNOWN_EXIT_CODE_DESCRIPTION = "Unknown error"

// ExitCodeTable maps build exit codes to human readable descriptions. It is built once at
// startup and handed to whoever needs it.
type ExitCodeTable struct {
	descriptions map[int64]string
}

func DefaultExitCodeTable() (*ExitCodeTable, error) {
	return ReadExitCodeTable(bytes.NewReader(defaultExitCodes))
}

// LoadExitCodeTable reads the table from path, or returns the embedded default if path is empty.
func LoadExitCodeTable(path string) (*ExitCodeTable, error) {
	if path == "" {
		return DefaultExitCodeTable()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadExitCodeTable(file)
}

func ReadExitCodeTable(r io.Reader) (*ExitCodeTable, error) {
	var raw map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode exit codes: %w", err)
	}
	table := &ExitCodeTable{descriptions: make(map[int64]string, len(raw))}
	for key, description := range raw {
		code, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q: %w", key, err)
		}
		table.descriptions[code] = description
	}
	return table, nil
}

func (t *ExitCodeTable) Describe(code int64) string {
	if t != nil {
		if description, ok := t.descriptions[code]; ok {
			return description
		}
	}
	return UNKNOWN_EXIT_CODE_DESCRIPTION
}
