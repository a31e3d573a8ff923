package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/roach88/formsync/internal/record"
)

// readData parses form data given inline or as a file. A file of "-"
// reads stdin. With neither, the data is empty.
func readData(inline, file string, stdin io.Reader) (*record.Record, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--data and --data-file are mutually exclusive")
	}

	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		raw = b
	default:
		return record.New(), nil
	}

	data, err := record.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid form data JSON: %w", err)
	}
	return data, nil
}
