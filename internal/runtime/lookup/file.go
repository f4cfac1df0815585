package lookup

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// LoadFileDataset reads a dataset file into records. The format is taken
// from the descriptor when set, else from the file extension. YAML and JSON
// documents carry either a top-level list of records or a map with a "data"
// list; CSV files carry a header row.
func LoadFileDataset(path, format string) ([]pipeline.Record, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = "yaml"
		case ".json":
			format = "json"
		case ".csv":
			format = "csv"
		default:
			return nil, pipeline.ConfigErrorf("dataset file %s: unknown format", path)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lookup: read dataset %s: %w", path, err)
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("lookup: parse yaml dataset %s: %w", path, err)
		}
		return recordsFromDocument(path, doc)
	case "json":
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("lookup: parse json dataset %s: %w", path, err)
		}
		return recordsFromDocument(path, doc)
	case "csv":
		return recordsFromCSV(path, raw)
	default:
		return nil, pipeline.ConfigErrorf("dataset file %s: format %q unsupported", path, format)
	}
}

func recordsFromDocument(path string, doc any) ([]pipeline.Record, error) {
	if wrapper, ok := doc.(map[string]any); ok {
		if inner, ok := wrapper["data"]; ok {
			doc = inner
		}
	}
	rows, ok := doc.([]any)
	if !ok {
		return nil, pipeline.ConfigErrorf("dataset file %s: expected a list of records", path)
	}
	records := make([]pipeline.Record, 0, len(rows))
	for i, row := range rows {
		record, ok := row.(map[string]any)
		if !ok {
			return nil, pipeline.ConfigErrorf("dataset file %s: row %d is not a record", path, i)
		}
		records = append(records, record)
	}
	return records, nil
}

func recordsFromCSV(path string, raw []byte) ([]pipeline.Record, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("lookup: parse csv dataset %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, pipeline.ConfigErrorf("dataset file %s: csv header required", path)
	}
	header := rows[0]
	records := make([]pipeline.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(pipeline.Record, len(header))
		for i, column := range header {
			if i < len(row) {
				record[column] = coerceCSVCell(row[i])
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// coerceCSVCell narrows a CSV cell to int64, float64, or bool when the text
// parses cleanly; everything else stays a string.
func coerceCSVCell(cell string) any {
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	switch cell {
	case "true":
		return true
	case "false":
		return false
	}
	return cell
}
