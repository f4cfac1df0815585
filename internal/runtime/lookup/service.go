package lookup

import (
	"context"

	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// Service resolves a lookup key to a value. Dataset-backed services ignore
// the record; database services read named parameters from it. External
// lookups return nil on miss, never an error.
type Service interface {
	Name() string
	Transform(ctx context.Context, key any, record pipeline.Record) (any, error)
}

// RecordLister is implemented by in-memory dataset services that can
// enumerate their rows.
type RecordLister interface {
	AllRecords() []pipeline.Record
}

// DatasetService is an in-memory lookup service over a list of records
// indexed by a key field. Duplicate keys resolve last-write-wins in
// encountered order.
type DatasetService struct {
	name     string
	keyField string
	index    map[string]pipeline.Record
	records  []pipeline.Record
}

// NewDatasetService indexes records by keyField.
func NewDatasetService(name, keyField string, records []pipeline.Record) *DatasetService {
	index := make(map[string]pipeline.Record, len(records))
	for _, record := range records {
		index[expr.FormatValue(record[keyField])] = record
	}
	return &DatasetService{
		name:     name,
		keyField: keyField,
		index:    index,
		records:  records,
	}
}

// Name returns the service name.
func (s *DatasetService) Name() string { return s.name }

// KeyField returns the field the dataset is indexed by.
func (s *DatasetService) KeyField() string { return s.keyField }

// Transform returns the record stored under key, or nil on miss.
func (s *DatasetService) Transform(_ context.Context, key any, _ pipeline.Record) (any, error) {
	if key == nil {
		return nil, nil
	}
	record, ok := s.index[expr.FormatValue(key)]
	if !ok {
		return nil, nil
	}
	return record, nil
}

// AllRecords returns the dataset rows in encountered order.
func (s *DatasetService) AllRecords() []pipeline.Record { return s.records }
