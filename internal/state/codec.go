package state

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaVersion is written into every persisted record
const SchemaVersion = 1

//go:embed batch_schema.json
var batchSchemaV1 string

var batchSchemaLoader = gojsonschema.NewStringLoader(batchSchemaV1)

// record is the on-disk shape of a batch
type record struct {
	SchemaVersion int `json:"schemaVersion"`
	Batch
}

func encodeBatch(b *Batch) ([]byte, error) {
	return json.MarshalIndent(record{SchemaVersion: SchemaVersion, Batch: *b}, "", "  ")
}

func decodeBatch(data []byte) (*Batch, error) {
	var header struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("malformed batch record: %w", err)
	}
	if header.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported batch schema version %d", header.SchemaVersion)
	}

	result, err := gojsonschema.Validate(batchSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to validate batch record: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("invalid batch record: %s", strings.Join(problems, "; "))
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed batch record: %w", err)
	}
	if rec.Tasks == nil {
		rec.Tasks = []Task{}
	}
	return &rec.Batch, nil
}
