// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to various sink-specific formats.
package transformer

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/publisher"
)

const connectorName = "tidemark"

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// DebeziumTransformer renders change events as Debezium JSON envelopes.
// Rows are key/value pairs; both travel as base64 bytes, the way Debezium
// encodes binary columns.
//
// A put becomes an "u" (upsert) record with after set, a delete a "d"
// record with before carrying only the key, since the previous value is
// not part of the change. With the schema section omitted the output is
// the bare payload, which is what the "json" format emits.
type DebeziumTransformer struct {
	withSchema bool
}

// NewDebeziumTransformer creates a transformer emitting schema and payload
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{withSchema: true}
}

// NewJSONTransformer creates a transformer emitting only the payload
func NewJSONTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumRow struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type debeziumPayload struct {
	Before *debeziumRow   `json:"before"`
	After  *debeziumRow   `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Node      uint64 `json:"node"`
	Region    uint64 `json:"region"`
	StartTS   uint64 `json:"start_ts"`
	CommitTS  uint64 `json:"commit_ts"`
	LSN       uint64 `json:"lsn"`
}

// envelopeSchema never changes: every region holds opaque key/value rows
var envelopeSchema = func() *debeziumEnvelopeSchema {
	row := []debeziumSchemaField{
		{Field: "key", Type: "bytes"},
		{Field: "value", Type: "bytes", Optional: true},
	}
	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: connectorName + ".kv.Envelope",
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "struct", Optional: true, Name: connectorName + ".kv.Value", Fields: row},
			{Field: "after", Type: "struct", Optional: true, Name: connectorName + ".kv.Value", Fields: row},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.tidemark.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "node", Type: "int64"},
					{Field: "region", Type: "int64"},
					{Field: "start_ts", Type: "int64"},
					{Field: "commit_ts", Type: "int64"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}()

// Transform converts an event to Debezium JSON
func (d *DebeziumTransformer) Transform(event publisher.Event) ([]byte, error) {
	payload := debeziumPayload{
		TsMs: event.CommitTS.Physical(),
		Source: debeziumSource{
			Connector: connectorName,
			Node:      event.NodeID,
			Region:    event.RegionID,
			StartTS:   uint64(event.StartTS),
			CommitTS:  uint64(event.CommitTS),
			LSN:       event.SeqNum,
		},
	}

	switch event.Op {
	case common.OpPut:
		payload.Op = "u"
		payload.After = &debeziumRow{Key: event.Key, Value: event.Value}
	case common.OpDelete:
		payload.Op = "d"
		payload.Before = &debeziumRow{Key: event.Key}
	default:
		return nil, errors.Newf("cannot export %s event", event.Op)
	}

	var (
		data []byte
		err  error
	)
	if d.withSchema {
		data, err = json.Marshal(debeziumMessage{Schema: envelopeSchema, Payload: payload})
	} else {
		data, err = json.Marshal(payload)
	}
	if err != nil {
		return nil, errors.Wrap(err, "marshal JSON")
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}
