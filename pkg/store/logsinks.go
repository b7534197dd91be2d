package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cuemby/loam/pkg/schema"
	"github.com/cuemby/loam/pkg/types"
)

// LogSinkTable is the system table backing the log-sink registry.
const LogSinkTable = "_log_sinks"

// SinkType enumerates the supported log-stream destinations. The sink
// implementations themselves live outside the core; this registry only
// stores their configuration.
type SinkType string

const (
	SinkStdout  SinkType = "stdout"
	SinkDatadog SinkType = "datadog"
	SinkWebhook SinkType = "webhook"
	SinkAxiom   SinkType = "axiom"
	SinkSentry  SinkType = "sentry"
)

var sinkConfigValidators = map[SinkType]schema.Validator{
	SinkStdout: schema.ObjectOf(),
	SinkDatadog: schema.ObjectOf(
		schema.FieldValidator{Name: "site_location", Type: schema.String()},
		schema.FieldValidator{Name: "dd_api_key", Type: schema.String()},
		schema.FieldValidator{Name: "dd_tags", Type: schema.Array(schema.String()), Optional: true},
	),
	SinkWebhook: schema.ObjectOf(
		schema.FieldValidator{Name: "url", Type: schema.String()},
		schema.FieldValidator{Name: "format", Type: schema.Union(
			schema.Literal(types.String("json")),
			schema.Literal(types.String("jsonl")),
		), Optional: true},
	),
	SinkAxiom: schema.ObjectOf(
		schema.FieldValidator{Name: "api_key", Type: schema.String()},
		schema.FieldValidator{Name: "dataset_name", Type: schema.String()},
	),
	SinkSentry: schema.ObjectOf(
		schema.FieldValidator{Name: "dsn", Type: schema.String()},
	),
}

// LogSink is one configured sink.
type LogSink struct {
	ID     types.DocumentID
	Type   SinkType
	Config types.Value
}

// validateSinkConfig checks a sink config against its schema and the
// webhook URL rule.
func (db *Database) validateSinkConfig(sinkType SinkType, config types.Value) error {
	validator, ok := sinkConfigValidators[sinkType]
	if !ok {
		return fmt.Errorf("unknown log sink type %q", sinkType)
	}
	if err := validator.CheckValue(config, db.mapping, db.virtual); err != nil {
		return fmt.Errorf("invalid %s sink config: %w", sinkType, err)
	}
	if sinkType == SinkWebhook {
		rawURL, _ := config.Get("url")
		parsed, err := url.Parse(rawURL.Str)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: %q", types.ErrInvalidWebhookURL, rawURL.Str)
		}
	}
	return nil
}

func sinkDocument(sinkType SinkType, config types.Value) types.Value {
	return types.Object(map[string]types.Value{
		"type":   types.String(string(sinkType)),
		"config": config,
	})
}

// AddLogSink registers a sink. At most one sink per type may exist.
func (db *Database) AddLogSink(ctx context.Context, tx *Transaction, sinkType SinkType, config types.Value) (types.DocumentID, error) {
	if err := db.validateSinkConfig(sinkType, config); err != nil {
		return types.DocumentID{}, err
	}
	existing, err := db.ListLogSinks(ctx, tx)
	if err != nil {
		return types.DocumentID{}, err
	}
	for _, sink := range existing {
		if sink.Type == sinkType {
			return types.DocumentID{}, fmt.Errorf("%w: %s", types.ErrLogSinkExists, sinkType)
		}
	}
	return tx.Insert(ctx, LogSinkTable, sinkDocument(sinkType, config))
}

// RemoveLogSink deletes a sink.
func (db *Database) RemoveLogSink(ctx context.Context, tx *Transaction, id types.DocumentID) error {
	return tx.Delete(ctx, id)
}

// PatchLogSinkConfig replaces a sink's configuration, keeping its type.
func (db *Database) PatchLogSinkConfig(ctx context.Context, tx *Transaction, id types.DocumentID, config types.Value) error {
	current, err := tx.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("log sink not found: %s", id)
	}
	typeValue, _ := current.Get("type")
	sinkType := SinkType(typeValue.Str)
	if err := db.validateSinkConfig(sinkType, config); err != nil {
		return err
	}
	return tx.Replace(ctx, id, sinkDocument(sinkType, config))
}

// ListLogSinks returns every configured sink.
func (db *Database) ListLogSinks(ctx context.Context, tx *Transaction) ([]LogSink, error) {
	docs, err := tx.ScanTable(ctx, LogSinkTable, 0)
	if err != nil {
		return nil, err
	}
	out := make([]LogSink, 0, len(docs))
	for _, doc := range docs {
		typeValue, _ := doc.Value.Get("type")
		configValue, _ := doc.Value.Get("config")
		out = append(out, LogSink{
			ID:     doc.ID,
			Type:   SinkType(typeValue.Str),
			Config: configValue,
		})
	}
	return out, nil
}
