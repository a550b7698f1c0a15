package engine

import (
	"strconv"

	"github.com/goccy/go-reflect"
	"github.com/oarkflow/json"
	"github.com/pkg/errors"

	"github.com/oarkflow/searchd/utils"
)

// Document is a normalized record ready for indexing.
type Document struct {
	ID   int64
	Data GenericRecord
}

// AdaptConfig carries knobs that influence how inputs are normalized.
type AdaptConfig struct {
	// DocIDField names the record field carrying the document id. When set
	// and parseable, ingesting the same id twice replaces the document.
	DocIDField string
	// DefaultField is the field name raw strings are indexed under.
	DefaultField string
}

func (cfg *AdaptConfig) applyDefaults() {
	if cfg.DefaultField == "" {
		cfg.DefaultField = "content"
	}
}

var errUnsupportedInput = errors.New("engine: unsupported document input type")

// AdaptDocument converts any supported value (GenericRecord, map with string
// keys, struct, string, []byte) into a Document.
func AdaptDocument(value any, cfg AdaptConfig) (Document, error) {
	cfg.applyDefaults()

	if doc, ok := value.(Document); ok {
		return doc, nil
	}
	if rec, ok := toGenericRecord(value); ok {
		return newDocument(rec, cfg), nil
	}

	switch v := value.(type) {
	case string:
		return newDocument(GenericRecord{cfg.DefaultField: v}, cfg), nil
	case []byte:
		return newDocument(GenericRecord{cfg.DefaultField: string(v)}, cfg), nil
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Document{}, errors.Wrapf(errUnsupportedInput, "%T", value)
		}
		rec := make(GenericRecord, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			rec[iter.Key().String()] = iter.Value().Interface()
		}
		return newDocument(rec, cfg), nil
	case reflect.Struct:
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return Document{}, errors.Wrap(err, "engine: marshal struct document")
		}
		var rec GenericRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Document{}, errors.Wrap(err, "engine: unmarshal struct document")
		}
		return newDocument(rec, cfg), nil
	}
	return Document{}, errors.Wrapf(errUnsupportedInput, "%T", value)
}

func toGenericRecord(value any) (GenericRecord, bool) {
	switch v := value.(type) {
	case GenericRecord:
		return v, true
	case map[string]any:
		rec := make(GenericRecord, len(v))
		for k, val := range v {
			rec[k] = val
		}
		return rec, true
	default:
		return nil, false
	}
}

func newDocument(rec GenericRecord, cfg AdaptConfig) Document {
	return Document{ID: extractDocID(rec, cfg), Data: rec}
}

func extractDocID(rec GenericRecord, cfg AdaptConfig) int64 {
	if cfg.DocIDField != "" {
		if raw, ok := rec[cfg.DocIDField]; ok {
			if id, err := strconv.ParseInt(utils.ToString(raw), 10, 64); err == nil {
				return id
			}
		}
	}
	return utils.NewDocID()
}
