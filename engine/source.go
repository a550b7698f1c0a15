package engine

import (
	"context"
	"io"

	"github.com/oarkflow/json"
	"github.com/oarkflow/squealx"
	"github.com/oarkflow/squealx/connection"
	"github.com/pkg/errors"
)

// DBSource describes a SQL query to seed an index from.
type DBSource struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Driver   string `json:"driver"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
	Query    string `json:"query"`
}

// SeedFromDatabase streams the rows of src.Query into the index and commits
// them as a single durability unit. Returns the number of rows staged.
func (idx *Index) SeedFromDatabase(ctx context.Context, src DBSource) (int, error) {
	if src.Query == "" {
		return 0, errors.New("engine: no seed query provided")
	}
	db, _, err := connection.FromConfig(squealx.Config{
		Host:     src.Host,
		Port:     src.Port,
		Driver:   src.Driver,
		Username: src.Username,
		Password: src.Password,
		Database: src.Database,
	})
	if err != nil {
		return 0, errors.Wrap(err, "connect to seed database")
	}
	defer db.Close()

	var staged int
	err = squealx.SelectEach(db, func(row map[string]any) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := idx.Add(row); err != nil {
			return err
		}
		staged++
		return nil
	}, src.Query)
	if err != nil {
		return staged, errors.Wrap(err, "seed from database")
	}
	return staged, idx.Commit()
}

// SeedFromRecords stages every record and commits once.
func (idx *Index) SeedFromRecords(ctx context.Context, records []GenericRecord) (int, error) {
	var staged int
	for _, rec := range records {
		if ctx.Err() != nil {
			return staged, ctx.Err()
		}
		if _, err := idx.Add(rec); err != nil {
			return staged, err
		}
		staged++
	}
	return staged, idx.Commit()
}

// SeedFromReader decodes a JSON array of records from r, staging each element
// as it arrives, then commits once at the end of the array.
func (idx *Index) SeedFromReader(ctx context.Context, r io.Reader) (int, error) {
	decoder := json.NewDecoder(r)
	tok, err := decoder.Token()
	if err != nil {
		return 0, errors.Wrap(err, "read seed stream")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return 0, errors.Errorf("engine: seed stream must be a JSON array, got %v", tok)
	}
	var staged int
	for decoder.More() {
		if ctx.Err() != nil {
			return staged, ctx.Err()
		}
		var rec GenericRecord
		if err := decoder.Decode(&rec); err != nil {
			return staged, errors.Wrap(err, "decode seed record")
		}
		if _, err := idx.Add(rec); err != nil {
			return staged, err
		}
		staged++
	}
	return staged, idx.Commit()
}
