package store

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// snapshot is the persisted layout: the three tables plus the scalar values.
type snapshot struct {
	Tables map[models.Table]map[string]json.RawMessage `json:"tables"`
	Values Values                                       `json:"values"`
}

func encodeSnapshot(tables map[models.Table]map[string]models.Row, values Values) ([]byte, error) {
	snap := snapshot{
		Tables: make(map[models.Table]map[string]json.RawMessage, len(models.Tables)),
		Values: values,
	}
	for _, table := range models.Tables {
		rows := make(map[string]json.RawMessage, len(tables[table]))
		for id, row := range tables[table] {
			data, err := json.Marshal(row)
			if err != nil {
				return nil, fmt.Errorf("encode %s/%s: %w", table, id, err)
			}
			rows[id] = data
		}
		snap.Tables[table] = rows
	}
	return json.Marshal(snap)
}

func decodeSnapshot(data []byte) (map[models.Table]map[string]models.Row, Values, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, Values{}, apperrors.Wrap(apperrors.ErrMalformedState, "decode local state", err)
	}
	if snap.Tables == nil {
		return nil, Values{}, apperrors.New(apperrors.ErrMalformedState, "local state has no tables")
	}

	tables := make(map[models.Table]map[string]models.Row, len(models.Tables))
	for _, table := range models.Tables {
		rows := make(map[string]models.Row, len(snap.Tables[table]))
		for id, raw := range snap.Tables[table] {
			ptr, _ := models.NewRow(table)
			if err := json.Unmarshal(raw, ptr); err != nil {
				return nil, Values{}, apperrors.Wrap(apperrors.ErrMalformedState,
					fmt.Sprintf("decode %s/%s", table, id), err)
			}
			row, _ := models.Deref(ptr)
			if row.RowID() != id {
				return nil, Values{}, apperrors.Newf(apperrors.ErrMalformedState,
					"row %s/%s carries id %q", table, id, row.RowID())
			}
			rows[id] = row
		}
		tables[table] = rows
	}
	return tables, snap.Values, nil
}
