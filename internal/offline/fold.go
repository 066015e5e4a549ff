package offline

import (
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// rowID returns the identity of a row, its "id" field.
func rowID(r models.Row) string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// fold returns base with changes applied in order. base is not modified.
func fold(base []models.Row, changes []*models.PendingChange) []models.Row {
	out := make([]models.Row, 0, len(base))
	for _, r := range base {
		out = append(out, r.Clone())
	}
	for _, c := range changes {
		if c.Synced {
			continue
		}
		out = applyChange(out, c.Kind, c.RecordID, c.Payload)
	}
	return out
}

// applyChange applies one change to rows in place and returns the result.
// A create appends (or replaces a row with the same id), an update patches
// the matching row and a delete removes it.
func applyChange(rows []models.Row, kind models.ChangeKind, recordID string, payload models.Row) []models.Row {
	idx := -1
	for i, r := range rows {
		if rowID(r) == recordID {
			idx = i
			break
		}
	}

	switch kind {
	case models.ChangeCreate:
		row := payload.Clone()
		if row == nil {
			row = models.Row{}
		}
		row["id"] = recordID
		if idx >= 0 {
			rows[idx] = row
		} else {
			rows = append(rows, row)
		}
	case models.ChangeUpdate:
		if idx < 0 {
			return rows
		}
		row := rows[idx].Clone()
		for k, v := range payload {
			row[k] = v
		}
		row["id"] = recordID
		rows[idx] = row
	case models.ChangeDelete:
		if idx >= 0 {
			rows = append(rows[:idx], rows[idx+1:]...)
		}
	}
	return rows
}

// batch is the single change sent to the backend for one record after
// coalescing its queued changes. An empty Kind means the queued changes
// cancel out and nothing needs to be sent.
type batch struct {
	Table     string
	RecordID  string
	Kind      models.ChangeKind
	Payload   models.Row
	ChangeIDs []string
	// Replace marks a record deleted and recreated locally; the remote
	// record must be overwritten rather than patched.
	Replace bool
}

func (b batch) key() string { return recordKey(b.Table, b.RecordID) }

func recordKey(table, recordID string) string { return table + "/" + recordID }

// coalesce collapses the queued changes of each record into one batch,
// preserving the order in which records were first touched. Later fields win.
func coalesce(changes []*models.PendingChange) []batch {
	var order []string
	byKey := make(map[string]*batch)

	for _, c := range changes {
		key := recordKey(c.Table, c.RecordID)
		b, ok := byKey[key]
		if !ok {
			b = &batch{Table: c.Table, RecordID: c.RecordID, Kind: c.Kind, Payload: c.Payload.Clone()}
			if c.Kind == models.ChangeDelete {
				b.Payload = nil
			}
			b.ChangeIDs = []string{c.ID}
			byKey[key] = b
			order = append(order, key)
			continue
		}
		b.ChangeIDs = append(b.ChangeIDs, c.ID)

		switch c.Kind {
		case models.ChangeCreate:
			switch b.Kind {
			case "":
				b.Kind = models.ChangeCreate
				b.Payload = c.Payload.Clone()
			case models.ChangeDelete:
				b.Kind = models.ChangeCreate
				b.Replace = true
				b.Payload = c.Payload.Clone()
			default:
				b.Payload = merge(b.Payload, c.Payload)
			}
		case models.ChangeUpdate:
			switch b.Kind {
			case models.ChangeCreate, models.ChangeUpdate:
				b.Payload = merge(b.Payload, c.Payload)
			}
		case models.ChangeDelete:
			if b.Kind == models.ChangeCreate && !b.Replace {
				b.Kind = ""
			} else {
				b.Kind = models.ChangeDelete
			}
			b.Replace = false
			b.Payload = nil
		}
	}

	out := make([]batch, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// merge returns base overlaid with top.
func merge(base, top models.Row) models.Row {
	out := base.Clone()
	if out == nil {
		out = models.Row{}
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}
