package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/szaharov/caljournal/internal/models"
)

// Add inserts a record into a table. While the field prompt is open an
// edit lock is held, so a background sync cannot clobber the half-entered
// record's table state.
func (a *App) Add(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: add <table>")
		return
	}
	table := args[0]
	if !models.IsKnownTable(table) {
		fmt.Println("Unknown table:", table)
		return
	}

	lockID := "cli-add-" + uuid.NewString()
	a.locks.RegisterDirty(lockID)
	defer a.locks.UnregisterDirty(lockID)

	fields, err := GetFields(a.reader, a.out())
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(fields) == 0 {
		fmt.Println("Cancelled.")
		return
	}

	rec, err := a.store.Insert(ctx, table, coerceFields(fields))
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Added", rec.ID)
}

// Edit applies a partial patch: only the named fields change.
func (a *App) Edit(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: edit <table> <id>")
		return
	}
	table, id := args[0], args[1]

	lockID := "cli-edit-" + id
	a.locks.RegisterDirty(lockID)
	defer a.locks.UnregisterDirty(lockID)

	fields, err := GetFields(a.reader, a.out())
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(fields) == 0 {
		fmt.Println("Cancelled.")
		return
	}

	if _, err := a.store.Update(ctx, table, id, coerceFields(fields)); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Updated", id)
}

func (a *App) List(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: list <table>")
		fmt.Println("Tables:", models.TableNames)
		return
	}

	records, err := a.store.Query(ctx, args[0], nil)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(records) == 0 {
		fmt.Println("(empty)")
		return
	}
	for _, r := range records {
		payload, _ := json.Marshal(r.Payload)
		fmt.Printf("%s  %s  %s\n", r.ID, models.FormatTime(r.UpdatedAt), payload)
	}
}

func (a *App) Delete(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: delete <table> <id>")
		return
	}
	if err := a.store.SoftDelete(ctx, args[0], args[1]); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Deleted", args[1])
}

// Water quick-adds a water entry in millilitres.
func (a *App) Water(ctx context.Context, args []string) {
	a.quickAdd(ctx, models.TableWaterEntries, "ml", args, "Usage: water <ml>")
}

// Weight quick-adds a weight measurement in kilograms.
func (a *App) Weight(ctx context.Context, args []string) {
	a.quickAdd(ctx, models.TableWeights, "kg", args, "Usage: weight <kg>")
}

func (a *App) quickAdd(ctx context.Context, table, field string, args []string, usage string) {
	if len(args) != 1 {
		fmt.Println(usage)
		return
	}
	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Println(usage)
		return
	}

	raw, _ := json.Marshal(value)
	rec, err := a.store.Insert(ctx, table, map[string]json.RawMessage{field: raw})
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Added", rec.ID)
}

func (a *App) Status(ctx context.Context) {
	fmt.Println("session:", a.session.State())
	fmt.Println("unsaved edits:", a.locks.HasUnsavedChanges())
	fmt.Println("local revision:", a.store.Revision())
}

// coerceFields turns "name=value" strings into JSON payload values:
// numbers and booleans keep their type, everything else becomes a string.
func coerceFields(fields map[string]string) map[string]json.RawMessage {
	payload := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		switch {
		case v == "true" || v == "false":
			payload[k] = json.RawMessage(v)
		case isNumeric(v):
			payload[k] = json.RawMessage(v)
		default:
			b, _ := json.Marshal(v)
			payload[k] = b
		}
	}
	return payload
}

func isNumeric(s string) bool {
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return false
	}
	// ParseFloat accepts NaN and Inf, which are not JSON numbers.
	return json.Valid([]byte(s))
}
