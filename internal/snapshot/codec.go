// Package snapshot serializes the full local store into a versioned,
// optionally passphrase-encrypted document, and parses such documents back.
//
// Document layout (JSON):
//
//	{
//	  "schemaVersion": "1.11",
//	  "exportedAt":    "2026-08-31T10:00:00.000Z",
//	  "encrypted":     true,
//	  "salt":  "<base64>",        // present iff encrypted
//	  "nonce": "<base64>",        // present iff encrypted
//	  "ciphertext": "<base64>",   // encrypted tables, iff encrypted
//	  "tables": { ... }           // plaintext tables, iff not encrypted
//	}
//
// The tables value is the canonical encoding produced by Canonical: table
// names sorted, records sorted by id, envelope fields in one fixed shape.
// Equal store states therefore serialize to equal bytes, which the sync
// orchestrator relies on to detect no-op pushes.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/cryptox"
	"github.com/szaharov/caljournal/internal/models"
	"github.com/szaharov/caljournal/internal/schema"
)

// Snapshot is the parsed form of a backup document. Transient: it exists
// only for the duration of an export or import call.
type Snapshot struct {
	SchemaVersion string
	ExportedAt    time.Time
	Encrypted     bool
	Tables        models.TableSet
}

type document struct {
	SchemaVersion string          `json:"schemaVersion"`
	ExportedAt    string          `json:"exportedAt"`
	Encrypted     bool            `json:"encrypted"`
	Salt          []byte          `json:"salt,omitempty"`
	Nonce         []byte          `json:"nonce,omitempty"`
	Ciphertext    []byte          `json:"ciphertext,omitempty"`
	Tables        json.RawMessage `json:"tables,omitempty"`
}

// Codec builds and parses snapshot documents.
type Codec struct {
	clock models.Clock
}

func NewCodec(clock models.Clock) *Codec {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Codec{clock: clock}
}

// Export serializes tables into a snapshot document. With a non-empty
// passphrase the tables are encrypted with a key derived from the
// passphrase and a fresh salt; salt and nonce are embedded in the header.
//
// The document is stamped with the lowest schema version that covers the
// features actually in use, so exports stay readable by older engines when
// the data allows it.
func (c *Codec) Export(tables models.TableSet, passphrase []byte) ([]byte, error) {
	body, err := Canonical(tables)
	if err != nil {
		return nil, fmt.Errorf("encoding tables: %w", err)
	}

	doc := document{
		SchemaVersion: versionFor(tables, len(passphrase) > 0),
		ExportedAt:    models.FormatTime(c.clock.Now()),
	}

	if len(passphrase) > 0 {
		salt := cryptox.NewSalt()
		key := cryptox.DeriveKey(passphrase, salt)
		defer common.WipeByteArray(key)

		ciphertext, nonce, err := cryptox.Seal(body, key)
		if err != nil {
			return nil, fmt.Errorf("encrypting tables: %w", err)
		}
		doc.Encrypted = true
		doc.Salt = salt
		doc.Nonce = nonce
		doc.Ciphertext = ciphertext
	} else {
		doc.Tables = body
	}

	return json.Marshal(doc)
}

// Import parses a snapshot document. It fails with common.ErrVersion when
// the document was produced by a newer engine, and with common.ErrDecryption
// when the document is encrypted and the passphrase is missing, wrong, or
// the ciphertext was tampered with. No state is mutated on any error path.
func (c *Codec) Import(data []byte, passphrase []byte) (*Snapshot, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing snapshot document: %w", err)
	}

	if !schema.Valid(doc.SchemaVersion) {
		return nil, fmt.Errorf("%w: malformed version %q", common.ErrVersion, doc.SchemaVersion)
	}
	if schema.Compare(doc.SchemaVersion, schema.CurrentVersion()) > 0 {
		return nil, fmt.Errorf("%w: snapshot version %s, engine supports up to %s",
			common.ErrVersion, doc.SchemaVersion, schema.CurrentVersion())
	}

	body := doc.Tables
	if doc.Encrypted {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: snapshot is encrypted and no passphrase was given", common.ErrDecryption)
		}
		if len(doc.Salt) == 0 || len(doc.Nonce) == 0 {
			return nil, fmt.Errorf("%w: encrypted snapshot without salt/nonce", common.ErrDecryption)
		}
		key := cryptox.DeriveKey(passphrase, doc.Salt)
		defer common.WipeByteArray(key)

		plaintext, err := cryptox.Open(doc.Ciphertext, doc.Nonce, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
		}
		body = plaintext
	}

	tables, err := decodeTables(body)
	if err != nil {
		return nil, err
	}

	exportedAt, err := models.ParseTime(doc.ExportedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing exportedAt: %w", err)
	}

	return &Snapshot{
		SchemaVersion: doc.SchemaVersion,
		ExportedAt:    exportedAt,
		Encrypted:     doc.Encrypted,
		Tables:        tables,
	}, nil
}

// Canonical encodes a table set deterministically: table names sorted
// (encoding/json sorts map keys), records sorted by id. Two equal states
// produce identical bytes, so digests of this encoding detect real change.
func Canonical(tables models.TableSet) ([]byte, error) {
	out := make(map[string][]models.Record, len(tables))
	for name, records := range tables {
		sorted := make([]models.Record, len(records))
		copy(sorted, records)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		out[name] = sorted
	}
	// Every known table appears, empty ones as [], so the document shape
	// does not depend on which tables happen to hold data.
	for _, name := range models.TableNames {
		if _, ok := out[name]; !ok {
			out[name] = []models.Record{}
		}
	}
	return json.Marshal(out)
}

// decodeTables parses the tables object and back-fills fields absent from
// documents written by older engine versions:
//   - tables the version did not have yet default to empty;
//   - a missing deleted flag defaults to false (pre-tombstone snapshots);
//   - a deleted record missing deleted_at gets deleted_at = updated_at.
func decodeTables(body []byte) (models.TableSet, error) {
	var raw map[string][]models.Record
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing tables: %w", err)
	}

	tables := make(models.TableSet, len(models.TableNames))
	for name, records := range raw {
		if !models.IsKnownTable(name) {
			// Tables this engine does not know cannot be merged safely, but
			// version gating already rejected newer snapshots; leftovers here
			// are stale experiments and are dropped.
			continue
		}
		for i := range records {
			if records[i].Deleted && records[i].DeletedAt == nil {
				t := records[i].UpdatedAt
				records[i].DeletedAt = &t
			}
		}
		tables[name] = records
	}
	for _, name := range models.TableNames {
		if _, ok := tables[name]; !ok {
			tables[name] = []models.Record{}
		}
	}

	if err := validateTables(tables); err != nil {
		return nil, err
	}
	return tables, nil
}

func validateTables(tables models.TableSet) error {
	for name, records := range tables {
		seen := make(map[string]struct{}, len(records))
		for _, r := range records {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("table %s: %w", name, err)
			}
			if _, dup := seen[r.ID]; dup {
				return fmt.Errorf("table %s: duplicate id %s", name, r.ID)
			}
			seen[r.ID] = struct{}{}
		}
	}
	return nil
}

// versionFor picks the snapshot version from the features the data uses.
func versionFor(tables models.TableSet, encrypted bool) string {
	var features []schema.Feature
	if encrypted {
		features = append(features, schema.FeatureEncryption)
	}
	if hasTombstones(tables) {
		features = append(features, schema.FeatureTombstones)
	}
	if len(tables[models.TableWaterEntries]) > 0 {
		features = append(features, schema.FeatureWaterEntries)
	}
	if len(tables[models.TableHeartRateSamples]) > 0 ||
		len(tables[models.TableSleepStages]) > 0 ||
		len(tables[models.TableStepsSamples]) > 0 {
		features = append(features, schema.FeatureActivitySamples)
	}
	return schema.ChooseVersion(features...)
}

func hasTombstones(tables models.TableSet) bool {
	for _, records := range tables {
		for _, r := range records {
			if r.Deleted {
				return true
			}
		}
	}
	return false
}
