package syncer

import (
	"fmt"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/models"
)

// MergeTables reconciles the local table set with a remote snapshot's,
// per table, by record id:
//
//   - a record present on one side only is kept as-is;
//   - otherwise the record with the later updated_at wins entirely (its
//     full field set replaces the other's);
//   - a deletion wins over a newer-looking edit when the deleting side's
//     deleted_at is later than the other side's updated_at (tombstone
//     propagation); resurrection happens only when the other side's edit
//     is later than this side's deletion;
//   - identical updated_at prefers the local record. Deterministic, and it
//     keeps a re-merge of an already-applied snapshot a no-op.
//
// The merged set is checked against the record invariants; a violation is
// reported as common.ErrMergeInvariant and must abort the cycle.
func MergeTables(local, remote models.TableSet) (models.TableSet, error) {
	merged := make(models.TableSet, len(models.TableNames))

	for _, name := range models.TableNames {
		localRecs := local[name]
		remoteRecs := remote[name]

		remoteByID := make(map[string]models.Record, len(remoteRecs))
		for _, r := range remoteRecs {
			remoteByID[r.ID] = r
		}

		out := make([]models.Record, 0, len(localRecs)+len(remoteRecs))
		seen := make(map[string]struct{}, len(localRecs))

		for _, lr := range localRecs {
			seen[lr.ID] = struct{}{}
			rr, onRemote := remoteByID[lr.ID]
			if !onRemote {
				out = append(out, lr)
				continue
			}
			out = append(out, mergeRecords(lr, rr))
		}
		for _, rr := range remoteRecs {
			if _, ok := seen[rr.ID]; !ok {
				out = append(out, rr)
			}
		}

		merged[name] = out
	}

	if err := checkMergedInvariants(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func mergeRecords(local, remote models.Record) models.Record {
	localDeletionWins := local.Deleted && local.DeletedAt != nil && local.DeletedAt.After(remote.UpdatedAt)
	remoteDeletionWins := remote.Deleted && remote.DeletedAt != nil && remote.DeletedAt.After(local.UpdatedAt)

	switch {
	case localDeletionWins && !remoteDeletionWins:
		return local.Clone()
	case remoteDeletionWins && !localDeletionWins:
		return remote.Clone()
	}

	// Both deletions win (or neither): later edit takes the record whole,
	// ties prefer local.
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote.Clone()
	}
	return local.Clone()
}

func checkMergedInvariants(merged models.TableSet) error {
	for name, records := range merged {
		ids := make(map[string]struct{}, len(records))
		for _, r := range records {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("%w: table %s: %v", common.ErrMergeInvariant, name, err)
			}
			if _, dup := ids[r.ID]; dup {
				return fmt.Errorf("%w: table %s: duplicate id %s", common.ErrMergeInvariant, name, r.ID)
			}
			ids[r.ID] = struct{}{}
		}
	}
	return nil
}
