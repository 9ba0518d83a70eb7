package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/export"
	"github.com/roach88/briefsync/internal/ir"
)

// detectDeletes deletes target entities recorded in this scope whose source
// entity no longer exists. The deletes are ordered on the target's own
// graph and then handed through the regular pipeline, so hooks see them.
func (t *Transformer) detectDeletes(ctx context.Context, res *Result) error {
	prov := t.tctx.Remap.Provenance()
	var images []ir.Entity
	sources := map[ir.Ref]ir.ID{}

	for _, kind := range []ir.Kind{ir.KindElement, ir.KindAspect, ir.KindRelationship} {
		recs, err := prov.Records(ctx, kind)
		if err != nil {
			return fmt.Errorf("detect deletes: %w", err)
		}
		for _, rec := range recs {
			sid, err := rec.SourceID()
			if err != nil {
				slog.Warn("provenance record with unreadable identifier", "aspect", rec.AspectID, "identifier", rec.Identifier)
				continue
			}
			ok, err := t.src.Exists(ctx, kind, sid)
			if err != nil {
				return fmt.Errorf("detect deletes: %w", err)
			}
			if ok {
				continue
			}
			img, err := t.target.Get(ctx, kind, rec.Target)
			if ir.IsNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("detect deletes: %w", err)
			}
			images = append(images, img)
			sources[ir.RefOf(img)] = sid
			if kind != ir.KindElement {
				continue
			}
			m, err := t.target.Get(ctx, ir.KindModel, rec.Target)
			switch {
			case err == nil:
				images = append(images, m)
				sources[ir.RefOf(m)] = sid
			case !ir.IsNotFound(err):
				return fmt.Errorf("detect deletes: %w", err)
			}
		}
	}
	if len(images) == 0 {
		return nil
	}

	refs, err := export.OrderDeletes(images)
	if err != nil {
		return fmt.Errorf("detect deletes: %w", err)
	}
	for _, ref := range refs {
		filtered := res.Filtered
		op := export.Operation{Op: changeset.OpDelete, Kind: ref.Kind, ID: sources[ref]}
		if err := t.process(ctx, op, res); err != nil {
			return fmt.Errorf("detect deletes: %w", err)
		}
		if res.Filtered == filtered {
			res.DetectedDeletes++
		}
	}
	slog.Info("deletes detected", "target", t.target.RepositoryID(), "count", res.DetectedDeletes)
	return nil
}
