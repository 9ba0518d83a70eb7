package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/export"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/store"
)

// ExportResult is the output of export.
type ExportResult struct {
	Summary    export.Summary     `json:"summary"`
	Operations []export.Operation `json:"operations,omitempty"`
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Since          int64
	Changes        bool
	SummaryOnly    bool
	Exclude        []string
	WithProvenance bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <replica>",
		Short: "Print the ordered export of a replica",
		Long: `Plan the export of a replica file and print the operations in the order
an importer must apply them. With --changes only the net effect of the
changesets after --since, up to the replica's current index, is exported;
those changesets are fetched from the hub.

Example:
  briefsync export site.db
  briefsync export site.db --changes --since 12 --summary`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Changes, "changes", false, "export changesets instead of the whole replica")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "with --changes, the index the export starts after")
	cmd.Flags().BoolVar(&opts.SummaryOnly, "summary", false, "print the summary only")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "class to leave out with its dependents, repeatable")
	cmd.Flags().BoolVar(&opts.WithProvenance, "include-source-provenance", false, "export the replica's own provenance aspects")

	return cmd
}

func runExport(opts *ExportOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	src, err := store.Open(path)
	if err != nil {
		return f.Fail("export", WrapExitError(ExitCommandError, "open replica "+path, err))
	}
	defer src.Close()

	x := export.New(src,
		export.WithExcludedClasses(opts.Exclude...),
		export.WithSourceProvenance(opts.WithProvenance))
	var stream *export.Stream
	if opts.Changes {
		var sets []*changeset.ChangeSet
		if sets, err = opts.fetchChangeSets(ctx, src, opts.Since); err == nil {
			stream, err = x.ExportChanges(ctx, sets)
		}
	} else {
		stream, err = x.ExportAll(ctx)
	}
	if err != nil {
		return f.Fail("export", err)
	}

	var res ExportResult
	if !opts.SummaryOnly {
		if res.Operations, err = export.Collect(ctx, stream); err != nil {
			return f.Fail("export", err)
		}
	}
	res.Summary = stream.Summary()
	return f.Result(res, func(w io.Writer) {
		for _, op := range res.Operations {
			writeOperation(w, op)
		}
		writeSummary(w, res.Summary)
	})
}

// fetchChangeSets downloads the changesets of src's repository after since
// and up to src's parent changeset.
func (o *RootOptions) fetchChangeSets(ctx context.Context, src *store.Store, since int64) ([]*changeset.ChangeSet, error) {
	upTo, _, err := src.ParentChangeSet(ctx)
	if err != nil {
		return nil, err
	}
	if since >= upTo {
		return nil, nil
	}
	c, err := o.dialHub(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	entries, err := c.GetChangeSets(ctx, src.RepositoryID(), since)
	if err != nil {
		return nil, err
	}
	var sets []*changeset.ChangeSet
	for _, e := range entries {
		if e.Index > upTo {
			break
		}
		cs, err := changeset.Decode(e.Data)
		if err != nil {
			return nil, fmt.Errorf("changeset %d: %w", e.Index, err)
		}
		cs.Index = e.Index
		sets = append(sets, cs)
	}
	return sets, nil
}

func writeOperation(w io.Writer, op export.Operation) {
	class := ""
	if op.Entity != nil {
		class = ir.ClassOf(op.Entity)
	}
	fmt.Fprintf(w, "%-6s %-13s %-20s %s\n", op.Op, op.Kind, op.ID, class)
}

func writeSummary(w io.Writer, s export.Summary) {
	fmt.Fprintf(w, "%s export: %d operation(s)", s.Mode, s.Total())
	if s.ChangeSets > 0 {
		fmt.Fprintf(w, " from %d changeset(s)", s.ChangeSets)
	}
	if s.Excluded > 0 {
		fmt.Fprintf(w, ", %d excluded", s.Excluded)
	}
	fmt.Fprintln(w)
	for _, k := range slices.Sorted(maps.Keys(s.Counts)) {
		c := s.Counts[k]
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", k, c.Inserted, c.Updated, c.Deleted)
	}
	for _, a := range s.Anomalies {
		fmt.Fprintf(w, "  warning: %s: %s\n", a.Ref, a.Message)
	}
}
