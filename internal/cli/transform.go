package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/store"
	"github.com/roach88/briefsync/internal/transform"
)

// TransformOptions holds flags for the transform command.
type TransformOptions struct {
	*RootOptions
	Changes       bool
	Since         int64
	Message       string
	Scope         string
	DetectDeletes bool
}

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transform <source> <target>",
		Short: "Transform a source replica into a target replica",
		Long: `Copy the source replica's entity graph into the target replica, remapping
ids, classes and code specs and recording provenance so later runs update
what earlier runs created. Remap tables and defaults come from the
transform section of the config file.

With --changes only the source changesets after --since are processed;
they are fetched from the hub. The result is saved in the target but not
pushed.

Example:
  briefsync transform plant.db digest.db
  briefsync transform plant.db digest.db --changes --since 41 -m "nightly"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Changes, "changes", false, "process source changesets instead of the whole source")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "with --changes, the source index processing starts after")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "description of the saved target changes")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "target element provenance is scoped to, overrides transform.scope")
	cmd.Flags().BoolVar(&opts.DetectDeletes, "detect-deletes", false, "delete target entities whose source is gone, overrides transform.detect_deletes")

	return cmd
}

func runTransform(opts *TransformOptions, srcPath, targetPath string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	tc := opts.Config.Transform
	if opts.Scope != "" {
		tc.Scope = opts.Scope
	}
	if cmd.Flags().Changed("detect-deletes") {
		tc.DetectDeletes = opts.DetectDeletes
	}
	topts, err := tc.Options()
	if err != nil {
		return f.Fail("transform", WrapExitError(ExitCommandError, "invalid transform options", fmt.Errorf("%w: %w", ErrUsage, err)))
	}

	src, err := store.Open(srcPath)
	if err != nil {
		return f.Fail("transform", WrapExitError(ExitCommandError, "open source "+srcPath, err))
	}
	defer src.Close()
	target, err := store.Open(targetPath)
	if err != nil {
		return f.Fail("transform", WrapExitError(ExitCommandError, "open target "+targetPath, err))
	}
	defer target.Close()

	if policy, _ := opts.Config.Policy(); policy == concurrency.Pessimistic && target.ReplicaNumber() != 0 {
		c, err := opts.dialHub(ctx)
		if err != nil {
			return f.Fail("transform", err)
		}
		defer c.Close()
		if err := concurrency.New(target, c).SetPolicy(policy); err != nil {
			return f.Fail("transform", err)
		}
	}

	t, err := transform.New(src, target, topts)
	if err != nil {
		return f.Fail("transform", err)
	}
	defer t.Dispose()

	var res transform.Result
	if opts.Changes {
		var sets []*changeset.ChangeSet
		if sets, err = opts.fetchChangeSets(ctx, src, opts.Since); err == nil {
			res, err = t.ProcessChanges(ctx, sets)
		}
	} else {
		res, err = t.ProcessAll(ctx)
	}
	if err != nil {
		return f.Fail("transform", err)
	}

	if target.HasUnsavedChanges() {
		desc := opts.Message
		if desc == "" {
			desc = fmt.Sprintf("Transform from %s", src.RepositoryID())
		}
		if err := target.SaveChanges(ctx, desc); err != nil {
			return f.Fail("transform", err)
		}
	} else {
		slog.Info("transform changed nothing", "source", srcPath, "target", targetPath)
	}

	return f.Result(res, func(w io.Writer) {
		c := res.Counts
		fmt.Fprintf(w, "Transformed %s into %s\n", srcPath, targetPath)
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", ir.KindCodeSpec, c.InsertedCodeSpecs, c.UpdatedCodeSpecs, c.DeletedCodeSpecs)
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", ir.KindModel, c.InsertedModels, c.UpdatedModels, c.DeletedModels)
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", ir.KindElement, c.InsertedElements, c.UpdatedElements, c.DeletedElements)
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", ir.KindAspect, c.InsertedAspects, c.UpdatedAspects, c.DeletedAspects)
		fmt.Fprintf(w, "  %-13s +%d ~%d -%d\n", ir.KindRelationship, c.InsertedRelationships, c.UpdatedRelationships, c.DeletedRelationships)
		if res.DetectedDeletes > 0 {
			fmt.Fprintf(w, "  %d delete(s) detected\n", res.DetectedDeletes)
		}
	})
}
