package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SchemaImportResult is the output of schema import.
type SchemaImportResult struct {
	Schemas    []string `json:"schemas"`
	Changed    bool     `json:"changed"`
	SchemaLock bool     `json:"schemaLock"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the replica's schemas",
	}
	cmd.AddCommand(newSchemaImportCommand(rootOpts))
	return cmd
}

func newSchemaImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.cue>...",
		Short: "Import or upgrade schemas in the replica",
		Long: `Compile CUE schema files and import them into the replica. Schemas whose
checksum matches the replica's copy are skipped. Under the pessimistic policy
the schema lock is acquired from the hub before anything is written; under
the optimistic policy it is acquired by the next push.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := rootOpts.formatter(cmd)

			schemas, err := LoadSchemas(args...)
			if err != nil {
				return f.Fail("load schemas", err)
			}
			s, err := rootOpts.openSession(ctx)
			if err != nil {
				return f.Fail("schema import", err)
			}
			defer s.Close()

			changed, err := s.replica.Store().ImportSchemas(ctx, schemas...)
			if err != nil {
				return f.Fail("schema import", err)
			}
			res := SchemaImportResult{Changed: changed}
			for _, sc := range schemas {
				res.Schemas = append(res.Schemas, sc.Name)
			}
			if res.SchemaLock, err = s.replica.Controller().HasSchemaLock(ctx); err != nil {
				return f.Fail("schema import", err)
			}
			return f.Result(res, func(w io.Writer) {
				if !res.Changed {
					fmt.Fprintf(w, "Schemas %v already up to date\n", res.Schemas)
					return
				}
				fmt.Fprintf(w, "Imported schemas %v\n", res.Schemas)
			})
		},
	}
}
