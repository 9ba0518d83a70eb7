package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/replica"
)

// InitResult is the output of init.
type InitResult struct {
	Path       string `json:"path"`
	Repository string `json:"repository"`
	Replica    uint32 `json:"replica"`
	Index      int64  `json:"index"`
}

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Repository string
	Schemas    []string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Acquire a replica from the hub and create its file",
		Long: `Acquire a replica number for a repository from the hub, create the
replica file and pull every changeset the repository has.

Every replica of a repository must be created with the same --schema files.
Without --repo a new repository with a random id is started.

Example:
  briefsync init site.db --repo plant-7 --schema ./schemas`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Repository, "repo", "", "repository id (default: a new UUID)")
	cmd.Flags().StringSliceVar(&opts.Schemas, "schema", nil, "CUE schema file or directory, repeatable")

	return cmd
}

func runInit(opts *InitOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	schemas, err := LoadSchemas(opts.Schemas...)
	if err != nil {
		return f.Fail("load schemas", err)
	}
	repo := opts.Repository
	if repo == "" {
		repo = uuid.NewString()
	}
	c, err := opts.dialHub(ctx)
	if err != nil {
		return f.Fail("init", err)
	}
	defer c.Close()

	st, err := replica.NewSynchronizer(c).Create(ctx, path, repo, schemas)
	if err != nil {
		return f.Fail("init", err)
	}
	defer st.Close()
	index, _, err := st.ParentChangeSet(ctx)
	if err != nil {
		return f.Fail("init", err)
	}

	res := InitResult{Path: path, Repository: repo, Replica: st.ReplicaNumber(), Index: index}
	return f.Result(res, func(w io.Writer) {
		fmt.Fprintf(w, "Created replica %d of %s at %s (index %d)\n", res.Replica, res.Repository, res.Path, res.Index)
	})
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pull",
		Short:         "Apply changesets other replicas pushed",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := rootOpts.formatter(cmd)
			s, err := rootOpts.openSession(ctx)
			if err != nil {
				return f.Fail("pull", err)
			}
			defer s.Close()
			f.VerboseLog("pulling %s from %s", rootOpts.Config.Replica.Path, rootOpts.Config.Hub.URL)

			res, err := s.sync.Pull(ctx, s.replica)
			if err != nil {
				return f.Fail("pull", err)
			}
			return f.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "Applied %d changeset(s), now at index %d\n", res.Applied, res.Index)
			})
		},
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload local changes as one changeset",
		Long: `Acquire the locks and codes the local changes need, then upload them
to the hub as one changeset. A rejected push keeps the local changes; pull
and push again.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := rootOpts.formatter(cmd)
			s, err := rootOpts.openSession(ctx)
			if err != nil {
				return f.Fail("push", err)
			}
			defer s.Close()
			f.VerboseLog("pushing %s to %s", rootOpts.Config.Replica.Path, rootOpts.Config.Hub.URL)

			var describe func() string
			if message != "" {
				describe = func() string { return message }
			}
			res, err := s.sync.Push(ctx, s.replica, describe)
			if err != nil {
				return f.Fail("push", err)
			}
			return f.Result(res, func(w io.Writer) {
				if !res.Pushed {
					fmt.Fprintln(w, "Nothing to push")
					return
				}
				fmt.Fprintf(w, "Pushed changeset %d (%s): %s\n", res.Index, res.ChangeSetID, res.Description)
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "changeset description (default: the saved descriptions)")

	return cmd
}

// LocksResult is the output of locks.
type LocksResult struct {
	Policy string    `json:"policy"`
	Held   []ir.Lock `json:"held"`
	Codes  []ir.Code `json:"codes"`
	Hub    []ir.Lock `json:"hub"`
}

// NewLocksCommand creates the locks command.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List the locks and codes the replica holds",
		Long: `List the locks and code reservations the replica recorded locally,
next to the locks the hub says it holds.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := rootOpts.formatter(cmd)
			s, err := rootOpts.openSession(ctx)
			if err != nil {
				return f.Fail("locks", err)
			}
			defer s.Close()

			st := s.replica.Store()
			res := LocksResult{Policy: s.replica.Controller().Policy().String()}
			if res.Held, err = st.HeldLocks(ctx); err != nil {
				return f.Fail("locks", err)
			}
			if res.Codes, err = st.HeldCodes(ctx); err != nil {
				return f.Fail("locks", err)
			}
			if res.Hub, err = s.hub.QueryLocks(ctx, st.RepositoryID(), st.ReplicaNumber()); err != nil {
				return f.Fail("locks", err)
			}
			return f.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "Policy: %s\n", res.Policy)
				fmt.Fprintf(w, "Held locks (%d):\n", len(res.Held))
				for _, l := range res.Held {
					fmt.Fprintf(w, "  %s\n", l)
				}
				fmt.Fprintf(w, "Reserved codes (%d):\n", len(res.Codes))
				for _, c := range res.Codes {
					fmt.Fprintf(w, "  %s\n", c)
				}
				fmt.Fprintf(w, "Hub locks (%d):\n", len(res.Hub))
				for _, l := range res.Hub {
					fmt.Fprintf(w, "  %s\n", l)
				}
			})
		},
	}
}
