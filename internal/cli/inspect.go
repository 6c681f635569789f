package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sphinxkit/rrsync/internal/store"
)

// InspectOptions holds flags shared by the store inspection commands.
type InspectOptions struct {
	*RootOptions
	Database string
}

// MaxIndexResult is the output of messages max-index.
type MaxIndexResult struct {
	MaxIndex uint64 `json:"max_index"`
	Messages int    `json:"messages"`
}

func (r MaxIndexResult) String() string {
	return fmt.Sprintf("%d (%d messages)", r.MaxIndex, r.Messages)
}

// NewStateCommand creates the state command group.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted core state",
	}
	cmd.AddCommand(newStateKeysCommand(rootOpts))
	return cmd
}

func newStateKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the state keys in stored order",
		Long: `List the keys of the core state blob as they are stored.

Example:
  rrsync state keys --db ./rrsync.db
  rrsync state keys --db ./rrsync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts.Database, func(ctx context.Context, st *store.Store) error {
				keys, err := st.StateKeys(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read state keys", err)
				}
				if keys == nil {
					keys = []string{}
				}
				return opts.formatter(cmd).Success(keys)
			})
		},
	}
	addDatabaseFlag(cmd, &opts.Database)
	return cmd
}

// NewMessagesCommand creates the messages command group.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Inspect stored messages",
	}
	cmd.AddCommand(newMaxIndexCommand(rootOpts))
	return cmd
}

func newMaxIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "max-index",
		Short: "Print the highest message index seen",
		Long: `Print the restore watermark: the highest message index that has
been persisted. A reconnect resumes from the index after it.

Example:
  rrsync messages max-index --db ./rrsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts.Database, func(ctx context.Context, st *store.Store) error {
				idx, err := st.MaxIndex(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read max index", err)
				}
				n, err := st.CountMessages(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to count messages", err)
				}
				return opts.formatter(cmd).Success(MaxIndexResult{MaxIndex: idx, Messages: n})
			})
		},
	}
	addDatabaseFlag(cmd, &opts.Database)
	return cmd
}

func addDatabaseFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
}

func withStore(path string, fn func(ctx context.Context, st *store.Store) error) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()
	return fn(context.Background(), st)
}
