package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/subjectmap/internal/config"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/store"
)

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store a value for a key",
	Long: `Write a snapshot to the database. A running 'subjectmap watch' notices
the change and reloads every watched key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		snap, err := st.Put(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		log.Info(log.CatCLI, "Stored value", "key", snap.Key, "revision", snap.Revision)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
			keyStyle.Render(snap.Key), valueStyle.Render(snap.Value), mutedStyle.Render(snap.Revision))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete KEY",
	Aliases: []string{"rm"},
	Short:   "Remove the stored value for a key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", keyStyle.Render(args[0]), mutedStyle.Render("deleted"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
}

func openStore(cmd *cobra.Command, c config.Config) (*store.Store, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return store.Open(cmd.Context(), c.Store.Path)
}
