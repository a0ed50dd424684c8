package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List keys stored in the database",
	Long: `List every key that has a stored value, one per line.

Example:
  subjectmap keys
  subjectmap keys | xargs subjectmap watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		keys, err := st.Keys(cmd.Context())
		if err != nil {
			return err
		}
		for _, k := range keys {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
