package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new base64 file-encryption key",
	Long: "Print a new random 32-byte key, base64 encoded. Export it in the variable named by " +
		"import.key_env (CHATIMPORT_FILE_KEY by default). Move the old key to import.previous_key_env " +
		"while artifacts written with it may still be pending.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}
