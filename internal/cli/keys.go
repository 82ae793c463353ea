package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/crypto"
	"github.com/chiron-dev/chiron/internal/tufmeta"
)

var keysCmd = &cobra.Command{
	Use:          "keys",
	Short:        "Manage update-metadata signing keys",
	SilenceUsage: true,
}

var keysInitCmd = &cobra.Command{
	Use:   "init --key-dir <dir>",
	Short: "Generate the file-backed role key set",
	Long: `Creates an ed25519 keypair for each metadata role (root, targets,
snapshot, timestamp) under the key directory. Existing keys are left
untouched.`,
	RunE:         runKeysInit,
	SilenceUsage: true,
}

func init() {
	keysInitCmd.Flags().StringVar(&keyDirFlag, "key-dir", ".chiron/keys", "Key directory")
	keysCmd.AddCommand(keysInitCmd)
}

// GetKeysCmd export
func GetKeysCmd() *cobra.Command {
	return keysCmd
}

func runKeysInit(cmd *cobra.Command, args []string) error {
	provider := &crypto.FileProvider{Dir: keyDirFlag}
	for _, role := range tufmeta.Roles {
		if err := provider.InitRole(role); err != nil {
			return fmt.Errorf("failed to initialize %s key: %w", role, err)
		}
		fmt.Printf("key ready: %s\n", role)
	}
	return nil
}
