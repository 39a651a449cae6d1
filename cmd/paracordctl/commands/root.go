package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scdouglas/paracord/internal/keystore"
	"github.com/scdouglas/paracord/internal/store"
)

var (
	homeDir    string
	passphrase string

	// wired is the application context built in PersistentPreRunE.
	wired *wire
)

// wire holds the dependencies every subcommand needs once the local
// store is open.
type wire struct {
	backend  *store.BoltStorage
	keys     *keystore.Keystore
	sessions *store.SessionStore
	prekeys  *store.PrekeyStoreRepository
}

// Execute initializes the local store and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "paracordctl",
		Short: "Local demo driver for the paracord end-to-end encryption core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir == "" {
				if h, err := os.UserHomeDir(); err == nil {
					homeDir = filepath.Join(h, ".paracord")
				}
			}
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}

			backend, err := store.NewBoltStorage(filepath.Join(homeDir, "signal.db"), []byte(passphrase))
			if err != nil {
				return fmt.Errorf("opening local store: %w", err)
			}

			wired = &wire{
				backend:  backend,
				keys:     keystore.New(backend),
				sessions: store.NewSessionStore(backend),
				prekeys:  store.NewPrekeyStoreRepository(backend),
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "config directory (default: $HOME/.paracord)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local store's at-rest encryption key")

	root.AddCommand(initCmd(), demoCmd())

	return root.Execute()
}
