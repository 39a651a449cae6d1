package commands

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scdouglas/paracord/internal/signal"
	"github.com/scdouglas/paracord/internal/store"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate and store a local identity keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			has, err := wired.keys.HasIdentity()
			if err != nil {
				return err
			}
			if has {
				fmt.Println("an identity already exists in", homeDir)
				return printFingerprint()
			}

			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("generating identity: %w", err)
			}
			if err := wired.keys.StoreIdentity(priv.Seed()); err != nil {
				return err
			}

			prekeyStore, err := store.Generate(priv.Seed())
			if err != nil {
				return err
			}
			if err := wired.prekeys.Save(prekeyStore); err != nil {
				return fmt.Errorf("saving initial prekey store: %w", err)
			}

			fmt.Println("identity created in", homeDir)
			fmt.Println("fingerprint:", signal.ToHex(pub))
			return nil
		},
	}
}

func printFingerprint() error {
	return wired.keys.WithIdentitySeed(func(seed []byte) error {
		priv := ed25519.NewKeyFromSeed(seed)
		fmt.Println("fingerprint:", signal.ToHex(priv.Public().(ed25519.PublicKey)))
		return nil
	})
}
