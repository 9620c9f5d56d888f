package main

import (
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

var (
	deleteRegistry  string
	deleteUser      string
	deleteCredsFile string
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete REPOSITORY DIGEST",
		Short: "Delete a manifest by digest",
		Long: `Delete a manifest from a repository by its content digest. Most
registries only unlink the manifest; the blobs are reclaimed by the
registry's own garbage collection.`,
		Example: `  regdu delete my/app sha256:8f2e60a2b6a6653cf3a87d1c21ba80b5b3be029a4a7defbf026bcbb6b0bd14e3`,
		Args:    cobra.ExactArgs(2),
		RunE:    deleteRun,
	}

	cmd.Flags().StringVarP(&deleteRegistry, "registry", "r", "", "registry endpoint (overrides config)")
	cmd.Flags().StringVarP(&deleteUser, "user", "u", "", "username for the token endpoint (overrides config)")
	cmd.Flags().StringVarP(&deleteCredsFile, "credentials-file", "c", "", "file with username and password on two lines")

	return cmd
}

func deleteRun(cmd *cobra.Command, args []string) error {
	repository, rawDigest := args[0], args[1]

	dgst := digest.Digest(rawDigest)
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", rawDigest, err)
	}

	if deleteRegistry != "" {
		globalCfg.Registry.Endpoint = deleteRegistry
	}
	if deleteUser != "" {
		globalCfg.Registry.Username = deleteUser
	}
	if deleteCredsFile != "" {
		globalCfg.Registry.CredentialsFile = deleteCredsFile
	}

	client, err := newRegistryClient()
	if err != nil {
		return err
	}

	if err := client.DeleteManifest(cmd.Context(), repository, dgst.String()); err != nil {
		return err
	}
	logger.Info("manifest deleted", "repository", repository, "digest", dgst)
	return nil
}
