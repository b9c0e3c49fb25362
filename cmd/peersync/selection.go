package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
	"github.com/TheEntropyCollective/peersync/pkg/sync"
)

// openState loads the persisted tree of the configured sync root
func openState(cfg *config.Config) (*sync.FileTree, *sync.SelectionStore, error) {
	root, err := filepath.Abs(cfg.Sync.RootDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}
	tree := sync.NewFileTree(root)
	store, err := sync.NewSelectionStore(cfg.Sync.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if _, err := store.Load(tree); err != nil {
		return nil, nil, err
	}
	return tree, store, nil
}

// selectionPath resolves a path argument against the sync root
func selectionPath(root, arg string) (string, error) {
	path := arg
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if path == root {
		return "", fmt.Errorf("the sync root itself cannot be selected")
	}
	if err := storage.ValidatePathInBounds(path, root); err != nil {
		return "", err
	}
	return path, nil
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <path>...",
		Short: "Include paths in synchronization",
		Long: `Lift the exclusion of the given paths. Paths are relative to the sync
root unless absolute. The engine picks the change up on its next start and
downloads or uploads whatever is missing on either side.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			tree, store, err := openState(cfg)
			if err != nil {
				return err
			}

			for _, arg := range args {
				path, err := selectionPath(tree.Root(), arg)
				if err != nil {
					return err
				}
				tree.Unexclude(path)
				fmt.Fprintf(cmd.OutOrStdout(), "synchronized %s\n", path)
			}
			return store.Save(tree)
		},
	}
}

func newDesyncCmd(opts *globalOptions) *cobra.Command {
	var keepLocal bool

	cmd := &cobra.Command{
		Use:   "desync <path>...",
		Short: "Exclude paths from synchronization",
		Long: `Exclude the given paths and everything below them from synchronization.
The remote copy is never touched. The local copy is removed unless
--keep-local is given or sync.delete_local_on_desync is false.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			tree, store, err := openState(cfg)
			if err != nil {
				return err
			}

			removeLocal := cfg.Sync.DeleteLocalOnDesync && !keepLocal
			for _, arg := range args {
				path, err := selectionPath(tree.Root(), arg)
				if err != nil {
					return err
				}
				tree.Exclude(path)
				if err := tree.SetSynchronized(path, false, false); err != nil {
					return err
				}
				if removeLocal {
					if err := os.RemoveAll(path); err != nil {
						return fmt.Errorf("failed to remove local copy of %s: %w", path, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "desynchronized %s\n", path)
			}
			return store.Save(tree)
		},
	}

	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "Keep the local copy")
	return cmd
}
