package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"offline0/internal/offline"
)

var cmdCaches = &cobra.Command{
	Use:   "caches",
	Short: "List cache generations in the configured storage",
	Long: `
The "caches" command lists every cache generation with its entry count and
marks the one matching cache.version in the config.

The leveldb backend is locked by a running "serve"; stop it first.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaches(cmd.Context())
	},
}

// PurgeOptions bundles all options for the purge command.
type PurgeOptions struct {
	Keep string
}

var purgeOptions PurgeOptions

var cmdPurge = &cobra.Command{
	Use:   "purge",
	Short: "Delete cache generations",
	Long: `
The "purge" command deletes every cache generation except the one named by
--keep. Without --keep all generations are deleted.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPurge(cmd.Context(), purgeOptions)
	},
}

func init() {
	cmdRoot.AddCommand(cmdCaches)
	cmdRoot.AddCommand(cmdPurge)

	f := cmdPurge.Flags()
	f.StringVar(&purgeOptions.Keep, "keep", "", "generation `tag` to keep")
}

func openConfiguredStorage() (offline.Config, offline.CacheStorage, error) {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return offline.Config{}, nil, errors.Wrap(err, "load config")
	}
	storage, err := offline.OpenStorage(cfg.Cache)
	if err != nil {
		return offline.Config{}, nil, errors.Wrap(err, "open cache storage")
	}
	return cfg, storage, nil
}

func runCaches(ctx context.Context) error {
	cfg, storage, err := openConfiguredStorage()
	if err != nil {
		return err
	}
	defer storage.Close()
	return listCaches(ctx, os.Stdout, storage, cfg.Cache.Version)
}

// listCaches renders one table row per generation. A generation deleted
// between Keys and Lookup shows "-" entries.
func listCaches(ctx context.Context, out io.Writer, storage offline.CacheStorage, current string) error {
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Generation", "Entries", "Current"})
	for _, name := range names {
		entries := "-"
		c, ok, err := storage.Lookup(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "lookup %s", name)
		}
		if ok {
			keys, err := c.Keys(ctx)
			if err != nil {
				return errors.Wrapf(err, "list entries of %s", name)
			}
			entries = strconv.Itoa(len(keys))
		}
		mark := ""
		if name == current {
			mark = "*"
		}
		table.Append([]string{name, entries, mark})
	}
	table.Render()
	return nil
}

func runPurge(ctx context.Context, opts PurgeOptions) error {
	_, storage, err := openConfiguredStorage()
	if err != nil {
		return err
	}
	defer storage.Close()
	return purgeCaches(ctx, os.Stdout, storage, opts.Keep)
}

func purgeCaches(ctx context.Context, out io.Writer, storage offline.CacheStorage, keep string) error {
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == keep {
			continue
		}
		if _, err := storage.Delete(ctx, name); err != nil {
			return errors.Wrapf(err, "delete %s", name)
		}
		fmt.Fprintf(out, "deleted %s\n", name)
	}
	return nil
}
