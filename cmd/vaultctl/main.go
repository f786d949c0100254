// Command vaultctl is a thin CLI over the datastore maintenance
// operations: garbage collection, pruning, and verification. It is
// argument plumbing only; all real logic lives in internal/*.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"chunkvault/internal/blob"
	"chunkvault/internal/chunkstore"
	"chunkvault/internal/config"
	configfile "chunkvault/internal/config/file"
	"chunkvault/internal/digest"
	"chunkvault/internal/gc"
	"chunkvault/internal/logging"
	"chunkvault/internal/prune"
	"chunkvault/internal/snapshot"
	"chunkvault/internal/verify"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Maintenance CLI for a chunkvault datastore",
	}
	rootCmd.PersistentFlags().String("datastore", "", "datastore root path")
	rootCmd.PersistentFlags().String("config", "", "config file path (default: <datastore>/config.json)")

	rootCmd.AddCommand(
		newGCCmd(logger),
		newPruneCmd(logger),
		newVerifyCmd(logger),
		newChunksCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func datastoreFlag(cmd *cobra.Command) (string, error) {
	root, _ := cmd.Flags().GetString("datastore")
	if root == "" {
		return "", fmt.Errorf("--datastore is required")
	}
	return root, nil
}

func configPath(cmd *cobra.Command, root string) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return root + "/config.json"
}

func openStore(root string) (*chunkstore.Store, error) {
	return chunkstore.Open(chunkstore.Config{Root: root})
}

func newGCCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Mark live chunks and sweep everything else",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := datastoreFlag(cmd)
			if err != nil {
				return err
			}
			margin, _ := cmd.Flags().GetDuration("safety-margin")

			store, err := openStore(root)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cs, err := configfile.NewStore(configPath(cmd, root)).Load(ctx)
			if err != nil {
				return err
			}
			key, err := loadDatastoreKey(cs, root)
			if err != nil {
				return err
			}

			report, err := gc.Run(ctx, gc.Config{Root: root, Store: store, SafetyMargin: margin, Key: key, Logger: logger})
			if err != nil {
				return err
			}

			fmt.Printf("removed %d chunks (%s), disk usage %s, index data %s, still bad: %d\n",
				report.RemovedChunks,
				humanize.Bytes(uint64(report.RemovedBytes)),
				humanize.Bytes(uint64(report.DiskBytes)),
				humanize.Bytes(uint64(report.IndexDataBytes)),
				report.StillBad)
			return nil
		},
	}
	cmd.Flags().Duration("safety-margin", gc.DefaultSafetyMargin, "minimum age before an untouched chunk is swept")
	return cmd
}

func groupFlags(cmd *cobra.Command) {
	cmd.Flags().String("namespace", "", "namespace (default: root)")
	cmd.Flags().String("type", "vm", "group type: vm, ct, or host")
	cmd.Flags().String("id", "", "group id")
}

func groupFromFlags(cmd *cobra.Command) (snapshot.Group, error) {
	ns, _ := cmd.Flags().GetString("namespace")
	typ, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	g := snapshot.Group{Namespace: ns, Type: snapshot.Type(typ), ID: id}
	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}

func newPruneCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Select snapshots for removal under a group's retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := datastoreFlag(cmd)
			if err != nil {
				return err
			}
			group, err := groupFromFlags(cmd)
			if err != nil {
				return err
			}
			apply, _ := cmd.Flags().GetBool("apply")

			store := configfile.NewStore(configPath(cmd, root))
			cfg, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			keep := resolveKeep(cfg, group.Namespace)

			times, err := snapshot.List(root, group)
			if err != nil {
				return err
			}
			entries := make([]prune.Entry, len(times))
			for i, t := range times {
				lock, _, err := snapshot.Open(root, snapshot.Ref{Group: group, Time: t}, nil)
				finished := err == nil
				if finished {
					lock.Close()
				}
				entries[i] = prune.Entry{Time: t, Finished: finished}
			}

			plan := prune.Select(entries, keep)
			for i, e := range entries {
				verb := "keep"
				if plan.Decisions[i] == prune.Remove {
					verb = "remove"
				}
				fmt.Printf("%s %s\n", verb, e.Time.Format(time.RFC3339))
				if apply && plan.Decisions[i] == prune.Remove {
					if err := os.RemoveAll(snapshot.Ref{Group: group, Time: e.Time}.Dir(root)); err != nil {
						logger.Warn("prune: failed to remove snapshot", "time", e.Time, "error", err)
					}
				}
			}
			return nil
		},
	}
	groupFlags(cmd)
	cmd.Flags().Bool("apply", false, "actually delete snapshots marked for removal (default: dry run)")
	return cmd
}

func resolveKeep(cfg *config.Config, namespace string) prune.KeepOptions {
	if cfg == nil {
		return prune.KeepOptions{}
	}
	for _, ds := range cfg.Datastores {
		for _, ns := range ds.Namespaces {
			if ns.Path == namespace {
				return prune.KeepOptions{
					Last:    ns.Keep.Last,
					Hourly:  ns.Keep.Hourly,
					Daily:   ns.Keep.Daily,
					Weekly:  ns.Keep.Weekly,
					Monthly: ns.Keep.Monthly,
					Yearly:  ns.Keep.Yearly,
				}
			}
		}
	}
	return prune.KeepOptions{}
}

// loadDatastoreKey finds the DatastoreConfig whose RootPath matches root
// and derives its blob.Key from KeyFile, or returns nil for an
// unencrypted (or unconfigured) datastore.
func loadDatastoreKey(cfg *config.Config, root string) (*blob.Key, error) {
	if cfg == nil {
		return nil, nil
	}
	for _, ds := range cfg.Datastores {
		if ds.RootPath != root {
			continue
		}
		if ds.Encryption.Mode == config.EncryptionNone {
			return nil, nil
		}
		material, err := os.ReadFile(ds.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		key := blob.DeriveKey(material)
		return &key, nil
	}
	return nil, nil
}

func newVerifyCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check a snapshot's chunk integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := datastoreFlag(cmd)
			if err != nil {
				return err
			}
			group, err := groupFromFlags(cmd)
			if err != nil {
				return err
			}
			timeStr, _ := cmd.Flags().GetString("time")
			ts, err := time.Parse(time.RFC3339, timeStr)
			if err != nil {
				return fmt.Errorf("parse --time: %w", err)
			}

			store, err := openStore(root)
			if err != nil {
				return err
			}
			defer store.Close()

			cs, err := configfile.NewStore(configPath(cmd, root)).Load(cmd.Context())
			if err != nil {
				return err
			}
			key, err := loadDatastoreKey(cs, root)
			if err != nil {
				return err
			}

			report, err := verify.Snapshot(cmd.Context(), verify.Config{Root: root, Store: store, Key: key, Logger: logger}, snapshot.Ref{Group: group, Time: ts})
			if err != nil {
				return err
			}
			for _, f := range report.Files {
				status := "ok"
				if !f.OK {
					status = "FAILED"
				}
				fmt.Printf("%-8s %s (%d chunks, %d corrupt) sha256=%s\n", status, f.Name, f.Chunks, f.Corrupt, f.SHA256)
			}
			if !report.OK {
				return fmt.Errorf("verify failed")
			}
			return nil
		},
	}
	groupFlags(cmd)
	cmd.Flags().String("time", "", "snapshot time, RFC3339 (e.g. 2026-01-02T15:04:05Z)")
	return cmd
}

func newChunksCmd(logger *slog.Logger) *cobra.Command {
	chunksCmd := &cobra.Command{
		Use:   "chunks",
		Short: "Inspect the chunk store",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every chunk in the store with size and access time",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := datastoreFlag(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(root)
			if err != nil {
				return err
			}
			defer store.Close()

			var count int
			var total int64
			err = store.Walk(cmd.Context(), func(d digest.Digest) error {
				size, atime, err := store.Stat(cmd.Context(), d)
				if err != nil {
					return nil
				}
				count++
				total += size
				fmt.Printf("%s %10s %s\n", d.String(), humanize.Bytes(uint64(size)), atime.Format(time.RFC3339))
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("total: %d chunks, %s\n", count, humanize.Bytes(uint64(total)))
			return nil
		},
	}

	chunksCmd.AddCommand(listCmd)
	return chunksCmd
}
