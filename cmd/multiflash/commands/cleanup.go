package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/multiflash/internal/config"
	"github.com/fly-io/multiflash/pkg/db"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	cleanupAll       bool
	cleanupKeep      int
	cleanupDownloads bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached images and prune the flash history",
	Long: `Clean up local state:
  --downloads   Remove images cached from S3 (default)
  --keep <n>    Keep only the n most recent runs in the history
  --all         Remove every cached image and the whole history`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all cached images and history")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", -1, "Prune history to the n most recent runs")
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "downloads", false, "Remove cached images")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	keep := cleanupKeep
	if cleanupAll {
		keep = 0
	}
	downloads := cleanupDownloads || cleanupAll || keep < 0

	if downloads {
		if err := cleanupCachedImages(w, cfg); err != nil {
			return err
		}
	}
	if keep < 0 {
		return nil
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	return pruneHistory(cmd.Context(), w, repo, keep)
}

func cleanupCachedImages(w io.Writer, cfg *config.Config) error {
	dir := filepath.Join(cfg.WorkDir, "downloads")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(w, "No cached images")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read download directory")
	}

	var files int
	var freed int64
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || strings.HasSuffix(p, storage.DigestSuffix) {
				return nil
			}
			if info, err := d.Info(); err == nil {
				files++
				freed += info.Size()
			}
			return nil
		})
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(w, "failed to remove %s: %v\n", path, err)
		}
	}

	fmt.Fprintf(w, "Removed %d cached images (%s)\n", files, humanize.IBytes(uint64(freed)))
	return nil
}

func pruneHistory(ctx context.Context, w io.Writer, repo *db.Repository, keep int) error {
	removed, err := repo.PruneRuns(ctx, keep)
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}
	fmt.Fprintf(w, "Pruned %d runs from history\n", removed)
	return nil
}
