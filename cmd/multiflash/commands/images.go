package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/storage"
	"github.com/spf13/cobra"
)

var imagesPrefix string

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images available in the configured S3 bucket",
	Args:  cobra.NoArgs,
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.Flags().StringVar(&imagesPrefix, "prefix", "", "Only list keys with this prefix")
}

func runImages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.S3Bucket == "" {
		return errors.Validation("s3-bucket is not configured")
	}

	client, err := storage.NewClient(cmd.Context(), cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	objects, err := client.List(cmd.Context(), imagesPrefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	w := cmd.OutOrStdout()
	if len(objects) == 0 {
		fmt.Fprintln(w, "No images found")
		return nil
	}

	fmt.Fprintf(w, "%-60s %-10s %s\n", "IMAGE", "SIZE", "MODIFIED")
	for _, obj := range objects {
		fmt.Fprintf(w, "%-60s %-10s %s\n",
			storage.Scheme+client.Bucket()+"/"+obj.Key,
			humanize.IBytes(uint64(obj.Size)),
			humanize.Time(obj.LastModified))
	}
	return nil
}
