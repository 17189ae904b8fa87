package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itcaffenet/ggnet/internal/config"
	"github.com/itcaffenet/ggnet/internal/domain"
)

var cmdImage = &cobra.Command{
	Use:   "image",
	Short: "manage images in the Image Store",
}

var imageIngestType string

var cmdImageIngest = &cobra.Command{
	Use:   "ingest <name> <file>",
	Short: "ingest a disk image file into the Image Store",
	Args:  cobra.ExactArgs(2),
	RunE:  runImageIngest,
}

var cmdImageList = &cobra.Command{
	Use:   "list",
	Short: "list images and their lifecycle status",
	RunE:  runImageList,
}

var cmdImageRM = &cobra.Command{
	Use:   "rm <image-id>",
	Short: "delete an image not referenced by any session",
	Args:  cobra.ExactArgs(1),
	RunE:  runImageRM,
}

func init() {
	cmdImageIngest.Flags().StringVar(&imageIngestType, "type", string(domain.ImageTypeSystem), "image type: SYSTEM, DATA, or TEMPLATE")
	cmdImage.AddCommand(cmdImageIngest, cmdImageList, cmdImageRM)
	root.AddCommand(cmdImage)
}

func runImageIngest(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	f, err := os.Open(path)
	if err != nil {
		return &startupError{err}
	}
	defer f.Close()

	img, err := eng.images.Ingest(f, name, path, domain.ImageType(imageIngestType))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingested image %s (%s) -> status %s\n", img.ID, img.Name, img.Status)
	return nil
}

func runImageList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	for _, img := range eng.store.ListImages() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-24s\t%-12s\t%6d%%\t%s\n", img.ID, img.Name, img.Status, img.ConversionPercent, img.Format)
	}
	return nil
}

func runImageRM(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.images.Delete(domain.ID(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted image %s\n", args[0])
	return nil
}
