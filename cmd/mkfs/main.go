// Command mkfs formats a regular file as a fresh ext2 volume, the way
// mke2fs does for a loopback image.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gokernel/ext2fs/backend"
	"github.com/gokernel/ext2fs/block"
	"github.com/gokernel/ext2fs/blockcache"
	"github.com/gokernel/ext2fs/filesystem/ext2"
	"github.com/gokernel/ext2fs/fscore"
)

var (
	blockSize       uint32
	bytesPerInode   uint32
	volumeLabel     string
	verbose         bool
	partitionOffset int64
)

func main() {
	root := &cobra.Command{
		Use:   "mkfs [flags] IMAGE SIZE-IN-BLOCKS",
		Short: "Format a file as a new ext2 volume",
		Args:  cobra.ExactArgs(2),
		RunE:  runMkfs,
	}
	var flags *pflag.FlagSet = root.Flags()
	flags.Uint32Var(&blockSize, "block-size", 1024, "block size in bytes (1024, 2048, or 4096)")
	flags.Uint32Var(&bytesPerInode, "bytes-per-inode", 4096, "bytes of capacity per inode")
	flags.StringVarP(&volumeLabel, "label", "L", "", "volume label")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log formatting progress")
	flags.Int64Var(&partitionOffset, "partition-offset", 0, "byte offset of the target partition within IMAGE, for formatting one partition of a larger disk image")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMkfs(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	imagePath := args[0]
	var totalBlocks uint32
	if _, err := fmt.Sscanf(args[1], "%d", &totalBlocks); err != nil {
		return fmt.Errorf("mkfs: invalid block count %q: %w", args[1], err)
	}

	size := int64(totalBlocks) * int64(blockSize)

	var storage backend.Storage
	var err error
	if partitionOffset > 0 {
		// The volume lives inside a larger disk image alongside other
		// partitions; the image must already exist and be big enough.
		storage, err = block.OpenFromPath(imagePath, false)
		if err != nil {
			return err
		}
		storage = backend.Sub(storage, partitionOffset, size)
	} else {
		storage, err = block.CreateFromPath(imagePath, size)
		if err != nil {
			return err
		}
	}
	defer storage.Close()

	cache := blockcache.New(blockcache.DefaultCapacity)
	dev := block.New(storage, cache, fscore.NewFSID(), blockSize, 0)

	volID, err := uuid.NewRandom()
	if err != nil {
		return err
	}

	fs, err := ext2.Create(dev, ext2.Params{
		TotalBlocks:   totalBlocks,
		BlockSize:     blockSize,
		BytesPerInode: bytesPerInode,
		VolumeName:    volumeLabel,
		UUID:          volID,
	})
	if err != nil {
		return err
	}
	defer fs.Sync()

	fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d blocks of %d bytes\n", imagePath, totalBlocks, blockSize)
	return nil
}
