package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/sfs"
	"github.com/dargueta/sfs/blockdev"
	"github.com/dargueta/sfs/profiles"
)

func main() {
	app := cli.App{
		Name:  "sfsck",
		Usage: "Create, inspect, and check file system images",
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "Create and format an image file",
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Value: "flash-16m",
						Usage: "predefined image profile; see the `profiles` command",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "volume label",
					},
				},
				Action: makeImage,
			},
			{
				Name:      "check",
				Usage:     "Verify an image's on-disk structures agree with each other",
				ArgsUsage: "IMAGE_FILE",
				Action:    checkImage,
			},
			{
				Name:      "stat",
				Usage:     "Print an image's superblock",
				ArgsUsage: "IMAGE_FILE",
				Action:    statImage,
			},
			{
				Name:      "ls",
				Usage:     "List the root directory of an image",
				ArgsUsage: "IMAGE_FILE",
				Action:    listRootDirectory,
			},
			{
				Name:   "profiles",
				Usage:  "List the predefined image profiles",
				Action: listProfiles,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openImage opens an existing image read-only and sizes the device from the
// file itself.
func openImage(context *cli.Context) (*blockdev.Image, error) {
	if context.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one image path, got %d arguments",
			context.NArg())
	}

	file, err := os.Open(context.Args().First())
	if err != nil {
		return nil, err
	}
	return blockdev.NewWithInferredSize(file)
}

func makeImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one image path, got %d arguments",
			context.NArg())
	}
	path := context.Args().First()

	profile, err := profiles.Get(context.String("profile"))
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	err = file.Truncate(profile.TotalSizeBytes())
	if err != nil {
		return err
	}

	device, err := blockdev.New(file, profile.TotalBlocks)
	if err != nil {
		return err
	}

	options := profile.FormatOptions()
	options.Name = context.String("name")
	err = sfs.Format(device, options)
	if err != nil {
		return err
	}

	fmt.Printf("formatted %s: %q, %d blocks of %d bytes\n",
		path, profile.Name, profile.TotalBlocks, sfs.BlockSize)
	return nil
}

func checkImage(context *cli.Context) error {
	device, err := openImage(context)
	if err != nil {
		return err
	}

	report, err := sfs.Check(device)
	if err != nil {
		return err
	}

	fmt.Printf("checked blocks:    %d of %d\n", report.CheckedBlocks, report.DeviceBlocks)
	fmt.Printf("descriptor blocks: %d\n", report.DescriptorBlocks)
	fmt.Printf("unused blocks:     %d\n", report.UnusedBlocks)
	fmt.Printf("allocated blocks:  %d\n", report.AllocatedBlocks)
	fmt.Printf("inode blocks:      %d\n", report.InodeBlocks)
	fmt.Printf("live inodes:       %d\n", report.LiveInodes)

	if report.Consistent() {
		fmt.Println("image is consistent")
		return nil
	}
	for _, finding := range report.Findings {
		fmt.Printf("problem: %s\n", finding)
	}
	return fmt.Errorf("found %d problems", len(report.Findings))
}

func statImage(context *cli.Context) error {
	device, err := openImage(context)
	if err != nil {
		return err
	}

	superblock, err := sfs.LoadSuperblock(device)
	if err != nil {
		return err
	}

	fmt.Printf("volume name:          %q\n", superblock.Name)
	fmt.Printf("total blocks:         %d\n", superblock.TotalBlocks)
	fmt.Printf("unused blocks:        %d\n", superblock.TotalUnused)
	fmt.Printf("earliest unused:      %d\n", superblock.EarliestUnused)
	fmt.Printf("latest unused:        %d\n", superblock.LatestUnused)
	fmt.Printf("earliest inode space: %d\n", superblock.EarliestInodeSpace)
	fmt.Printf("last mounted:         %s\n", superblock.LastMount)
	fmt.Printf("last written:         %s\n", superblock.LastWrite)
	fmt.Printf("preallocation:        %d blocks per file, %d per directory\n",
		superblock.PreallocFiles, superblock.PreallocDirs)
	return nil
}

func listRootDirectory(context *cli.Context) error {
	device, err := openImage(context)
	if err != nil {
		return err
	}

	// The session is abandoned rather than unmounted: unmounting flushes the
	// mount timestamp, and inspection must not write to the image.
	session, err := sfs.Mount(device)
	if err != nil {
		return err
	}

	entries, err := session.ListDirectory(sfs.RootInodeID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ino, err := session.ReadInode(entry.ID)
		if err != nil {
			return err
		}
		size, err := session.Size(entry.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%8d  %-12s  %10d  %s\n",
			entry.ID, ino.FileType(), size, entry.Name)
	}
	return nil
}

func listProfiles(context *cli.Context) error {
	for _, slug := range profiles.Slugs() {
		profile, err := profiles.Get(slug)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s  %11d bytes  %s\n",
			slug, profile.TotalSizeBytes(), profile.Name)
	}
	return nil
}
