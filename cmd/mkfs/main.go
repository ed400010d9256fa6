// Command mkfs formats a blank a1fs image. Grounded on cmd/main.go's
// cli.App{Commands: [...]} shape.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/disks"
	"github.com/jiaqingren1106/Alanfs/fs"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/urfave/cli/v2"
)

func main() {
	log.SetFlags(log.Lshortfile)

	app := cli.App{
		Name:  "mkfs",
		Usage: "Create a blank a1fs image",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or overwrite an image file with a blank a1fs filesystem",
				Action:    formatImage,
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "preset",
						Usage: "a named geometry from disks.All() (e.g. \"small-4mb\"); overrides --blocks/--inodes",
					},
					&cli.UintFlag{
						Name:  "blocks",
						Usage: "total number of 4096-byte blocks in the image",
					},
					&cli.UintFlag{
						Name:  "inodes",
						Usage: "total number of inode table entries",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("mkfs: %s", err)
	}
}

func formatImage(c *cli.Context) error {
	imagePath := c.Args().First()
	if imagePath == "" {
		return cli.Exit("mkfs format: missing IMAGE_PATH argument", 1)
	}

	totalBlocks := c.Uint("blocks")
	totalInodes := c.Uint("inodes")

	if preset := c.String("preset"); preset != "" {
		p, err := disks.Get(preset)
		if err != nil {
			return cli.Exit(fmt.Sprintf("mkfs format: %s", err), 1)
		}
		totalBlocks = p.TotalBlocks
		totalInodes = p.TotalInodes
	}

	if totalBlocks == 0 || totalInodes == 0 {
		return cli.Exit("mkfs format: must pass --preset or both --blocks and --inodes", 1)
	}

	file, err := os.Create(imagePath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mkfs format: %s", err), 1)
	}
	size := int64(totalBlocks) * alanfs.BlockSize
	truncateErr := file.Truncate(size)
	file.Close()
	if truncateErr != nil {
		return cli.Exit(fmt.Sprintf("mkfs format: %s", truncateErr), 1)
	}

	img, err := image.Open(imagePath, alanfs.MountFlagsAllowReadWrite)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mkfs format: %s", err), 1)
	}
	defer img.Close()

	if derr := fs.Format(img, totalInodes, time.Now()); derr != nil {
		return cli.Exit(fmt.Sprintf("mkfs format: %s", derr), 1)
	}

	fmt.Printf("formatted %s: %d blocks, %d inodes\n", imagePath, totalBlocks, totalInodes)
	return nil
}
