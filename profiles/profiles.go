// Package profiles holds predefined image configurations: common device
// sizes together with sensible preallocation settings for each. Tools that
// create or check images look profiles up by slug instead of asking users
// for raw block counts.
package profiles

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/dargueta/sfs"
)

// ImageProfile is one predefined image configuration.
type ImageProfile struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// TotalBlocks is the image size in blocks, descriptor blocks and the
	// superblock included.
	TotalBlocks uint32 `csv:"total_blocks"`

	// PreallocFiles and PreallocDirs seed the superblock's preallocation
	// knobs when an image is formatted with this profile.
	PreallocFiles uint8  `csv:"prealloc_files"`
	PreallocDirs  uint8  `csv:"prealloc_dirs"`
	Notes         string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file this profile describes.
func (p *ImageProfile) TotalSizeBytes() int64 {
	return int64(p.TotalBlocks) * sfs.BlockSize
}

// FormatOptions converts the profile into options for sfs.Format. The volume
// name is left for the caller.
func (p *ImageProfile) FormatOptions() sfs.FormatOptions {
	return sfs.FormatOptions{
		PreallocFiles: p.PreallocFiles,
		PreallocDirs:  p.PreallocDirs,
	}
}

//go:embed image-profiles.csv
var imageProfilesRawCSV string
var imageProfiles map[string]ImageProfile

// Get returns the profile registered under slug.
func Get(slug string) (ImageProfile, error) {
	profile, ok := imageProfiles[slug]
	if ok {
		return profile, nil
	}

	err := fmt.Errorf("no predefined image profile exists with slug %q", slug)
	return ImageProfile{}, err
}

// Slugs lists every registered profile slug in sorted order.
func Slugs() []string {
	slugs := make([]string, 0, len(imageProfiles))
	for slug := range imageProfiles {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func init() {
	reader := strings.NewReader(imageProfilesRawCSV)
	csvReader := csv.NewReader(reader)
	csvReader.Comma = '|'

	decoder, err := csvutil.NewDecoder(csvReader)
	if err != nil {
		panic(fmt.Errorf("failed to create CSV decoder: %w", err))
	}

	imageProfiles = make(map[string]ImageProfile)

	for {
		var row ImageProfile
		if err = decoder.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			panic(
				fmt.Errorf("failed to decode row %d: %w", len(imageProfiles)+1, err))
		}

		_, exists := imageProfiles[row.Slug]
		if exists {
			message := fmt.Errorf(
				"duplicate definition for profile %q found on row %d",
				row.Slug,
				len(imageProfiles)+1)
			panic(message)
		}
		imageProfiles[row.Slug] = row
	}
}
