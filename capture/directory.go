package capture

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/inference"
)

// ImageFile is one numbered frame image on disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from the file name.
	Frame int
}

// ListImageFiles returns the image files of a directory ordered by frame number. File names carry
// the frame number as their trailing digits, e.g. "frame-12.jpg" or "000012.png".
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The files, ordered by frame number.
//   - error: Error if the directory cannot be read or a name carries no frame number.
func ListImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read image directory")
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png":
			frame, err := frameNumber(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
			if err != nil {
				return nil, errors.Wrapf(err, "file %s", entry.Name())
			}
			files = append(files, ImageFile{Path: filepath.Join(dir, entry.Name()), Frame: frame})
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Frame < files[j].Frame
	})
	return files, nil
}

func frameNumber(stem string) (int, error) {
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i == len(stem) {
		return 0, errors.New("no frame number")
	}
	return strconv.Atoi(stem[i:])
}

// DirectorySource decodes numbered images from a directory one at a time.
type DirectorySource struct {
	files []ImageFile
	next  int
}

// OpenDirectory lists the images of dir. Frame IDs are the numbers in the file names.
func OpenDirectory(dir string) (*DirectorySource, error) {
	files, err := ListImageFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	return &DirectorySource{files: files}, nil
}

// Len returns the number of frames.
func (d *DirectorySource) Len() int { return len(d.files) }

// Next decodes the next image.
func (d *DirectorySource) Next(ctx context.Context) (inference.Frame, error) {
	if err := ctx.Err(); err != nil {
		return inference.Frame{}, err
	}
	if d.next >= len(d.files) {
		return inference.Frame{}, io.EOF
	}
	file := d.files[d.next]
	img, err := decodeFile(file.Path)
	if err != nil {
		return inference.Frame{}, err
	}
	d.next++
	return inference.Frame{ID: file.Frame, Image: img, Timestamp: time.Now()}, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}
