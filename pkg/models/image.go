package models

import "strings"

// ImageExtension is the only file type uploaded and renamed by the pipeline.
const ImageExtension = ".png"

// IsImage reports whether name has the pipeline's image extension.
func IsImage(name string) bool {
	return strings.HasSuffix(name, ImageExtension)
}
