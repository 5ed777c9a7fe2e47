package model

import "time"

// Variant is one encoded representation of an image.
type Variant struct {
	Data        []byte
	ContentType string
}

// Image is a stored image. Width and Height describe the primary variant.
type Image struct {
	ID         string
	Primary    Variant
	Thumbnail  Variant
	Width      int
	Height     int
	OptimLevel int
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// ImageWrite carries the content fields replaced by an upsert. Timestamps
// are owned by the store.
type ImageWrite struct {
	ID         string
	Primary    Variant
	Thumbnail  Variant
	Width      int
	Height     int
	OptimLevel int
}

// Size returns the stored byte size of both variants.
func (img *Image) Size() int {
	return len(img.Primary.Data) + len(img.Thumbnail.Data)
}
