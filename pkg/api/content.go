package api

import (
	"fmt"

	"github.com/google/uuid"
)

// Segment is an immutable pointer to a byte range inside a stored blob.
// The engine never touches the bytes themselves; it only slices and
// rearranges segment references.
type Segment struct {
	UUID   uuid.UUID `json:"uuid"`
	Did    uuid.UUID `json:"did"`
	Offset int64     `json:"offset"`
	Size   int64     `json:"size"`
}

// Content is a named, typed sequence of segments. Slicing and
// concatenation produce new segment lists over the same backing blobs;
// no bytes are copied.
type Content struct {
	Name      string    `json:"name"`
	MediaType string    `json:"mediaType"`
	Segments  []Segment `json:"segments"`
}

// NewContent creates content backed by a single segment.
func NewContent(name, mediaType string, segment Segment) Content {
	return Content{
		Name:      name,
		MediaType: mediaType,
		Segments:  []Segment{segment},
	}
}

// Size returns the total byte size across all segments.
func (c Content) Size() int64 {
	var total int64
	for _, s := range c.Segments {
		total += s.Size
	}
	return total
}

// Copy returns a content with its own segment slice so callers can
// append or trim without affecting the original.
func (c Content) Copy() Content {
	segments := make([]Segment, len(c.Segments))
	copy(segments, c.Segments)
	return Content{Name: c.Name, MediaType: c.MediaType, Segments: segments}
}

// SubContent returns a new Content covering size bytes starting at
// offset, pieced together across segment boundaries.
func (c Content) SubContent(offset, size int64) (Content, error) {
	segments, err := c.subSegments(offset, size)
	if err != nil {
		return Content{}, err
	}
	return Content{Name: c.Name, MediaType: c.MediaType, Segments: segments}, nil
}

// SubContentNamed is SubContent with a new name and media type.
func (c Content) SubContentNamed(offset, size int64, name, mediaType string) (Content, error) {
	segments, err := c.subSegments(offset, size)
	if err != nil {
		return Content{}, err
	}
	return Content{Name: name, MediaType: mediaType, Segments: segments}, nil
}

func (c Content) subSegments(offset, size int64) ([]Segment, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid subcontent range: offset %d size %d", offset, size)
	}
	if offset+size > c.Size() {
		return nil, fmt.Errorf("subcontent range [%d, %d) exceeds content size %d", offset, offset+size, c.Size())
	}
	if size == 0 {
		return []Segment{}, nil
	}

	var out []Segment
	remainingOffset := offset
	remainingSize := size

	for _, seg := range c.Segments {
		if remainingSize == 0 {
			break
		}
		if remainingOffset >= seg.Size {
			remainingOffset -= seg.Size
			continue
		}

		take := seg.Size - remainingOffset
		if take > remainingSize {
			take = remainingSize
		}
		out = append(out, Segment{
			UUID:   seg.UUID,
			Did:    seg.Did,
			Offset: seg.Offset + remainingOffset,
			Size:   take,
		})
		remainingOffset = 0
		remainingSize -= take
	}

	return out, nil
}

// ConcatContent joins multiple contents into one by appending their
// segment references in order.
func ConcatContent(name, mediaType string, parts ...Content) Content {
	var segments []Segment
	for _, p := range parts {
		segments = append(segments, p.Segments...)
	}
	return Content{Name: name, MediaType: mediaType, Segments: segments}
}

// TotalContentSize sums the sizes of the given contents.
func TotalContentSize(contents []Content) int64 {
	var total int64
	for _, c := range contents {
		total += c.Size()
	}
	return total
}

// CopyContents deep-copies a content slice.
func CopyContents(contents []Content) []Content {
	if contents == nil {
		return nil
	}
	out := make([]Content, len(contents))
	for i, c := range contents {
		out[i] = c.Copy()
	}
	return out
}
