package core

// Part represents a polymorphic segment of message content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ImagePart is an image attachment. Either Data (with MimeType) is inlined or
// URL references the image (http(s)://, data: or file://).
type ImagePart struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// isPart implements the Part interface for ImagePart.
func (ImagePart) isPart() {}

// IsInline reports whether the image bytes are carried in the part itself.
func (p ImagePart) IsInline() bool { return len(p.Data) > 0 }
