package whatsapp

import (
	"errors"
	"strings"
)

// Content is one of Text, Image or Document.
type Content interface {
	content()
	// Summary is the text recorded in the outbound log.
	Summary() string
}

type Text struct {
	Body string
}

type Image struct {
	Data     []byte
	MimeType string
	Caption  string
	FileName string
}

type Document struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

func (Text) content()     {}
func (Image) content()    {}
func (Document) content() {}

func (t Text) Summary() string     { return t.Body }
func (i Image) Summary() string    { return i.Caption }
func (d Document) Summary() string { return d.Caption }

// FileName returns the attached file name, empty for text.
func FileName(c Content) string {
	switch v := c.(type) {
	case Image:
		return v.FileName
	case Document:
		return v.FileName
	default:
		return ""
	}
}

// NewFileContent picks Image for image/* mime types, Document otherwise.
func NewFileContent(data []byte, mimeType, fileName, caption string) Content {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return Image{Data: data, MimeType: mimeType, Caption: caption, FileName: fileName}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Document{Data: data, MimeType: mimeType, FileName: fileName, Caption: caption}
}

var (
	errEmptyText   = errors.New("message text is empty")
	errEmptyMedia  = errors.New("file content is empty")
	errNilContent  = errors.New("content is required")
	errNoFileName  = errors.New("document file name is required")
	errUnknownKind = errors.New("unsupported content type")
)

// Validate checks that the content can be sent.
func Validate(c Content) error {
	switch v := c.(type) {
	case nil:
		return errNilContent
	case Text:
		if strings.TrimSpace(v.Body) == "" {
			return errEmptyText
		}
	case Image:
		if len(v.Data) == 0 {
			return errEmptyMedia
		}
	case Document:
		if len(v.Data) == 0 {
			return errEmptyMedia
		}
		if strings.TrimSpace(v.FileName) == "" {
			return errNoFileName
		}
	default:
		return errUnknownKind
	}
	return nil
}
