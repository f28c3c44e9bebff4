package helper

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "github.com/mat/besticon/ico"
)

const (
	MaxImageDimension     = 4096
	ThumbnailDimension    = 72
	MaxDecompressedSizeMB = 50
	MaxDecompressedSize   = MaxDecompressedSizeMB * 1024 * 1024
	MaxUploadSizeMB       = 16
	MaxUploadSize         = MaxUploadSizeMB * 1024 * 1024
)

var ErrFileTooLarge = fmt.Errorf("file exceeds %d MB", MaxUploadSizeMB)

// PreparedImage is an image ready to be uploaded as a WhatsApp image message.
type PreparedImage struct {
	Data      []byte
	MimeType  string
	Thumbnail []byte
	Width     int
	Height    int
}

// PrepareImage decodes an uploaded image and re-encodes anything that is
// not JPEG or PNG (webp, ico, gif...) to JPEG, since those are the formats
// every client renders inline. Oversized images are scaled down.
func PrepareImage(data []byte, mimeType string) (*PreparedImage, error) {
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := ValidateDecompressedSize(img); err != nil {
		return nil, err
	}

	out := &PreparedImage{Data: data, MimeType: mimeType}

	bounds := img.Bounds()
	resized := false
	if bounds.Dx() > MaxImageDimension || bounds.Dy() > MaxImageDimension {
		img = imaging.Fit(img, MaxImageDimension, MaxImageDimension, imaging.Lanczos)
		resized = true
	}

	if resized || (mimeType != "image/jpeg" && mimeType != "image/png") {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG: %w", err)
		}
		out.Data = buf.Bytes()
		out.MimeType = "image/jpeg"
	}

	out.Width = img.Bounds().Dx()
	out.Height = img.Bounds().Dy()

	thumb := imaging.Thumbnail(img, ThumbnailDimension, ThumbnailDimension, imaging.Linear)
	var tbuf bytes.Buffer
	if err := jpeg.Encode(&tbuf, thumb, &jpeg.Options{Quality: 60}); err == nil {
		out.Thumbnail = tbuf.Bytes()
	}

	return out, nil
}

// ValidateDecompressedSize prevents decompression bomb attacks
func ValidateDecompressedSize(img image.Image) error {
	bounds := img.Bounds()
	// RGBA = 4 bytes per pixel
	decompressedSize := bounds.Dx() * bounds.Dy() * 4
	if decompressedSize > MaxDecompressedSize {
		return fmt.Errorf("decompression bomb detected: image too large when decompressed (%d MB)", decompressedSize/(1024*1024))
	}
	return nil
}

func decodeImage(data []byte, mimeType string) (image.Image, error) {
	switch mimeType {
	case "image/webp":
		return webp.Decode(bytes.NewReader(data))
	default:
		// jpeg, png and ico decoders are registered
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unsupported image format or corrupted file")
		}
		return img, nil
	}
}

// DecodeBase64File accepts raw base64 or a data URL ("data:image/png;base64,...").
// The mime type from a data URL is returned when present.
func DecodeBase64File(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	mimeType := ""
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", errors.New("malformed data url")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = payload
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxUploadSize {
		return nil, "", ErrFileTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("file is empty")
	}
	return data, mimeType, nil
}
