package main

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"
)

// decodeAttachment parses a data URL ("data:image/png;base64,....") into an
// attachment ready for upload.
func decodeAttachment(raw, fileName string) (*Attachment, error) {
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode attachment data URL: %w", err)
	}
	return &Attachment{
		Data:     du.Data,
		MimeType: du.MediaType.ContentType(),
		FileName: fileName,
	}, nil
}

// makeJPEGThumbnail produces the small preview embedded in image messages.
func makeJPEGThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := resize.Thumbnail(72, 72, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
