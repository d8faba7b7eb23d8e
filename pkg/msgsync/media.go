// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DetectMessageType sniffs the content of an attachment and picks the
// message type it should be sent as.
func DetectMessageType(data []byte) MessageType {
	return messageTypeForMIME(mimetype.Detect(data).String())
}

// DetectMessageTypeFile is like DetectMessageType but reads the file header
// from disk. It also returns the detected MIME type.
func DetectMessageTypeFile(path string) (MessageType, string, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to detect type of %s: %w", path, err)
	}
	return messageTypeForMIME(mime.String()), mime.String(), nil
}

func messageTypeForMIME(mime string) MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mime, "text/plain"):
		return TypeText
	default:
		return TypeFile
	}
}

// ImageDimensions reads only the image header. ok is false for formats
// that cannot be decoded.
func ImageDimensions(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// AttachmentInfo describes a local file that is about to be sent.
type AttachmentInfo struct {
	Type   MessageType
	Name   string
	MIME   string
	Size   int64
	Width  int
	Height int
}

// Extra renders the attachment metadata carried in Message.Extra.
func (ai *AttachmentInfo) Extra() (json.RawMessage, error) {
	extra := map[string]any{
		"name": ai.Name,
		"mime": ai.MIME,
		"size": ai.Size,
	}
	if ai.Width > 0 && ai.Height > 0 {
		extra["width"] = ai.Width
		extra["height"] = ai.Height
	}
	return json.Marshal(extra)
}

// DescribeAttachment detects the type of the file at path and, for images,
// its pixel dimensions.
func DescribeAttachment(path string) (*AttachmentInfo, error) {
	msgType, mime, err := DetectMessageTypeFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	ai := &AttachmentInfo{
		Type: msgType,
		Name: filepath.Base(path),
		MIME: mime,
		Size: info.Size(),
	}
	if msgType == TypeImage {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		ai.Width, ai.Height, _ = ImageDimensions(data)
	}
	return ai, nil
}
