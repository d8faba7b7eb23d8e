package msgsync

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDetectMessageType(t *testing.T) {
	if got := DetectMessageType(encodePNG(t, 1, 1)); got != TypeImage {
		t.Fatalf("expected image for png bytes, got %s", got)
	}
	if got := DetectMessageType([]byte("just words")); got != TypeText {
		t.Fatalf("expected text for plain text, got %s", got)
	}
	if got := DetectMessageType([]byte{0x00, 0x01, 0x02, 0xff, 0xfe}); got != TypeFile {
		t.Fatalf("expected file for unknown bytes, got %s", got)
	}
}

func TestImageDimensions(t *testing.T) {
	w, h, ok := ImageDimensions(encodePNG(t, 12, 7))
	if !ok || w != 12 || h != 7 {
		t.Fatalf("expected 12x7, got %dx%d ok=%v", w, h, ok)
	}
	if _, _, ok = ImageDimensions([]byte("not an image")); ok {
		t.Fatalf("expected undecodable data to report !ok")
	}
}

func TestDescribeAttachment(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(imgPath, encodePNG(t, 4, 3), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	att, err := DescribeAttachment(imgPath)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if att.Type != TypeImage || att.MIME != "image/png" || att.Width != 4 || att.Height != 3 {
		t.Fatalf("unexpected attachment %+v", att)
	}
	raw, err := att.Extra()
	if err != nil {
		t.Fatalf("extra: %v", err)
	}
	var extra map[string]any
	if err = json.Unmarshal(raw, &extra); err != nil {
		t.Fatalf("decode extra: %v", err)
	}
	if extra["name"] != "pic.png" || extra["width"] != float64(4) {
		t.Fatalf("unexpected extra %s", raw)
	}

	binPath := filepath.Join(dir, "blob.bin")
	if err = os.WriteFile(binPath, []byte{0x00, 0x01, 0x02, 0xff}, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	att, err = DescribeAttachment(binPath)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	raw, _ = att.Extra()
	if att.Type != TypeFile || bytes.Contains(raw, []byte("width")) {
		t.Fatalf("expected plain file without dimensions, got %+v %s", att, raw)
	}
}
