package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"submission-pipeline/internal/config"
)

func encodedScreenshot(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestArchiveStoresOriginalAndThumbnail(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{
		ArtifactLocalDir:   tempDir,
		ArtifactThumbWidth: 8,
	}
	archiver, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	payload := map[string]any{
		"confirmation_id": "CONF-123",
		"screenshot_b64":  encodedScreenshot(t, 64, 32),
	}
	ref, ok, err := archiver.Archive(context.Background(), "job-1", "task-1", payload)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !ok {
		t.Fatalf("expected screenshot archived")
	}
	if ref != filepath.Join(tempDir, "job-1", "task-1.png") {
		t.Fatalf("unexpected ref: %s", ref)
	}

	thumbPath := filepath.Join(tempDir, "job-1", "task-1_thumb.png")
	data, err := os.ReadFile(thumbPath)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 8 {
		t.Fatalf("expected thumb width 8, got %d", thumb.Bounds().Dx())
	}
	// Aspect ratio preserved: 64x32 shrunk to 8 wide is 4 tall.
	if thumb.Bounds().Dy() != 4 {
		t.Fatalf("expected thumb height 4, got %d", thumb.Bounds().Dy())
	}
}

func TestArchiveSkipsPayloadWithoutScreenshot(t *testing.T) {
	archiver, err := New(context.Background(), config.Config{ArtifactLocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	_, ok, err := archiver.Archive(context.Background(), "job-1", "task-1", map[string]any{
		"confirmation_id": "CONF-456",
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if ok {
		t.Fatalf("expected nothing archived")
	}
}

func TestArchiveRejectsBadEncoding(t *testing.T) {
	archiver, err := New(context.Background(), config.Config{ArtifactLocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	_, _, err = archiver.Archive(context.Background(), "job-1", "task-1", map[string]any{
		"screenshot_b64": "not base64!!!",
	})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}
