package export

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/models"
)

var ErrNoNarration = errors.New("no scene has narration")

// NarrationTrack concatenates the narration of every scene that has one, in
// scene order, into a single WAV file.
func NarrationTrack(scenes models.Scenes) ([]byte, error) {
	var parts [][]byte
	for _, s := range scenes {
		if s.HasAudio() {
			parts = append(parts, s.NarrationAudio)
		}
	}
	if len(parts) == 0 {
		return nil, apperr.New(apperr.KindInvalid, ErrNoNarration)
	}
	return audio.EncodeWAV(audio.Concat(parts...)), nil
}

// ImageExtension maps an image MIME type to a file extension.
func ImageExtension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// SceneFileName is the bundle name of a scene artifact, e.g. scene_03.wav.
func SceneFileName(index int, ext string) string {
	return fmt.Sprintf("scene_%02d.%s", index+1, ext)
}

func sceneText(s models.Scene) string {
	var b strings.Builder
	b.WriteString(s.NarrativeText)
	if s.ImagePrompt != "" {
		b.WriteString("\n\nImage prompt: ")
		b.WriteString(s.ImagePrompt)
	}
	b.WriteString("\n")
	return b.String()
}

// WriteBundle writes a zip with story.txt plus, per scene, its text and any
// image and narration it has.
func WriteBundle(w io.Writer, story string, scenes models.Scenes) error {
	zw := zip.NewWriter(w)
	modified := time.Now()

	add := func(name string, data []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	}

	if err := add("story.txt", []byte(story)); err != nil {
		return err
	}
	for i, s := range scenes {
		if err := add(SceneFileName(i, "txt"), []byte(sceneText(s))); err != nil {
			return err
		}
		if s.HasImage() {
			if err := add(SceneFileName(i, ImageExtension(s.GeneratedImage.MIMEType)), s.GeneratedImage.Data); err != nil {
				return err
			}
		}
		if s.HasAudio() {
			if err := add(SceneFileName(i, "wav"), audio.EncodeWAV(s.NarrationAudio)); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}
