package media

import (
	"context"
	"os"
	"strings"
	"testing"
)

type fakeDownloader struct {
	mime string
	data []byte
	err  error
}

func (f fakeDownloader) Download(_ context.Context, _, _ string) (string, []byte, error) {
	return f.mime, f.data, f.err
}

func TestResolveInlineProducesDataURI(t *testing.T) {
	h := NewInlineHandler(fakeDownloader{mime: "image/png", data: []byte("pngbytes")})
	r := h.Resolve(context.Background(), "sess", "f1", "image/png")
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if !strings.HasPrefix(r.DataURI, "data:image/png;base64,") {
		t.Fatalf("unexpected data URI: %s", r.DataURI)
	}
}

func TestResolveDiskWritesFileAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	h, err := NewDiskHandler(fakeDownloader{mime: "image/jpeg", data: []byte("jpgbytes")}, dir, "/images")
	if err != nil {
		t.Fatalf("new disk handler: %v", err)
	}
	r := h.Resolve(context.Background(), "sess", "f1", "image/jpeg")
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if !strings.HasPrefix(r.URL, "/images/") || !strings.HasSuffix(r.URL, ".jpg") {
		t.Fatalf("unexpected URL: %s", r.URL)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 file written, got %d", len(entries))
	}
}

func TestResolveSurfacesDownloadFailureWithoutPanicking(t *testing.T) {
	h := NewInlineHandler(fakeDownloader{err: errTest{}})
	r := h.Resolve(context.Background(), "sess", "f1", "image/png")
	if r.Err == nil {
		t.Fatal("expected error to be surfaced on the result, not propagated")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestRenderFragmentImageVsVideo(t *testing.T) {
	img := RenderFragment(ResolvedFile{MimeType: "image/png", URL: "/images/a.png"})
	if !strings.Contains(img, "![generated image]") {
		t.Fatalf("expected markdown image fragment, got %s", img)
	}
	vid := RenderFragment(ResolvedFile{MimeType: "video/mp4", URL: "/images/a.mp4"})
	if !strings.Contains(vid, "<video") {
		t.Fatalf("expected video fragment, got %s", vid)
	}
}

func TestRenderFragmentErrorIsVisible(t *testing.T) {
	out := RenderFragment(ResolvedFile{Err: errTest{}})
	if !strings.Contains(out, "media error") {
		t.Fatalf("expected visible inline error, got %s", out)
	}
}
