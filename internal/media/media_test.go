package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestObjectKey(t *testing.T) {
	a := ObjectKey(PrefixOriginal, "sub-1", "image/jpeg")
	b := ObjectKey(PrefixOriginal, "sub-1", "image/jpeg")
	if a == b {
		t.Fatalf("ObjectKey() returned the same key twice: %s", a)
	}
	if !strings.HasPrefix(a, "originals/sub-1/") || !strings.HasSuffix(a, ".jpg") {
		t.Errorf("ObjectKey() = %s", a)
	}
	if k := ObjectKey(PrefixProcessed, "sub-1", "application/x-unknown-thing"); strings.Contains(k[len("processed/sub-1/"):], ".") {
		t.Errorf("ObjectKey() with unknown type = %s, want no extension", k)
	}
}

func TestSniff(t *testing.T) {
	if got := Sniff(pngHeader); got != "image/png" {
		t.Errorf("Sniff(png) = %s", got)
	}
	if got := Extension("image/png"); got != ".png" {
		t.Errorf("Extension(image/png) = %s", got)
	}
}

func TestMemoryStoreServesObjects(t *testing.T) {
	store := NewMemoryStore("")
	srv := httptest.NewServer(store)
	defer srv.Close()
	store.SetPublicURL(srv.URL)

	if err := store.Put(context.Background(), "originals/sub-1/x.png", "image/png", pngHeader); err != nil {
		t.Fatal(err)
	}
	url := store.URL("originals/sub-1/x.png")
	if url != srv.URL+"/originals/sub-1/x.png" {
		t.Fatalf("URL() = %s", url)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != string(pngHeader) {
		t.Errorf("GET %s = %d, %d bytes", url, resp.StatusCode, len(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %s", ct)
	}

	resp, err = http.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing = %d, want 404", resp.StatusCode)
	}
}
