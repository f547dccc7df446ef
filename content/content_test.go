package content

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p, err := PutListing(ctx, s, ListingMetadata{Title: "Vintage camera", Images: []string{"a.jpg"}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p, "sha256-"))

	again, err := PutListing(ctx, s, ListingMetadata{Title: "Vintage camera", Images: []string{"a.jpg"}})
	require.NoError(t, err)
	require.Equal(t, p, again)

	m, err := GetListing(ctx, s, p)
	require.NoError(t, err)
	require.Equal(t, "Vintage camera", m.Title)

	_, err = s.Get(ctx, PointerFor([]byte(`{}`)))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "ipfs://whatever")
	require.ErrorIs(t, err, ErrInvalidPointer)
	_, err = s.Put(ctx, []byte("not json"))
	require.ErrorIs(t, err, ErrNotJSON)
}

// fakeS3 serves path-style PUT and GET object requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	s, err := NewS3Store(ctx, S3Config{
		Bucket:    "listings",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
		Prefix:    "/meta/",
	})
	require.NoError(t, err)

	doc := []byte(`{"title":"Signed vinyl"}`)
	p, err := s.Put(ctx, doc)
	require.NoError(t, err)

	fake.mu.Lock()
	_, stored := fake.objects["/listings/meta/"+p+".json"]
	fake.mu.Unlock()
	require.True(t, stored)

	got, err := s.Get(ctx, p)
	require.NoError(t, err)
	require.Equal(t, doc, got)

	_, err = s.Get(ctx, PointerFor([]byte(`{"title":"other"}`)))
	require.ErrorIs(t, err, ErrNotFound)
}
