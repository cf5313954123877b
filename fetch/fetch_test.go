package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bluesky-social/modgate/moderation"
	"github.com/stretchr/testify/assert"
)

func TestResolveInline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := NewFetcher(nil)

	ref := InlineRef([]byte("hello world"))
	assert.Equal("b64:aGVsbG8gd29ybGQ=", ref)
	b, err := f.Resolve(ctx, ref)
	assert.NoError(err)
	assert.Equal([]byte("hello world"), b)

	b, err = f.Resolve(ctx, InlineRef(nil))
	assert.NoError(err)
	assert.Empty(b)

	_, err = f.Resolve(ctx, "b64:!!!not-base64")
	assert.ErrorIs(err, moderation.ErrBadRequest)

	f.MaxSize = 4
	_, err = f.Resolve(ctx, InlineRef([]byte("hello")))
	assert.ErrorIs(err, moderation.ErrBadRequest)
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(Validate("b64:"))
	assert.NoError(Validate("https://example.com/image.png"))
	assert.NoError(Validate("http://example.com/image.png"))
	for _, bad := range []string{"", "ftp://example.com/x", "file:///etc/passwd", "https://", "not a url", "%zz"} {
		assert.ErrorIs(Validate(bad), moderation.ErrBadRequest, bad)
	}
}

func TestResolveHTTP(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("imagebytes"))
		case "/big":
			w.Write([]byte(strings.Repeat("x", 100)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	// test server is on loopback, so swap out the public-only client
	f := NewFetcher(nil)
	f.Client = srv.Client()

	b, err := f.Resolve(ctx, srv.URL+"/ok")
	assert.NoError(err)
	assert.Equal([]byte("imagebytes"), b)

	_, err = f.Resolve(ctx, srv.URL+"/missing")
	assert.ErrorIs(err, moderation.ErrBadRequest)
	assert.ErrorContains(err, "statusCode=404")

	f.MaxSize = 50
	_, err = f.Resolve(ctx, srv.URL+"/big")
	assert.ErrorIs(err, moderation.ErrBadRequest)
}
