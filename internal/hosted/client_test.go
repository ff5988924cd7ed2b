package hosted

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "service", r.Header.Get("apikey"))
		_, _ = w.Write([]byte(`{"id":"u-1","email":"thandi@example.com","user_metadata":{"name":"Thandi"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{URL: srv.URL, ServiceKey: "service"})
	require.NoError(t, err)

	user, err := client.GetUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "Thandi", user.Name)
}

func TestGetUserRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
	}))
	defer srv.Close()

	client, err := New(Config{URL: srv.URL, ServiceKey: "service"})
	require.NoError(t, err)

	_, err = client.GetUser(context.Background(), "bad")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid JWT", apiErr.Message)
}

func TestBucketUploadAndPublicURL(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/v1/object/book-images/books/b1/cover.jpg", r.URL.Path)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"Key":"book-images/books/b1/cover.jpg"}`))
	}))
	defer srv.Close()

	client, err := New(Config{URL: srv.URL + "/", ServiceKey: "service"})
	require.NoError(t, err)

	bucket := client.Bucket("book-images")
	require.NoError(t, bucket.Upload(context.Background(), "books/b1/cover.jpg", []byte("jpeg"), "image/jpeg"))
	assert.Equal(t, "jpeg", string(gotBody))
	assert.Equal(t, srv.URL+"/storage/v1/object/public/book-images/books/b1/cover.jpg", bucket.PublicURL("books/b1/cover.jpg"))
}

func TestNewRequiresSettings(t *testing.T) {
	_, err := New(Config{ServiceKey: "k"})
	require.Error(t, err)
	_, err = New(Config{URL: "http://localhost"})
	require.Error(t, err)
}
