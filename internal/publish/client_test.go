package publish

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowClient_Created(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get(middleware.InternalSecretHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"publishId":"pub_1","outcome":"directPostSuccess"}`))
	}))
	defer srv.Close()

	res, err := NewNowClient(srv.URL, "s3cret", time.Second).PublishNow(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "pub_1", res.PublishID)
	assert.Equal(t, OutcomeDirectPost, res.Outcome)
}

func TestNowClient_ErrorTextCutOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 700)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"` + long + `"}`))
	}))
	defer srv.Close()

	_, err := NewNowClient(srv.URL, "", time.Second).PublishNow(context.Background(), Request{UserID: "u1"})
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, utf8.ValidString(msg), "error text must stay valid UTF-8")
	assert.True(t, strings.HasPrefix(msg, "publish/now status 500: "))
	assert.Equal(t, maxErrorText, utf8.RuneCountInString(strings.TrimPrefix(msg, "publish/now status 500: ")))
}
