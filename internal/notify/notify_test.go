package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hbomb79/Iris/internal/notify"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func Test_Push_PostsTextPayload(t *testing.T) {
	var received map[string]string
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")

		body, err := io.ReadAll(r.Body)
		assert.Nil(t, err)
		assert.Nil(t, json.Unmarshal(body, &received))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := notify.New(notify.Config{WebhookURL: server.URL})
	assert.True(t, notifier.Enabled())
	assert.Nil(t, notifier.Push(context.Background(), "Batch complete: 3 succeeded, 1 requeued"))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, map[string]string{"text": "Batch complete: 3 succeeded, 1 requeued"}, received)
}

func Test_Push_ReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel_not_found", http.StatusNotFound)
	}))
	defer server.Close()

	notifier := notify.New(notify.Config{WebhookURL: server.URL})
	err := notifier.Push(context.Background(), "hello")
	assert.Error(t, err)

	var notificationErr *notify.NotificationError
	assert.ErrorAs(t, err, &notificationErr)
	assert.Equal(t, http.StatusNotFound, notificationErr.StatusCode)
}

func Test_Push_DisabledWithoutURL(t *testing.T) {
	notifier := notify.New(notify.Config{})
	assert.False(t, notifier.Enabled())
	assert.Nil(t, notifier.Push(context.Background(), "nobody will hear this"))
}
