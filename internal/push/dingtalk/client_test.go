package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMarkdown_SignsAndPosts(t *testing.T) {
	var got struct {
		MsgType  string            `json:"msgtype"`
		Markdown map[string]string `json:"markdown"`
	}
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/robot/send?access_token=x", "SECret", time.Second)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	resp, err := c.SendMarkdown(context.Background(), "VES spread", "**1.92%**")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ErrCode)
	assert.Equal(t, "markdown", got.MsgType)
	assert.Equal(t, "VES spread", got.Markdown["title"])
	assert.Equal(t, []string{"x"}, query["access_token"])
	assert.Equal(t, []string{"1700000000000"}, query["timestamp"])
	assert.Equal(t, []string{sign("1700000000000\nSECret", "SECret")}, query["sign"])
}

func TestSendMarkdown_Errors(t *testing.T) {
	_, err := NewClient("", "", 0).SendMarkdown(context.Background(), "t", "m")
	assert.ErrorIs(t, err, ErrNoWebhook)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()
	_, err = NewClient(srv.URL, "", time.Second).SendMarkdown(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "status 410")
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	assert.False(t, nilClient.Configured())
	assert.True(t, NewClient("http://hook", "", 0).Configured())
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	// "é" is two bytes; the cut must not land inside it
	assert.Equal(t, "ab\n...", clip("abé", 3))
	assert.Equal(t, "abé\n...", clip("abéd", 4))
}

func TestSendMarkdown_ClipsLongBodies(t *testing.T) {
	var got markdownMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	long := make([]byte, maxMarkdownBytes+500)
	for i := range long {
		long[i] = 'x'
	}
	_, err := NewClient(srv.URL, "", time.Second).SendMarkdown(context.Background(), "digest", string(long))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.Markdown.Text), maxMarkdownBytes+4)
}
