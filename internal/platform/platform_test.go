package platform

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"uk.co.dudmesh.crosspost/internal/model"
	"uk.co.dudmesh.crosspost/pkg/crypt"
	"uk.co.dudmesh.crosspost/pkg/message"
)

func okCapability(data string) Capability {
	return CapabilityFunc(func(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
		result := model.Succeeded(data)
		return &result, nil
	})
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.Register(Twitter, okCapability("t"))
	registry.Register(Bluesky, okCapability("b"))

	c, ok := registry.Lookup(Twitter)
	assert.True(ok)
	result, err := c.Publish(context.Background(), &model.Post{Message: "hi"})
	assert.Nil(err)
	assert.Equal("t", result.Data)

	_, ok = registry.Lookup("myspace")
	assert.False(ok)

	assert.Equal([]string{Bluesky, Twitter}, registry.Platforms())
}

func TestBuild(t *testing.T) {
	assert := assert.New(t)

	registry, err := Build(context.Background(), Settings{}, nil)
	assert.Nil(err)
	assert.Equal([]string{Bluesky}, registry.Platforms())

	_, err = Build(context.Background(), Settings{Propolis: PropolisConfig{ExchangeURL: "http://x", PrivateKey: "garbage"}}, nil)
	assert.NotNil(err)

	registry, err = Build(context.Background(), Settings{
		Twitter:   TwitterConfig{AccessToken: "a"},
		Instagram: InstagramConfig{AccessToken: "b"},
	}, nil)
	assert.Nil(err)
	assert.Equal([]string{Bluesky, Instagram, Twitter}, registry.Platforms())
}

func TestLimited(t *testing.T) {
	assert := assert.New(t)

	var calls int32
	c := Limited(CapabilityFunc(func(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
		atomic.AddInt32(&calls, 1)
		result := model.Succeeded(nil)
		return &result, nil
	}), rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := c.Publish(context.Background(), &model.Post{})
	assert.Nil(err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Publish(ctx, &model.Post{})
	assert.NotNil(err)
	assert.Equal(int32(1), atomic.LoadInt32(&calls))
}

func TestTwitter(t *testing.T) {
	assert := assert.New(t)

	var tweet tweetRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("Bearer user-token", r.Header.Get("Authorization"))
		file, header, err := r.FormFile("media")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal("cat.jpg", header.Filename)
		assert.Equal("meow", string(data))
		w.Write([]byte(`{"media_id_string":"m1"}`))
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("Bearer user-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tweet))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"42","text":"hello"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewTwitter(context.Background(), TwitterConfig{
		AccessToken: "user-token",
		UploadURL:   server.URL + "/upload",
		APIURL:      server.URL,
	}, server.Client())

	result, err := c.Publish(context.Background(), &model.Post{
		Message: "hello",
		Image:   model.NewAttachment("cat.jpg", "image/jpeg", []byte("meow")),
	})
	require.NoError(t, err)
	assert.True(result.Success)
	assert.Equal("hello", tweet.Text)
	assert.Equal([]string{"m1"}, tweet.Media.MediaIDs)

	t.Run("surfaces api errors", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer failing.Close()

		c := NewTwitter(context.Background(), TwitterConfig{AccessToken: "x", APIURL: failing.URL}, failing.Client())
		_, err := c.Publish(context.Background(), &model.Post{Message: "hello"})
		var statusErr *StatusError
		assert.ErrorAs(err, &statusErr)
		assert.Equal(http.StatusTooManyRequests, statusErr.Code)
	})
}

func TestInstagram(t *testing.T) {
	assert := assert.New(t)

	var published url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/me/media", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("token", r.FormValue("access_token"))
		assert.Equal("caption me", r.FormValue("caption"))
		_, _, err := r.FormFile("video")
		assert.Nil(err)
		w.Write([]byte(`{"id":"container-1"}`))
	})
	mux.HandleFunc("/me/media_publish", func(w http.ResponseWriter, r *http.Request) {
		published = r.URL.Query()
		w.Write([]byte(`{"id":"media-1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewInstagram(InstagramConfig{AccessToken: "token", GraphURL: server.URL}, server.Client())

	result, err := c.Publish(context.Background(), &model.Post{
		Message: "caption me",
		Image:   model.NewAttachment("a.png", "image/png", []byte{1}),
		Video:   model.NewAttachment("a.mp4", "video/mp4", []byte{2}),
	})
	require.NoError(t, err)
	assert.True(result.Success)
	assert.Equal("container-1", published.Get("creation_id"))
	assert.Equal(graphID{ID: "media-1"}, result.Data)

	_, err = c.Publish(context.Background(), &model.Post{Message: "text only"})
	assert.ErrorIs(err, ErrorMediaRequired)
}

func TestBluesky(t *testing.T) {
	assert := assert.New(t)

	t.Run("without credentials returns a redirect", func(t *testing.T) {
		c := NewBluesky(BlueskyConfig{
			ServiceURL:  "https://bsky.example",
			ClientID:    "client",
			CallbackURL: "http://127.0.0.1:3000/auth/bluesky/callback",
		}, nil)

		result, err := c.Publish(context.Background(), &model.Post{Message: "hi"})
		assert.Nil(err)
		assert.False(result.Success)
		assert.Equal("Authentication required.", result.Error)

		redirect, err := url.Parse(result.RedirectURL)
		require.NoError(t, err)
		assert.Equal("/oauth/authorize", redirect.Path)
		assert.Equal("token", redirect.Query().Get("response_type"))
		assert.Equal("client", redirect.Query().Get("client_id"))
		assert.Equal("http://127.0.0.1:3000/auth/bluesky/callback", redirect.Query().Get("redirect_uri"))
	})

	t.Run("logs in once and embeds the video", func(t *testing.T) {
		var logins int32
		var record map[string]interface{}
		mux := http.NewServeMux()
		mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&logins, 1)
			w.Write([]byte(`{"accessJwt":"jwt","did":"did:plc:me","handle":"me.bsky.social"}`))
		})
		mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal("Bearer jwt", r.Header.Get("Authorization"))
			assert.Equal("video/mp4", r.Header.Get("Content-Type"))
			w.Write([]byte(`{"blob":{"$type":"blob","ref":{"$link":"cid"},"mimeType":"video/mp4","size":1}}`))
		})
		mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
			body := map[string]interface{}{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal("did:plc:me", body["repo"])
			record = body["record"].(map[string]interface{})
			w.Write([]byte(`{"uri":"at://did:plc:me/app.bsky.feed.post/1","cid":"c"}`))
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		c := NewBluesky(BlueskyConfig{
			Handle:      "me.bsky.social",
			AppPassword: "app-password",
			ServiceURL:  server.URL,
			SessionTTL:  time.Hour,
		}, server.Client())

		post := &model.Post{
			Message: "both",
			Image:   model.NewAttachment("a.png", "image/png", []byte{1}),
			Video:   model.NewAttachment("a.mp4", "video/mp4", []byte{2}),
		}
		for i := 0; i < 2; i++ {
			result, err := c.Publish(context.Background(), post)
			require.NoError(t, err)
			assert.True(result.Success)
		}

		assert.Equal(int32(1), atomic.LoadInt32(&logins))
		assert.Equal("both", record["text"])
		embed := record["embed"].(map[string]interface{})
		assert.Equal(embedVideo, embed["$type"])
	})
}

func TestPropolis(t *testing.T) {
	assert := assert.New(t)

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	encoded, err := crypt.EncodePrivateKey(privateKey, "account")
	require.NoError(t, err)

	var received *message.Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/ingest", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		e, parseErr := message.Parse(body, func(header *message.Header) (*ecdsa.PublicKey, error) {
			return &privateKey.PublicKey, nil
		})
		assert.Nil(parseErr)
		received = e
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewPropolis(PropolisConfig{ExchangeURL: server.URL, PrivateKey: encoded}, server.Client())
	require.NoError(t, err)

	result, err := c.Publish(context.Background(), &model.Post{
		Message: "federated",
		Image:   model.NewAttachment("a.png", "image/png", []byte{9, 8, 7}),
	})
	require.NoError(t, err)
	assert.True(result.Success)

	require.NotNil(t, received)
	assert.Equal(ContentTypePost, received.ContentType)
	assert.Equal(message.AddressFor(&privateKey.PublicKey), received.Sender)

	var payload propolisPost
	require.NoError(t, json.Unmarshal(received.Payload, &payload))
	assert.Equal("federated", payload.Content)
	require.Len(t, payload.Attachments, 1)
	assert.Equal(model.Binary{9, 8, 7}, payload.Attachments[0].Data)
}
