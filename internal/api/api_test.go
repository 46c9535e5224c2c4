// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apelle-music/apelle/internal/broker"
	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/models"
	"github.com/apelle-music/apelle/internal/queuecode"
	"github.com/apelle-music/apelle/internal/roles"
	"github.com/apelle-music/apelle/internal/songs"
	"github.com/apelle-music/apelle/internal/stream"
)

// fakeSongs is an in-memory stand-in for the songs service. Resolving a
// urn mints a song on first sight and returns the same song afterwards.
type fakeSongs struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]models.Song
	byURN map[string]models.Song
}

func newFakeSongs() *fakeSongs {
	return &fakeSongs{
		byID:  make(map[uuid.UUID]models.Song),
		byURN: make(map[string]models.Song),
	}
}

func (f *fakeSongs) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /songs/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source string `json:"source"`
			URN    string `json:"urn"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.HasPrefix(req.URN, "bad:") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"unknown track"}`))
			return
		}

		f.mu.Lock()
		song, ok := f.byURN[req.URN]
		if !ok {
			song = models.Song{
				ID:       uuid.New(),
				Name:     req.URN,
				Artists:  []string{"test artist"},
				Duration: 180,
				Source:   req.Source,
			}
			f.byURN[req.URN] = song
			f.byID[song.ID] = song
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(song)
	})
	mux.HandleFunc("GET /songs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		song, ok := f.byID[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(song)
	})
	return mux
}

type testEnv struct {
	t      *testing.T
	server *httptest.Server
	db     *sql.DB
	mr     *miniredis.Miniredis
	songs  *fakeSongs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fake := newFakeSongs()
	songsSrv := httptest.NewServer(fake.handler())
	t.Cleanup(songsSrv.Close)

	codes, err := queuecode.New("23456789ABCDEFGHJKMNPQRSTUVWXYZ", 25, 5)
	require.NoError(t, err)

	subscriber := broker.NewSubscriber(rdb)
	subCtx, cancelSub := context.WithCancel(context.Background())
	t.Cleanup(cancelSub)
	go func() { _ = subscriber.Serve(subCtx) }()

	h := NewHandlers(
		db,
		roles.NewConfigsClient("http://configs.invalid"),
		songs.NewClient(songsSrv.URL),
		broker.NewPublisher(rdb),
		subscriber,
		codes,
		stream.Options{SyncTimeout: time.Second, Keepalive: 50 * time.Millisecond},
	)

	server := httptest.NewServer(h.NewRouter())
	t.Cleanup(server.Close)

	return &testEnv{t: t, server: server, db: db, mr: mr, songs: fake}
}

func (e *testEnv) do(method, path string, userID uuid.UUID, body any, headers map[string]string) *http.Response {
	e.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("X-Apelle-User-Id", userID.String())
	req.Header.Set("X-Apelle-User-Name", "user-"+userID.String()[:8])
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createQueue(userID uuid.UUID) *models.QueueView {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/", userID, map[string]any{"config": map[string]any{}}, nil)
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	view := decodeBody[*models.QueueView](e.t, resp)
	return view
}

// enqueue posts a urn and returns the queued entry.
func (e *testEnv) enqueue(queueID, userID uuid.UUID, urn string, autolike bool) models.QueuedSongView {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/"+queueID.String()+"/enqueue", userID,
		map[string]any{"source": "test", "urn": urn, "autolike": autolike}, nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decodeBody[models.QueuedSongView](e.t, resp)
}

// busRecorder collects everything published on the queue event channels.
type busRecorder struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func (e *testEnv) recordBus() *busRecorder {
	e.t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: e.mr.Addr()})
	e.t.Cleanup(func() { _ = rdb.Close() })

	pubsub := rdb.PSubscribe(context.Background(), events.ChannelPattern)
	_, err := pubsub.Receive(context.Background())
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = pubsub.Close() })

	return &busRecorder{pubsub: pubsub, ch: pubsub.Channel()}
}

func (r *busRecorder) next(t *testing.T) (string, events.EventContent) {
	t.Helper()
	select {
	case msg := <-r.ch:
		var env events.Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		return msg.Channel, env.Content
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return "", events.EventContent{}
	}
}

func (r *busRecorder) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected bus event on %s: %s", msg.Channel, msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateQueueConditionalGet(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()

	resp := env.do(http.MethodPost, "/", creator, map[string]any{"config": map[string]any{}}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	require.NotEmpty(t, resp.Header.Get("Last-Modified"))

	view := decodeBody[*models.QueueView](t, resp)
	assert.NotEmpty(t, view.Code)
	assert.Nil(t, view.Current)
	assert.NotNil(t, view.Queue)
	assert.Empty(t, view.Queue)

	get := env.do(http.MethodGet, "/"+view.ID.String(), creator, nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, etag, get.Header.Get("ETag"))

	cached := env.do(http.MethodGet, "/"+view.ID.String(), creator, nil,
		map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, cached.StatusCode)
	assert.Equal(t, etag, cached.Header.Get("ETag"))
}

func TestCreateQueueClientCode(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()

	resp := env.do(http.MethodPost, "/", creator,
		map[string]any{"code": "ROOM42", "config": map[string]any{}}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decodeBody[*models.QueueView](t, resp)
	assert.Equal(t, "ROOM42", view.Code)

	dup := env.do(http.MethodPost, "/", uuid.New(),
		map[string]any{"code": "ROOM42", "config": map[string]any{}}, nil)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
}

func TestRequireIdentity(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnqueuePublishesAndConflicts(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	rec := env.recordBus()

	entry := env.enqueue(q.ID, creator, "track-a", false)
	assert.Equal(t, "track-a", entry.Song.Name)
	assert.Equal(t, 0, entry.Likes)

	ch, content := rec.next(t)
	assert.Equal(t, "apelle:queues:events:"+q.ID.String(), ch)
	require.Equal(t, events.TagPatch, content.Tag)
	require.Len(t, content.Ops, 1)
	assert.Equal(t, events.OpAdd, content.Ops[0].Op)
	assert.Equal(t, "/queue/"+entry.SongID.String(), content.Ops[0].Path)

	_, changed := rec.next(t)
	require.Equal(t, events.TagPatch, changed.Tag)
	require.Len(t, changed.Ops, 2)
	assert.Equal(t, "/player_state_id", changed.Ops[0].Path)
	assert.Equal(t, "/updated", changed.Ops[1].Path)

	// Same song again: primary key conflict, nothing published.
	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "track-a", "autolike": false}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	rec.expectSilence(t)
}

func TestEnqueueAutolike(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	// The default config autolikes on enqueue; no override in the body.
	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "track-b"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decodeBody[models.QueuedSongView](t, resp)
	assert.Equal(t, 1, entry.Likes)
	assert.Equal(t, 1, entry.UserLikes)
}

func TestEnqueueResolveRejectionForwarded(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "bad:nope", "autolike": false}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestLikeDisplacement(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	member := uuid.New()
	q := env.createQueue(creator)

	a := env.enqueue(q.ID, member, "track-a", false)
	b := env.enqueue(q.ID, member, "track-b", false)

	likePath := func(song uuid.UUID) string {
		return "/" + q.ID.String() + "/songs/" + song.String() + "/like"
	}

	// Member budget is two: spend both on track a.
	for i := 0; i < 2; i++ {
		resp := env.do(http.MethodPost, likePath(a.SongID), member, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Third like displaces the oldest, moving one like from a to b.
	resp := env.do(http.MethodPost, likePath(b.SongID), member, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	liked := decodeBody[likeResponse](t, resp)
	assert.Equal(t, 1, liked.Likes)
	assert.Equal(t, 1, liked.UserLikes)

	get := env.do(http.MethodGet, "/"+q.ID.String(), member, nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	view := decodeBody[*models.QueueView](t, get)
	assert.Equal(t, 1, view.Queue[a.SongID.String()].Likes)
	assert.Equal(t, 1, view.Queue[b.SongID.String()].Likes)
}

func TestLikeSelfDisplacementNoop(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	member := uuid.New()
	q := env.createQueue(creator)

	a := env.enqueue(q.ID, member, "track-a", false)
	likePath := "/" + q.ID.String() + "/songs/" + a.SongID.String() + "/like"

	for i := 0; i < 2; i++ {
		resp := env.do(http.MethodPost, likePath, member, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	rec := env.recordBus()

	// Budget exhausted and the only displacement candidate is the liked
	// song itself: state stays put and nothing is published.
	resp := env.do(http.MethodPost, likePath, member, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	liked := decodeBody[likeResponse](t, resp)
	assert.Equal(t, 2, liked.Likes)
	assert.Equal(t, 2, liked.UserLikes)
	rec.expectSilence(t)
}

func TestLikeUnknownSong(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	resp := env.do(http.MethodPost,
		"/"+q.ID.String()+"/songs/"+uuid.NewString()+"/like", creator, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNextPicksMostLiked(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	a := env.enqueue(q.ID, creator, "track-a", false)
	b := env.enqueue(q.ID, creator, "track-b", true)

	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/next", creator, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[*models.QueueView](t, resp)

	require.NotNil(t, view.Current)
	assert.Equal(t, b.SongID, view.Current.SongID)
	assert.True(t, view.Current.Playing)
	assert.NotNil(t, view.Current.StartsAt)
	assert.NotContains(t, view.Queue, b.SongID.String())
	assert.Contains(t, view.Queue, a.SongID.String())
}

func TestNextReenqueuesCurrent(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	a := env.enqueue(q.ID, creator, "track-a", false)
	b := env.enqueue(q.ID, creator, "track-b", false)

	// Named next: bring a up, then advance again and expect it at the
	// tail with b current.
	resp := env.do(http.MethodPost,
		"/"+q.ID.String()+"/next?song="+a.SongID.String(), creator, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodPost, "/"+q.ID.String()+"/next", creator, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[*models.QueueView](t, resp)

	require.NotNil(t, view.Current)
	assert.Equal(t, b.SongID, view.Current.SongID)
	assert.Contains(t, view.Queue, a.SongID.String())
}

func TestNextEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/next", creator, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAutoNextPermission(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	member := uuid.New()
	q := env.createQueue(creator)

	env.enqueue(q.ID, member, "track-a", false)
	env.enqueue(q.ID, member, "track-b", false)

	// Nothing playing: the member's auto-next advances.
	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/next", member, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[*models.QueueView](t, resp)
	require.NotNil(t, view.Current)
	current := view.Current.SongID

	// A song is now playing and far from done: auto-next is refused.
	resp = env.do(http.MethodPost, "/"+q.ID.String()+"/next", member, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Naming a song requires the full next permission.
	resp = env.do(http.MethodPost,
		"/"+q.ID.String()+"/next?song="+current.String(), member, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIfMatchPrecondition(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	rec := env.recordBus()

	stale := `"` + uuid.NewString() + `"`
	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "track-a", "autolike": false},
		map[string]string{"If-Match": stale})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	rec.expectSilence(t)

	// The matching tag lets the mutation through.
	resp = env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "track-a", "autolike": false},
		map[string]string{"If-Match": `"` + q.PlayerStateID.String() + `"`})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutationRotatesETag(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/enqueue", creator,
		map[string]any{"source": "test", "urn": "track-a", "autolike": false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := resp.Header.Get("ETag")
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, `"`+q.PlayerStateID.String()+`"`, rotated)
}

func TestGetQueueInlineSongFlags(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)
	entry := env.enqueue(q.ID, creator, "track-a", false)

	// Plain get keeps songs as references.
	get := env.do(http.MethodGet, "/"+q.ID.String(), creator, nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	view := decodeBody[*models.QueueView](t, get)
	assert.Nil(t, view.Queue[entry.SongID.String()].Song)

	// songs inlines the track without provider attribution.
	get = env.do(http.MethodGet, "/"+q.ID.String()+"?songs=true", creator, nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	view = decodeBody[*models.QueueView](t, get)
	song := view.Queue[entry.SongID.String()].Song
	require.NotNil(t, song)
	assert.Equal(t, "track-a", song.Name)
	assert.Empty(t, song.Source)

	// songs_source carries the attribution too.
	get = env.do(http.MethodGet, "/"+q.ID.String()+"?songs_source=true", creator, nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	view = decodeBody[*models.QueueView](t, get)
	song = view.Queue[entry.SongID.String()].Song
	require.NotNil(t, song)
	assert.Equal(t, "test", song.Source)
}

func TestDeleteQueue(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	member := uuid.New()
	q := env.createQueue(creator)

	// Members lack the delete permission.
	resp := env.do(http.MethodDelete, "/"+q.ID.String(), member, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	rec := env.recordBus()

	resp = env.do(http.MethodDelete, "/"+q.ID.String(), creator, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, content := rec.next(t)
	assert.Equal(t, events.TagDeleted, content.Tag)

	resp = env.do(http.MethodGet, "/"+q.ID.String(), creator, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushSyncEvent(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)
	env.enqueue(q.ID, creator, "track-a", false)

	rec := env.recordBus()

	resp := env.do(http.MethodPost, "/"+q.ID.String()+"/push_sync_event", creator, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ch, content := rec.next(t)
	assert.Equal(t, "apelle:queues:events:"+q.ID.String()+":"+creator.String(), ch)
	require.Equal(t, events.TagSync, content.Tag)
	require.NotNil(t, content.Queue)
	assert.Equal(t, q.ID, content.Queue.ID)
	assert.Len(t, content.Queue.Queue, 1)
}

func TestEventsRedirect(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	resp := env.do(http.MethodGet, "/"+q.ID.String()+"/events", creator, nil, nil)
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/events/"+q.ID.String(), resp.Header.Get("Location"))
}

func TestServeEventsDeliversSyncThenPatches(t *testing.T) {
	env := newTestEnv(t)
	creator := uuid.New()
	q := env.createQueue(creator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+"/events/"+q.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("X-Apelle-User-Id", creator.String())

	// Streaming response: read frames as they arrive.
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan string, 16)
	go func() {
		defer close(frames)
		buf := make([]byte, 4096)
		var pending strings.Builder
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				pending.Write(buf[:n])
				for {
					text := pending.String()
					idx := strings.Index(text, "\n\n")
					if idx < 0 {
						break
					}
					frames <- text[:idx]
					pending.Reset()
					pending.WriteString(text[idx+2:])
				}
			}
			if err != nil {
				return
			}
		}
	}()

	readFrame := func() string {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream closed early")
			return f
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for stream frame")
			return ""
		}
	}

	// First data frame is the opening sync snapshot.
	var first string
	for {
		first = readFrame()
		if strings.HasPrefix(first, "data: ") {
			break
		}
	}
	var sync events.EventContent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(first, "data: ")), &sync))
	require.Equal(t, events.TagSync, sync.Tag)
	assert.Equal(t, q.ID, sync.Queue.ID)

	// A mutation shows up as patch frames.
	entry := env.enqueue(q.ID, creator, "track-a", false)
	var patch events.EventContent
	for {
		f := readFrame()
		if !strings.HasPrefix(f, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(f, "data: ")), &patch))
		break
	}
	require.Equal(t, events.TagPatch, patch.Tag)
	require.NotEmpty(t, patch.Ops)
	assert.Equal(t, "/queue/"+entry.SongID.String(), patch.Ops[0].Path)

	cancel()
}

func TestUnitOfWorkReleasesConnectionOnPanic(t *testing.T) {
	db, err := database.OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// OpenTest pins the pool to one connection, so a leaked transaction
	// would block every later BeginTx.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	handler := middleware.Recoverer(UnitOfWork(db, broker.NewPublisher(rdb))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("handler exploded")
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The sole pool connection must be back: a fresh transaction may not
	// block on the one the recovered request abandoned.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
}

func TestSearchSongsRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/songs/search", uuid.New(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
