package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/rnr-capital/newsfeed-alerts/channel"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/invitation"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/server/middlewares"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

type fakeRunner struct {
	jobs []panoptic.JobName
}

func (r *fakeRunner) Run(ctx context.Context, job panoptic.JobName, now time.Time) (*panoptic.RunReport, error) {
	r.jobs = append(r.jobs, job)
	return &panoptic.RunReport{Job: job, AlertsFired: 2}, nil
}

type linkSender struct {
	links []string
}

func (s *linkSender) SendVerification(ctx context.Context, ch *model.Channel, link string) error {
	s.links = append(s.links, link)
	return nil
}

func (s *linkSender) lastToken() string {
	link := s.links[len(s.links)-1]
	return link[strings.LastIndex(link, "=")+1:]
}

type serverFixture struct {
	store  *store.Store
	runner *fakeRunner
	sender *linkSender
	server *Server
	alert  *model.Alert
}

func newServerFixture(t *testing.T) *serverFixture {
	gin.SetMode(gin.TestMode)
	db, _ := utils.CreateTempDB(t)
	s := store.New(db)
	alert := &model.Alert{OwnerID: "owner", Name: "batteries", Visibility: model.VisibilityPublic}
	require.NoError(t, s.CreateAlert(context.Background(), alert))

	runner := &fakeRunner{}
	sender := &linkSender{}
	verifier := channel.NewVerifier(s, map[model.ChannelType]channel.Sender{model.ChannelTypeEmail: sender}, time.Hour, "https://alerts.test/verify?token=%s")
	srv := New(config.ServerConfig{JobToken: "secret"}, Deps{
		Store:       s,
		Runner:      runner,
		Invitations: invitation.NewService(s, 24*time.Hour),
		Verifier:    verifier,
	})
	return &serverFixture{store: s, runner: runner, sender: sender, server: srv, alert: alert}
}

func (f *serverFixture) do(method, path, user string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middlewares.UserIdHeader, user)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *serverFixture) channelOf(t *testing.T, owner string, verified bool) *model.Channel {
	ch := &model.Channel{OwnerID: owner, Type: model.ChannelTypeEmail, Verified: verified, Config: datatypes.JSON(`{"address":"` + owner + `@example.com"}`)}
	require.NoError(t, f.store.SaveChannel(context.Background(), ch))
	return ch
}

func TestJobRoutes(t *testing.T) {
	f := newServerFixture(t)

	t.Run("Test job runs with the right token", func(t *testing.T) {
		w := f.do(http.MethodPost, "/jobs/deliver", "", nil, map[string]string{"Authorization": "Bearer secret"})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, []panoptic.JobName{panoptic.JobDeliver}, f.runner.jobs)

		report := panoptic.RunReport{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		require.Equal(t, 2, report.AlertsFired)
	})

	t.Run("Test wrong token is rejected", func(t *testing.T) {
		w := f.do(http.MethodPost, "/jobs/deliver", "", nil, map[string]string{"Authorization": "Bearer nope"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Len(t, f.runner.jobs, 1)
	})

	t.Run("Test unknown job", func(t *testing.T) {
		w := f.do(http.MethodPost, "/jobs/reindex", "", nil, map[string]string{"Authorization": "Bearer secret"})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test health", func(t *testing.T) {
		w := f.do(http.MethodGet, "/healthz", "", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Test unknown route", func(t *testing.T) {
		w := f.do(http.MethodGet, "/nothing", "", nil, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestJobRoutesDisabledWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	runner := &fakeRunner{}
	srv := New(config.ServerConfig{}, Deps{Runner: runner})

	req := httptest.NewRequest(http.MethodPost, "/jobs/ingest", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, runner.jobs)
}

func TestInvitationRoutes(t *testing.T) {
	t.Run("Test owner invites and friend accepts", func(t *testing.T) {
		f := newServerFixture(t)
		w := f.do(http.MethodPost, "/invitations", "owner", gin.H{"alertId": f.alert.Id, "email": "friend@example.com"}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		created := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		token := created["token"].(string)
		require.NotEmpty(t, token)

		ch := f.channelOf(t, "friend", true)
		w = f.do(http.MethodPost, "/invitations/"+token+"/accept", "friend", gin.H{"channelId": ch.Id}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(http.MethodPost, "/invitations/"+token+"/accept", "friend", gin.H{"channelId": ch.Id}, nil)
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Test only the owner invites", func(t *testing.T) {
		f := newServerFixture(t)
		w := f.do(http.MethodPost, "/invitations", "stranger", gin.H{"alertId": f.alert.Id}, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Test missing user", func(t *testing.T) {
		f := newServerFixture(t)
		w := f.do(http.MethodPost, "/invitations", "", gin.H{"alertId": f.alert.Id}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Test expired invitation is gone", func(t *testing.T) {
		f := newServerFixture(t)
		w := f.do(http.MethodPost, "/invitations", "owner", gin.H{"alertId": f.alert.Id}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		created := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

		f.server.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		ch := f.channelOf(t, "friend", true)
		w = f.do(http.MethodPost, "/invitations/"+created["token"].(string)+"/accept", "friend", gin.H{"channelId": ch.Id}, nil)
		require.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("Test channel of someone else", func(t *testing.T) {
		f := newServerFixture(t)
		w := f.do(http.MethodPost, "/invitations", "owner", gin.H{"alertId": f.alert.Id}, nil)
		created := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

		ch := f.channelOf(t, "other", true)
		w = f.do(http.MethodPost, "/invitations/"+created["token"].(string)+"/accept", "friend", gin.H{"channelId": ch.Id}, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Test unknown token", func(t *testing.T) {
		f := newServerFixture(t)
		ch := f.channelOf(t, "friend", true)
		w := f.do(http.MethodPost, "/invitations/missing/accept", "friend", gin.H{"channelId": ch.Id}, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestVerificationRoutes(t *testing.T) {
	t.Run("Test resend then confirm", func(t *testing.T) {
		f := newServerFixture(t)
		ch := f.channelOf(t, "friend", false)

		w := f.do(http.MethodPost, "/channels/"+ch.Id+"/verification", "friend", nil, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, f.sender.links, 1)

		w = f.do(http.MethodPost, "/channels/"+ch.Id+"/verify", "", gin.H{"token": "wrong"}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(http.MethodPost, "/channels/"+ch.Id+"/verify", "", gin.H{"token": f.sender.lastToken()}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		stored, err := f.store.GetChannel(context.Background(), ch.Id)
		require.NoError(t, err)
		require.True(t, stored.Verified)

		w = f.do(http.MethodPost, "/channels/"+ch.Id+"/verification", "friend", nil, nil)
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Test resend hides other users channels", func(t *testing.T) {
		f := newServerFixture(t)
		ch := f.channelOf(t, "friend", false)
		w := f.do(http.MethodPost, "/channels/"+ch.Id+"/verification", "stranger", nil, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		require.Empty(t, f.sender.links)
	})
}

func TestLifecycle(t *testing.T) {
	newServer := func() *Server {
		gin.SetMode(gin.TestMode)
		return New(config.ServerConfig{Addr: "127.0.0.1:0"}, Deps{})
	}

	t.Run("Test shutdown before run", func(t *testing.T) {
		srv := newServer()
		srv.Shutdown()
		require.NoError(t, srv.RunModule(context.Background()))
	})

	t.Run("Test shutdown while starting", func(t *testing.T) {
		srv := newServer()
		done := make(chan error, 1)
		go func() {
			done <- srv.RunModule(context.Background())
		}()
		srv.Shutdown()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	})
}
