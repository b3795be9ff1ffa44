package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/apperr"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
)

type staticPresence []int64

func (p staticPresence) Snapshot() []int64 { return p }

func (p staticPresence) Count() int { return len(p) }

func setupMessageRouter(svc *mocks.MessageServiceMock, online staticPresence) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", int64(1))
		c.Next()
	})
	NewMessageHandler(svc, online).Register(r)
	return r
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetConversationSuccess(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("Conversation", mock.Anything, int64(1), int64(2), int64(0), 0).
		Return([]models.Message{{ID: 1, SenderID: 1, ReceiverID: 2, Text: "hi"}}, nil).Once()

	rec := do(router, httptest.NewRequest(http.MethodGet, "/conversation/2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	svc.AssertExpectations(t)
}

func TestGetConversationPaging(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("Conversation", mock.Anything, int64(1), int64(2), int64(50), maxPageSize).
		Return(([]models.Message)(nil), nil).Once()

	rec := do(router, httptest.NewRequest(http.MethodGet, "/conversation/2?before=50&limit=1000", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestGetConversationBadInput(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	for _, target := range []string{"/conversation/abc", "/conversation/0", "/conversation/2?before=x", "/conversation/2?limit=-1"} {
		rec := do(router, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	svc.AssertNotCalled(t, "Conversation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetConversationStoreUnavailable(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("Conversation", mock.Anything, int64(1), int64(2), int64(0), 0).
		Return(([]models.Message)(nil), fmt.Errorf("history: %w", apperr.ErrTransientStore)).Once()

	rec := do(router, httptest.NewRequest(http.MethodGet, "/conversation/2", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"failed to load messages"}`, rec.Body.String())
}

func TestGetUnseenFrom(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("UnseenFrom", mock.Anything, int64(1), int64(5)).Return(int64(3), nil).Once()

	rec := do(router, httptest.NewRequest(http.MethodGet, "/unseen-count/5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unseenCount":3}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestGetUnseenSummary(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("UnseenCount", mock.Anything, int64(1)).Return(int64(4), nil).Once()
	svc.On("UnseenBySender", mock.Anything, int64(1)).
		Return([]models.UnseenCount{{SenderID: 2, UnseenCount: 1}, {SenderID: 3, UnseenCount: 3}}, nil).Once()

	rec := do(router, httptest.NewRequest(http.MethodGet, "/unseen-count", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unseenCount":4,"bySender":[{"senderId":2,"unseenCount":1},{"senderId":3,"unseenCount":3}]}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestMarkSeen(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("MarkRead", mock.Anything, int64(1), int64(2)).Return(int64(2), nil).Once()

	rec := do(router, httptest.NewRequest(http.MethodPut, "/mark-seen/2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"messages marked as seen","updated":2}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestSendMessageJSON(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("Send", mock.Anything, models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hello"}).
		Return(models.Message{ID: 9, SenderID: 1, ReceiverID: 2, Text: "hello"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/send/2", bytes.NewBufferString(`{"text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, int64(9), msg.ID)
	svc.AssertExpectations(t)
}

func TestSendMessageMultipart(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	svc.On("Send", mock.Anything, models.NewMessage{SenderID: 1, ReceiverID: 2, Image: "https://cdn.example/a.png"}).
		Return(models.Message{ID: 10}, nil).Once()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("image", "https://cdn.example/a.png"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/send/2", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := do(router, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	svc.AssertExpectations(t)
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: message body is empty", apperr.ErrValidation), http.StatusBadRequest},
		{"unknown receiver", fmt.Errorf("user 2: %w", apperr.ErrNotFound), http.StatusNotFound},
		{"store", fmt.Errorf("create: %w", apperr.ErrTransientStore), http.StatusServiceUnavailable},
		{"directory", fmt.Errorf("lookup: %w", apperr.ErrUpstream), http.StatusBadGateway},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(mocks.MessageServiceMock)
			router := setupMessageRouter(svc, nil)
			svc.On("Send", mock.Anything, mock.Anything).Return(models.Message{}, tc.err).Once()

			req := httptest.NewRequest(http.MethodPost, "/send/2", bytes.NewBufferString(`{"text":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := do(router, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
		})
	}
}

func TestSendMessageMalformedBody(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/send/2", bytes.NewBufferString(`{"text":`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestOnlineUsers(t *testing.T) {
	router := setupMessageRouter(new(mocks.MessageServiceMock), staticPresence{1, 4})

	rec := do(router, httptest.NewRequest(http.MethodGet, "/online-users", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"onlineUsers":[1,4]}`, rec.Body.String())
}

type fakeRevoker struct {
	token string
	ttl   time.Duration
	err   error
}

func (f *fakeRevoker) Revoke(_ context.Context, token string, ttl time.Duration) error {
	f.token, f.ttl = token, ttl
	return f.err
}

func TestLogoutRevokesToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rev := &fakeRevoker{}
	r := gin.New()
	r.POST("/logout", func(c *gin.Context) {
		c.Set("accessToken", "tok-1")
		c.Next()
	}, NewSessionHandler(rev, time.Hour).Logout)

	rec := do(r, httptest.NewRequest(http.MethodPost, "/logout", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-1", rev.token)
	assert.Equal(t, time.Hour, rev.ttl)
}

func TestLogoutRevocationFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/logout", func(c *gin.Context) {
		c.Set("accessToken", "tok-1")
		c.Next()
	}, NewSessionHandler(&fakeRevoker{err: assert.AnError}, time.Hour).Logout)

	rec := do(r, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	off := gin.New()
	RegisterDebugRoutes(off, staticPresence{1}, nil, false)
	assert.Equal(t, http.StatusNotFound, do(off, httptest.NewRequest(http.MethodGet, "/debug/presence", nil)).Code)

	on := gin.New()
	RegisterDebugRoutes(on, staticPresence{1, 2}, nil, true)
	rec := do(on, httptest.NewRequest(http.MethodGet, "/debug/presence", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"online":[1,2],"users":2}`, rec.Body.String())
}
