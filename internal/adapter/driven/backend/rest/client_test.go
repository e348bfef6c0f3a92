package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stub(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second).WithHTTPClient(srv.Client())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
		code   string
	}{
		{"validation", http.StatusBadRequest, `{"error":{"kind":"VALIDATION","code":"MISSING_QUERY_ID","message":"x"}}`, domain.KindValidation, "MISSING_QUERY_ID"},
		{"validation without body", http.StatusUnprocessableEntity, ``, domain.KindValidation, "BAD_REQUEST"},
		{"not found", http.StatusNotFound, `{}`, domain.KindConflict, domain.ErrNotFound.Code},
		{"conflict", http.StatusConflict, `{"error":{"code":"ROOM_EXISTS","message":"taken"}}`, domain.KindConflict, "ROOM_EXISTS"},
		{"server error", http.StatusBadGateway, `oops`, domain.KindTransientBackend, "BACKEND_create_room"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := stub(t, tc.status, tc.body)
			_, err := c.CreateRoom(context.Background(), domain.RoomSpec{ParticipantID: 1, Mode: domain.ModeAudio})
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
			var e *domain.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tc.code, e.Code)
		})
	}
}

func TestUpdateConflictCarriesStoredRequest(t *testing.T) {
	c := stub(t, http.StatusConflict, `{"error":{"kind":"CONFLICT","code":"REQUEST_NOT_PENDING","message":"done"},"request":{"id":"7c7f3a52-2a8e-4d2b-9d7e-4a0a7b0b9d11","queryId":42,"status":"DECLINED"}}`)

	update, err := c.UpdateCallRequest(context.Background(), domain.NewRequestID(), domain.RequestAccepted)
	assert.ErrorIs(t, err, domain.ErrRequestNotPending)
	assert.Equal(t, domain.RequestDeclined, update.Request.Status)
	assert.Equal(t, "7c7f3a52-2a8e-4d2b-9d7e-4a0a7b0b9d11", update.Request.ID.String())
	assert.Nil(t, update.Room)
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	err := New(base, time.Second).SetCommunicationMode(context.Background(), 42, domain.CommunicationVideo)
	assert.True(t, domain.IsKind(err, domain.KindTransientBackend))
}

func TestDeleteRoomNeedsName(t *testing.T) {
	err := New("http://unused", 0).DeleteRoom(context.Background(), "")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestRequestShape(t *testing.T) {
	var gotMethod, gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.RequestURI(), r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	require.NoError(t, c.SetCommunicationMode(context.Background(), 42, domain.CommunicationAudio))
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/query/42", gotPath)
	assert.Equal(t, "application/json", gotType)

	require.NoError(t, c.DeleteRoom(context.Background(), "a b"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/room/a%20b", gotPath)
}
