package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

func TestLocalServiceComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req localChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-oss:20b", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(localChatResponse{
			Message: localChatMessage{Role: "assistant", Content: `{"labs": []}`},
		})
	}))
	defer server.Close()

	svc := NewLocalService(server.URL, "gpt-oss:20b")
	resp, err := svc.Complete(context.Background(), Request{
		System: "You are a clinical lab extraction specialist.",
		Prompt: "CLINICAL NOTE: Na 140",
	})

	require.NoError(t, err)
	assert.Equal(t, `{"labs": []}`, resp.Completion)
}

func TestLocalServiceRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	svc := NewLocalService(server.URL, "m")
	_, err := svc.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.CodeOf(err))
}

func TestLocalServiceServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewLocalService(server.URL, "m")
	_, err := svc.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errs.InferenceFailed, errs.CodeOf(err))
	assert.True(t, errs.IsTransient(err))
}

func TestLocalServiceMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	svc := NewLocalService(server.URL, "m")
	_, err := svc.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidResponse, errs.CodeOf(err))
}

func TestLocalServiceUnreachable(t *testing.T) {
	svc := NewLocalService("http://127.0.0.1:1", "m")
	_, err := svc.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}
