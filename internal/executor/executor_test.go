package executor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/executor"
)

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action  string          `json:"action"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body.Action {
		case "send_email":
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":"m-1"}}`))
		case "refund_payment":
			_, _ = w.Write([]byte(`{"success":false,"error":"card declined"}`))
		default:
			http.Error(w, "unknown tool", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ex := executor.NewHTTP(srv.URL, 2)
	ctx := context.Background()

	res, err := ex.Execute(ctx, "send_email", json.RawMessage(`{"to":["a@b.c"]}`))
	require.NoError(t, err)
	assert.NoError(t, res.Err())
	assert.JSONEq(t, `{"id":"m-1"}`, string(res.Data))

	res, err = ex.Execute(ctx, "refund_payment", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.EqualError(t, res.Err(), "card declined")

	_, err = ex.Execute(ctx, "nope", json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "status 400")
}

func TestUnconfigured(t *testing.T) {
	_, err := executor.Unconfigured{}.Execute(context.Background(), "x", nil)
	assert.ErrorIs(t, err, executor.ErrNotConfigured)
}
