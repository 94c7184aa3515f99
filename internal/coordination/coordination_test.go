package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
)

func TestRegistryRoutesByAgent(t *testing.T) {
	reg := NewRegistry()
	reg.Register(AgentSupportDesk, CollaboratorFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{Accepted: true, Reference: "ticket-" + req.AccountID}, nil
	}))

	resp, err := reg.Coordinate(context.Background(), AgentSupportDesk, Request{Action: "open_ticket", AccountID: "ops"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "ticket-ops", resp.Reference)
	assert.Equal(t, AgentSupportDesk, resp.AgentID)
	assert.Equal(t, []string{AgentSupportDesk}, reg.Agents())

	_, err = reg.Coordinate(context.Background(), "nobody", Request{Action: "x"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	_, err = reg.Coordinate(context.Background(), AgentSupportDesk, Request{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestRegistryTimeout(t *testing.T) {
	reg := NewRegistry(WithTimeout(10 * time.Millisecond))
	reg.Register("slow", CollaboratorFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}))
	_, err := reg.Coordinate(context.Background(), "slow", Request{Action: "notify"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", CollaboratorFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("boom")
	}))
	_, ok := BestEffort(context.Background(), reg, "broken", Request{Action: "notify"})
	assert.False(t, ok)
	_, ok = BestEffort(context.Background(), nil, "broken", Request{Action: "notify"})
	assert.False(t, ok)
}

func TestHTTPCollaborator(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Response{Accepted: true, Reference: "n-1"})
	}))
	defer srv.Close()

	c, err := NewHTTPCollaborator(srv.URL, "secret", time.Second)
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register(AgentCustomerNotifier, c)

	resp, err := reg.Coordinate(context.Background(), AgentCustomerNotifier, Request{Action: "notify", RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "n-1", resp.Reference)
	assert.Equal(t, "r1", got.RequestID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer failing.Close()
	c2, err := NewHTTPCollaborator(failing.URL, "", 0)
	require.NoError(t, err)
	_, err = c2.Handle(context.Background(), Request{Action: "notify"})
	assert.Error(t, err)
}
