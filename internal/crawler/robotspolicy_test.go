package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRobotsEnforcerFetchesOncePerRun(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\nCrawl-delay: 2\n")
	enforcer := NewRobotsEnforcer(true, "test-agent", zap.NewNop())
	ctx := context.Background()

	require.True(t, enforcer.Allowed(ctx, srv.URL+"/survey/?page=1"))
	require.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked"))
	delayer, ok := enforcer.(CrawlDelayer)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, delayer.CrawlDelay(ctx, srv.URL+"/survey/"))
	require.EqualValues(t, 1, hits.Load())
}

func TestRobotsEnforcerDisabledSkipsFetch(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	policy := NewRobotsEnforcer(false, "test-agent", zap.NewNop())
	require.True(t, policy.Allowed(context.Background(), srv.URL+"/survey/"))
	_, isDelayer := policy.(CrawlDelayer)
	require.False(t, isDelayer)
	require.Zero(t, hits.Load())
}

func TestRobotsEnforcerStatusHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "missing file allows", status: http.StatusNotFound, want: true},
		{name: "server error disallows", status: http.StatusServiceUnavailable, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := robotsServer(t, tt.status, "")
			enforcer := NewRobotsEnforcer(true, "test-agent", zap.NewNop())
			require.Equal(t, tt.want, enforcer.Allowed(context.Background(), srv.URL+"/survey/"))
		})
	}
}

func TestRobotsEnforcerUnreachableAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", zap.NewNop())
	require.True(t, enforcer.Allowed(context.Background(), base+"/survey/"))
	require.Zero(t, enforcer.(CrawlDelayer).CrawlDelay(context.Background(), base+"/survey/"))
}

func TestCheckRobots(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /survey\n")
	policy := NewRobotsEnforcer(true, "gradcafe-test", zap.NewNop())

	err := CheckRobots(context.Background(), policy, srv.URL+"/survey/?page=1")
	require.ErrorIs(t, err, ErrPolicyDenied)
	require.NoError(t, CheckRobots(context.Background(), policy, srv.URL+"/about"))
	require.NoError(t, CheckRobots(context.Background(), nil, srv.URL+"/survey/"))
}
