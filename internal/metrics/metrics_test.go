package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(actionsTotal.WithLabelValues("APPROVE", "ok"))
	IncAction("APPROVE", "ok")
	IncAction("APPROVE", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(actionsTotal.WithLabelValues("APPROVE", "ok")))

	before = testutil.ToFloat64(resolverFallbacksTotal)
	IncResolverFallback()
	assert.Equal(t, before+1, testutil.ToFloat64(resolverFallbacksTotal))
}

func TestHandlerExposesCounters(t *testing.T) {
	IncFinalization("APPROVED")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "expense_approvals_finalizations_total"))
}
