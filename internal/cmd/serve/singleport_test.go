package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinglePortServesPlainAndTLS(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, r.TLS != nil)
	})
	running, err := StartSinglePort("main", config.ListenerConfig{EnablePlainText: true, EnableTLS: true}, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = running.Close(context.Background()) })
	require.NotZero(t, running.Port)

	get := func(client *http.Client, url string) string {
		resp, err := client.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Equal(t, "false", get(http.DefaultClient, fmt.Sprintf("http://localhost:%d/", running.Port)))

	insecure := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	assert.Equal(t, "true", get(insecure, fmt.Sprintf("https://localhost:%d/", running.Port)))
}

func TestSinglePortRequiresAProtocol(t *testing.T) {
	_, err := StartSinglePort("management", config.ListenerConfig{}, http.NotFoundHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "management listener")
}

func TestCloseCancelsRequestsPastDeadline(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(cancelled)
	})
	running, err := StartSinglePort("main", config.ListenerConfig{EnablePlainText: true}, handler)
	require.NoError(t, err)

	go func() {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/migrations", running.Port))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, running.Close(ctx))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was not cancelled")
	}
}

func TestSelfSignedCertificate(t *testing.T) {
	now := time.Now()
	cert, err := selfSignedCertificate(now)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	assert.True(t, cert.Leaf.NotBefore.Before(now))
	assert.True(t, cert.Leaf.NotAfter.After(now.Add(364*24*time.Hour)))
	require.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}
