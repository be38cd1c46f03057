package policy

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wsbridge/pkg/compression"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

func policyServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *gateway.Gateway) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &gateway.Gateway{ID: "gw", ServerURL: srv.URL + "/ssg/soap"}
}

func TestDownloader_Download(t *testing.T) {
	var gotQuery, gotPath string
	_, gw := policyServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.Query().Get("serviceoid")
		if _, _, ok := r.BasicAuth(); ok {
			t.Error("credentials must not be sent over plain HTTP")
		}
		w.Write([]byte("version: \"9\"\npolicy:\n  all:\n    - wssTimestamp\n"))
	})

	d := NewDownloader(transport.NewHTTPSClient(nil), "", nil)
	p, err := d.Download(context.Background(), gw, DownloadRequest{
		ServiceID:   "1234",
		Credentials: &credentials.Credentials{Username: "alice", Password: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultDiscoveryPath, gotPath)
	assert.Equal(t, "1234", gotQuery)
	assert.Equal(t, "9", p.Version())
	assert.True(t, p.Valid())
}

func TestDownloader_GzipReply(t *testing.T) {
	_, gw := policyServer(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte("policy: compression\n"))
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	})

	p, err := NewDownloader(transport.NewHTTPSClient(nil), "", nil).
		Download(context.Background(), gw, DownloadRequest{ServiceID: "1"})
	require.NoError(t, err)
	assert.IsType(t, &Compression{}, p.Root())
}

func TestDownloader_OversizedReply(t *testing.T) {
	_, gw := policyServer(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte("policy: compression\n# "))
		zw.Write(bytes.Repeat([]byte{'x'}, MaxPolicySize))
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	})

	_, err := NewDownloader(transport.NewHTTPSClient(nil), "", nil).
		Download(context.Background(), gw, DownloadRequest{ServiceID: "1"})
	require.Error(t, err)
	assert.Equal(t, failure.KindIO, failure.KindOf(err))
	assert.ErrorIs(t, err, compression.ErrBodyTooLarge)
}

func TestDownloader_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    failure.Kind
	}{
		{
			name: "certificate invalid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(gateway.HeaderCertStatus, "Invalid")
				w.Write([]byte("policy: ssl\n"))
			},
			want: failure.KindClientCertRevoked,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			want: failure.KindBadCredentials,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: failure.KindIO,
		},
		{
			name: "not a policy",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html/>"))
			},
			want: failure.KindInvalidDocument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, gw := policyServer(t, tt.handler)
			_, err := NewDownloader(transport.NewHTTPSClient(nil), "", nil).
				Download(context.Background(), gw, DownloadRequest{ServiceID: "1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err), err.Error())
		})
	}
}

func TestDownloader_NoServiceID(t *testing.T) {
	_, err := NewDownloader(transport.NewHTTPSClient(nil), "", nil).
		Download(context.Background(), &gateway.Gateway{ServerURL: "http://gw/"}, DownloadRequest{})
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestDownloader_SecureURL(t *testing.T) {
	d := NewDownloader(nil, "/policy", nil)
	gw := &gateway.Gateway{ServerURL: "http://gw.example.com:8080/ssg/soap", SSLPort: 9443}

	u, err := d.url(gw, DownloadRequest{ServiceID: "a b", Secure: true})
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com:9443/policy?serviceoid=a+b", u.String())

	u, err = d.url(gw, DownloadRequest{ServiceID: "7", Path: "/other"})
	require.NoError(t, err)
	assert.Equal(t, "http://gw.example.com:8080/other?serviceoid=7", u.String())
}

func TestDownloader_ClockOffset(t *testing.T) {
	d := NewDownloader(nil, "", nil)
	gw := &gateway.Gateway{ServerURL: "http://gw/"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d.noteClockOffset(gw, now.Add(3*time.Second).Format(http.TimeFormat), now, now, d.logger)
	assert.Zero(t, gw.ClockOffset(), "small differences are ignored")

	d.noteClockOffset(gw, now.Add(5*time.Minute).Format(http.TimeFormat), now, now, d.logger)
	assert.Equal(t, 5*time.Minute, gw.ClockOffset())

	d.noteClockOffset(gw, "garbage", now, now, d.logger)
	assert.Equal(t, 5*time.Minute, gw.ClockOffset())
}
