package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wsbridge/internal/keystore"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

const (
	xmlContentType = "text/xml; charset=utf-8"

	echoRequest = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soap:Body><echo xmlns="urn:example">hello</echo></soap:Body></soap:Envelope>`
	echoResponse = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soap:Body><echoResponse xmlns="urn:example">hello</echoResponse></soap:Body></soap:Envelope>`
)

var testKey = policy.AttachmentKey{URI: "urn:example:echo", SOAPAction: `"echo"`}

func soapFault(code string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault>` +
		`<faultcode>` + code + `</faultcode><faultstring>rejected</faultstring>` +
		`</soap:Fault></soap:Body></soap:Envelope>`
}

func timestampedResponse(created, expires time.Time) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Header>` +
		`<wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" ` +
		`xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">` +
		`<wsu:Timestamp><wsu:Created>` + created.UTC().Format(time.RFC3339Nano) + `</wsu:Created>` +
		`<wsu:Expires>` + expires.UTC().Format(time.RFC3339Nano) + `</wsu:Expires></wsu:Timestamp>` +
		`</wsse:Security></soap:Header>` +
		`<soap:Body><echoResponse xmlns="urn:example">hello</echoResponse></soap:Body></soap:Envelope>`
}

var _ keystore.Manager = (*fakeKeys)(nil)

// fakeKeys is an in-memory keystore.Manager.
type fakeKeys struct {
	mu sync.Mutex

	pool       *x509.CertPool
	clientCert *x509.Certificate

	obtainErr error

	obtained  int
	installed int
	deleted   int
	corrupt   int
}

func (k *fakeKeys) ClientCertificate(*gateway.Gateway) (*x509.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clientCert, nil
}

func (k *fakeKeys) TLSCertificate(context.Context, *gateway.Gateway, *credentials.Credentials) (*tls.Certificate, error) {
	return nil, failure.New(failure.KindCredentialsRequired, "no private key")
}

func (k *fakeKeys) ServerCertPool(*gateway.Gateway) (*x509.CertPool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pool, nil
}

func (k *fakeKeys) InstallServerCertificate(context.Context, *gateway.Gateway, *credentials.Credentials) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.installed++
	return nil
}

func (k *fakeKeys) ObtainClientCertificate(context.Context, *gateway.Gateway, *credentials.Credentials) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.obtained++
	return k.obtainErr
}

func (k *fakeKeys) DeleteClientCertificate(*gateway.Gateway) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deleted++
	return nil
}

func (k *fakeKeys) HandleKeyStoreCorrupt(context.Context, *gateway.Gateway) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.corrupt++
	return nil
}

func (k *fakeKeys) counts() (obtained, installed, corrupt int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.obtained, k.installed, k.corrupt
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu         sync.Mutex
	attempts   int
	recoveries []Recovery
	outcomes   []Outcome
}

func (o *recordingObserver) Attempt(*gateway.Gateway) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *recordingObserver) Recovered(_ *gateway.Gateway, action Recovery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries = append(o.recoveries, action)
}

func (o *recordingObserver) Finished(_ *gateway.Gateway, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

// recordingInterceptor counts interceptor calls.
type recordingInterceptor struct {
	requests, replies atomic.Int32
	updated, failed   atomic.Int32
}

func (i *recordingInterceptor) OnBackEndRequest(*RequestContext) { i.requests.Add(1) }
func (i *recordingInterceptor) OnBackEndReply(*RequestContext)   { i.replies.Add(1) }
func (i *recordingInterceptor) OnPolicyUpdated(*gateway.Gateway, policy.AttachmentKey, *policy.Policy) {
	i.updated.Add(1)
}
func (i *recordingInterceptor) OnPolicyError(*gateway.Gateway, policy.AttachmentKey, error) {
	i.failed.Add(1)
}

// retryAssertion asks for another attempt after every response.
type retryAssertion struct{}

func (retryAssertion) Kind() string { return "retry" }

func (retryAssertion) DecorateRequest(context.Context, policy.Context) (policy.Status, error) {
	return policy.StatusNone, nil
}

func (retryAssertion) UndecorateReply(context.Context, policy.Context) (policy.Status, error) {
	return policy.StatusNone, failure.New(failure.KindPolicyRetryable, "try again")
}

type harness struct {
	p         *Processor
	gw        *gateway.Gateway
	keys      *fakeKeys
	creds     *credentials.StaticManager
	policies  *policy.Managers
	observer  *recordingObserver
	intercept *recordingInterceptor
	mux       *http.ServeMux
	hits      atomic.Int32
}

// newHarness starts a plain HTTP gateway serving handler at /ssg/soap.
func newHarness(t *testing.T, cfg Config, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{mux: http.NewServeMux()}
	h.mux.HandleFunc("/ssg/soap", func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		handler(w, r)
	})
	srv := httptest.NewServer(h.mux)
	t.Cleanup(srv.Close)
	h.init(t, cfg, &gateway.Gateway{ID: "gw", ServerURL: srv.URL + "/ssg/soap"}, nil)
	return h
}

// newTLSHarness is newHarness over TLS, with the server certificate
// already trusted.
func newTLSHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	h.init(t, DefaultConfig(), &gateway.Gateway{ID: "gw", ServerURL: srv.URL + "/ssg/soap"}, pool)
	return h
}

func (h *harness) init(t *testing.T, cfg Config, gw *gateway.Gateway, pool *x509.CertPool) {
	t.Helper()
	h.gw = gw
	h.keys = &fakeKeys{pool: pool}
	h.creds = credentials.NewStaticManager()
	h.creds.Set(gw.ID, &credentials.Credentials{Username: "alice", Password: "secret"})
	h.policies = policy.NewManagers(nil, nil)
	h.observer = &recordingObserver{}
	h.intercept = &recordingInterceptor{}

	p, err := NewProcessor(cfg, Dependencies{
		Policies:    h.policies,
		Credentials: h.creds,
		KeyStore:    h.keys,
		Interceptor: h.intercept,
		Observer:    h.observer,
	})
	require.NoError(t, err)
	h.p = p
}

func (h *harness) setPolicy(t *testing.T, root policy.Assertion, version string) *policy.Policy {
	t.Helper()
	pol := policy.New(root, version)
	require.NoError(t, h.policies.For(h.gw).SetPolicy(context.Background(), testKey, pol))
	return pol
}

func (h *harness) newRequest(t *testing.T) *RequestContext {
	t.Helper()
	req := message.New([]byte(echoRequest), xmlContentType)
	rc, err := h.p.NewRequestContext(h.gw, req, testKey, "http://client.example.com/echo")
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close(context.Background()) })
	return rc
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", xmlContentType)
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}
