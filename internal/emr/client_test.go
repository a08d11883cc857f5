package emr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/interop"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/platform/cache"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/fieldcrypt"
	"carelink.io/carelink/internal/platform/metrics"
)

func init() {
	_ = logger.Init("error", "json")
}

type emrFixture struct {
	client      *Client
	breakers    *circuit.Registry
	tokenCalls  atomic.Int64
	createCalls atomic.Int64
	fetchCalls  atomic.Int64
	createCode  atomic.Int64
	server      *httptest.Server
}

func newEMRFixture(t *testing.T) *emrFixture {
	t.Helper()
	f := &emrFixture{breakers: circuit.NewRegistry(5, time.Minute)}
	f.createCode.Store(http.StatusCreated)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/fhir/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodPost:
			f.createCalls.Add(1)
			assert.Equal(t, contentType, r.Header.Get("Content-Type"))
			code := int(f.createCode.Load())
			w.WriteHeader(code)
			if code == http.StatusCreated {
				_ = json.NewEncoder(w).Encode(map[string]string{"id": "emr-77"})
			}
		case http.MethodGet:
			f.fetchCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Bundle", "total": 1})
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	codec, err := fieldcrypt.NewCodec([]byte("0123456789abcdef0123456789abcdef"), []string{"k1"}, "k1")
	require.NoError(t, err)

	f.client = NewClient(config.EMRConfig{
		BaseURL:        f.server.URL + "/fhir",
		TokenURL:       f.server.URL + "/oauth/token",
		ClientID:       "carelink",
		ClientSecret:   "secret",
		RequestTimeout: time.Second,
		ReadCacheTTL:   time.Hour,
	}, interop.NewConverter(codec), f.breakers, cache.NewMemoryCache(), metrics.NewNop())
	return f
}

func validResource(t *testing.T) json.RawMessage {
	t.Helper()
	codec, err := fieldcrypt.NewCodec([]byte("0123456789abcdef0123456789abcdef"), []string{"k1"}, "k1")
	require.NoError(t, err)
	raw, err := interop.NewConverter(codec).Convert(domain.HealthRecord{
		ID:           "rec-1",
		EnrollmentID: "enr-1",
		BirthDate:    "1990-04-02",
		FamilyName:   "Jensen",
		GivenName:    "Maria",
	}, interop.KindPatient)
	require.NoError(t, err)
	return raw
}

func TestSendSuccess(t *testing.T) {
	f := newEMRFixture(t)
	id, err := f.client.Send(context.Background(), validResource(t), interop.KindPatient)
	require.NoError(t, err)
	assert.Equal(t, "emr-77", id)
	assert.Equal(t, int64(0), f.breakers.For("emr").Failures())

	// Token is cached across calls.
	_, err = f.client.Send(context.Background(), validResource(t), interop.KindPatient)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.tokenCalls.Load())
}

func TestSendRefusesUnvalidatedResource(t *testing.T) {
	f := newEMRFixture(t)
	_, err := f.client.Send(context.Background(), json.RawMessage(`{"resourceType":"Patient"}`), interop.KindPatient)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Equal(t, int64(0), f.createCalls.Load())
}

func TestSendServerErrorsCountAgainstBreaker(t *testing.T) {
	f := newEMRFixture(t)
	f.createCode.Store(http.StatusInternalServerError)

	for i := 0; i < 3; i++ {
		_, err := f.client.Send(context.Background(), validResource(t), interop.KindPatient)
		require.Error(t, err)
		assert.True(t, errors.IsRetryable(err))
	}

	// Three failures against threshold five: counted, still closed.
	breaker := f.breakers.For("emr")
	assert.Equal(t, int64(3), breaker.Failures())
	assert.Equal(t, circuit.StateClosed, breaker.State())
}

func TestSendRejectionIsTerminal(t *testing.T) {
	f := newEMRFixture(t)
	f.createCode.Store(http.StatusUnprocessableEntity)

	_, err := f.client.Send(context.Background(), validResource(t), interop.KindPatient)
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	appErr, ok := errors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeEMRRejected, appErr.Code)
	// A rejection still counts toward breaker state.
	assert.Equal(t, int64(1), f.breakers.For("emr").Failures())
}

func TestSendFastFailsWhenCircuitOpen(t *testing.T) {
	f := newEMRFixture(t)
	breaker := f.breakers.For("emr")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, circuit.StateOpen, breaker.State())

	_, err := f.client.Send(context.Background(), validResource(t), interop.KindPatient)
	require.Error(t, err)
	assert.Equal(t, errors.KindCircuitOpen, errors.KindOf(err))
	assert.Equal(t, int64(0), f.createCalls.Load())
}

func TestFetchUsesReadCache(t *testing.T) {
	f := newEMRFixture(t)
	ctx := context.Background()

	first, err := f.client.Fetch(ctx, interop.KindPatient, "enrollment=enr-1")
	require.NoError(t, err)
	second, err := f.client.Fetch(ctx, interop.KindPatient, "enrollment=enr-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int64(1), f.fetchCalls.Load())

	// Different query fingerprint misses the cache.
	_, err = f.client.Fetch(ctx, interop.KindPatient, "enrollment=enr-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.fetchCalls.Load())
}
