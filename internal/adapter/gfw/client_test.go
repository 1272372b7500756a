package gfw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey        = "test-key"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

func testClient(baseURL string) *Client {
	return &Client{
		apiKey:     testAPIKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		metrics:    observability.NewMetricsForTesting(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

var (
	testBBox   = orb.Bound{Min: orb.Point{-60.1, -3.2}, Max: orb.Point{-60.0, -3.1}}
	testWindow = domain.TimeWindow{
		Start: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.January, 8, 0, 0, 0, 0, time.UTC),
	}
)

func TestAlertSource_Pull_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dataset/umd_glad_landsat_alerts/latest/query/json", r.URL.Path)
		assert.Equal(t, testAPIKey, r.Header.Get("x-api-key"))

		var body queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.SQL, "umd_glad_landsat_alerts__date >= '2025-01-01'")
		assert.Contains(t, body.SQL, "umd_glad_landsat_alerts__date < '2025-01-08'")
		require.NotNil(t, body.Geometry)
		assert.Equal(t, "Polygon", body.Geometry.Type)

		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"longitude":-60.05,"latitude":-3.15,"packed":33653},
			{"longitude":-60.06,"latitude":-3.16,"packed":23654}
		]}`))
	}))
	defer srv.Close()

	src := NewAlertSource(testClient(srv.URL), DefaultAlertDatasets()[0])
	alerts, err := src.Pull(context.Background(), testBBox, testWindow)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceGLAD, src.Name())
	require.Len(t, alerts, 2)
	assert.Equal(t, int64(33653), alerts[0].Packed)
	assert.InDelta(t, -60.05, alerts[0].Lon, 1e-9)
	assert.InDelta(t, 0.00025, alerts[0].ResolutionDeg, 1e-12)
}

func TestAlertSource_Pull_ServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewAlertSource(testClient(srv.URL), DefaultAlertDatasets()[1]).Pull(context.Background(), testBBox, testWindow)
		srv.Close()

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrProviderUnavailable), "status %d", status)
	}
}

func TestAlertSource_Pull_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"failed","message":"bad sql"}`))
	}))
	defer srv.Close()

	_, err := NewAlertSource(testClient(srv.URL), DefaultAlertDatasets()[2]).Pull(context.Background(), testBBox, testWindow)

	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrProviderUnavailable))
	assert.Contains(t, err.Error(), "bad sql")
}

func TestAlertSource_Pull_BadPackedValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"status":"success","data":[{"longitude":1,"latitude":2,"packed":1.5}]}`))
	}))
	defer srv.Close()

	_, err := NewAlertSource(testClient(srv.URL), DefaultAlertDatasets()[0]).Pull(context.Background(), testBBox, testWindow)
	assert.ErrorContains(t, err, "packed value")
}

func TestAlertSource_Pull_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAlertSource(testClient(srv.URL), DefaultAlertDatasets()[0]).Pull(ctx, testBBox, testWindow)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestLossSource_Areas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dataset/umd_tree_cover_loss/v1.12/query/json", r.URL.Path)
		var body queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set(headerContentType, contentTypeJSON)
		switch {
		case body.SQL == "SELECT SUM(area__ha) AS area__ha FROM data WHERE umd_tree_cover_density_2000__threshold >= 30":
			_, _ = w.Write([]byte(`{"status":"success","data":[{"area__ha":1500.5}]}`))
		default:
			assert.Contains(t, body.SQL, "umd_tree_cover_loss__year = 2023")
			_, _ = w.Write([]byte(`{"status":"success","data":[{"area__ha":null}]}`))
		}
	}))
	defer srv.Close()

	src := NewLossSource(testClient(srv.URL), DefaultLossDataset())
	region := domain.Region{ID: "r1", Geometry: testBBox.ToPolygon()}

	cover, err := src.CoverAreaM2(context.Background(), region, 30)
	require.NoError(t, err)
	assert.InDelta(t, 15_005_000, cover, 1e-6)

	loss, err := src.LossAreaM2(context.Background(), region, 23, 30)
	require.NoError(t, err)
	assert.Zero(t, loss)

	assert.Equal(t, "umd_tree_cover_loss/v1.12", src.DatasetVersion())
}

func TestLossSource_RequiresGeometry(t *testing.T) {
	src := NewLossSource(testClient("http://unused.invalid"), DefaultLossDataset())
	_, err := src.CoverAreaM2(context.Background(), domain.Region{ID: "r1"}, 30)
	assert.ErrorContains(t, err, "no boundary")
}
