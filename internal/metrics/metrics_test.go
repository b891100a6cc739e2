package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"hvcollector/logger"
	"hvcollector/models"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.ObserveAttempt(models.ProviderBinance, "ok", 10*time.Millisecond)
	r.ObserveAttempt(models.ProviderBinance, "throttled", 20*time.Millisecond)
	r.ObserveAttempt(models.ProviderBinance, "ok", 30*time.Millisecond)
	r.ObserveAsset("resolved", models.ProviderBinance, 365, time.Second)
	r.ObserveAsset("exhausted", "", 0, time.Second)

	if got := testutil.ToFloat64(r.attempts.WithLabelValues("binance", "ok")); got != 2 {
		t.Fatalf("ok attempts = %v", got)
	}
	if got := testutil.ToFloat64(r.assets.WithLabelValues("exhausted", "")); got != 1 {
		t.Fatalf("exhausted assets = %v", got)
	}
	if got := testutil.ToFloat64(r.records); got != 365 {
		t.Fatalf("records = %v", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.ObserveAsset("resolved", models.ProviderKraken, 1, time.Second)
	if got := testutil.ToFloat64(b.records); got != 0 {
		t.Fatalf("second recorder saw %v records", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	r := NewRecorder()
	r.ObserveAttempt(models.ProviderCoinGecko, "ok", time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `hvcollector_transport_attempts_total{outcome="ok",provider="coingecko"} 1`) {
		t.Fatalf("metrics output missing attempt counter:\n%s", body)
	}
}

func TestServerSwapsRecorder(t *testing.T) {
	var s Server
	srv := httptest.NewServer(&s)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("status before first run = %d", resp.StatusCode)
	}

	first, second := NewRecorder(), NewRecorder()
	first.ObserveAsset("resolved", models.ProviderBinance, 10, time.Second)
	s.Use(first)
	s.Use(second)

	resp, err = srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hvcollector_records_total 0") {
		t.Fatalf("server did not switch to the new recorder:\n%s", body)
	}
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestPublishRun(t *testing.T) {
	fake := &fakeCloudWatch{}
	cw := newCloudWatch(fake, "")
	err := cw.PublishRun(context.Background(), RunSummary{
		App:       "hvcollector",
		Totals:    logger.RunTotals{Resolved: 9, Exhausted: 1, Records: 3285, Elapsed: 90 * time.Second},
		Omissions: 1,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("calls = %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Namespace != "HVCollector" {
		t.Fatalf("namespace = %s", *in.Namespace)
	}
	values := map[string]float64{}
	for _, d := range in.MetricData {
		values[*d.MetricName] = *d.Value
	}
	if values["AssetsResolved"] != 9 || values["Records"] != 3285 || values["RunDuration"] != 90 {
		t.Fatalf("values = %v", values)
	}
}

func TestPublishRunError(t *testing.T) {
	fake := &fakeCloudWatch{err: errors.New("denied")}
	if err := newCloudWatch(fake, "ns").PublishRun(context.Background(), RunSummary{App: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}
