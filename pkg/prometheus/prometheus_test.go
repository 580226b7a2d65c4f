package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linkerd/multipass/testutil/prommatch"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func TestWithTelemetry(t *testing.T) {
	h := WithTelemetry("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/", "/", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	server := prommatch.Labels{"server": prommatch.Equals("test")}
	err := prommatch.Suite{}.
		MustContain("two 200s", prommatch.NewMatcher("http_requests_total",
			server, prommatch.Labels{"code": prommatch.Equals("200")}, prommatch.HasValue(2))).
		MustContain("one 404", prommatch.NewMatcher("http_requests_total",
			server, prommatch.Labels{"code": prommatch.Equals("404")}, prommatch.HasValue(1))).
		MustContain("three timed requests", prommatch.NewMatcher("http_request_duration_seconds_count",
			server, prommatch.HasValueLike(func(v float64) bool { return v >= 2 }))).
		MustContain("no requests in flight", prommatch.NewMatcher("http_requests_in_flight",
			server, prommatch.HasValue(0))).
		MustNotContain("other servers", prommatch.NewMatcher("http_requests_total",
			prommatch.Labels{"server": prommatch.Equals("other")})).
		Check(prometheus.DefaultGatherer)
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithTelemetryBehindH2C(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(WithTelemetry("h2c", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})), &http2.Server{}))
	defer srv.Close()

	rsp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	rsp.Body.Close()
	if rsp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, rsp.StatusCode)
	}

	err = prommatch.Suite{}.
		MustContain("one 202", prommatch.NewMatcher("http_requests_total",
			prommatch.Labels{"server": prommatch.Equals("h2c"), "code": prommatch.Equals("202")}, prommatch.HasValue(1))).
		Check(prometheus.DefaultGatherer)
	if err != nil {
		t.Fatal(err)
	}
}
