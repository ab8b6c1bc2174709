package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/":                               "/",
		"/healthz":                        "/healthz",
		"/api/campaigns":                  "/api/campaigns",
		"/api/campaigns/abc":              "/api/campaigns/{id}",
		"/api/campaigns/abc/donations":    "/api/campaigns/{id}/donations",
		"/api/transactions/abc/timeline/": "/api/transactions/{id}/timeline",
		"/api/stream":                     "/api/stream",
		"/api/unknown/abc":                "/api/unknown",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstrumentHandlerUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(InstrumentHandler)
	router.HandleFunc("/api/transactions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/transactions/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions/"+id, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/transactions/{id}", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests under one label, got %v", after-before)
	}
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(donationsSubmitted.WithLabelValues("rejected"))
	amountBefore := testutil.ToFloat64(donationAmount.WithLabelValues("GAS"))

	RecordDonation("rejected", "GAS", 10)
	RecordDonation("accepted", "GAS", 2.5)

	if got := testutil.ToFloat64(donationsSubmitted.WithLabelValues("rejected")) - before; got != 1 {
		t.Fatalf("rejected count delta = %v", got)
	}
	if got := testutil.ToFloat64(donationAmount.WithLabelValues("GAS")) - amountBefore; got != 2.5 {
		t.Fatalf("amount delta = %v", got)
	}

	RecordCompensation(false)
	if testutil.ToFloat64(compensations.WithLabelValues("failed")) < 1 {
		t.Fatalf("compensation failure not counted")
	}

	RecordSweep(7, true)
	if testutil.ToFloat64(sweepBatch) != 7 {
		t.Fatalf("sweep batch gauge not set")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	RecordDeployment(true)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "donation_ledger_campaigns_deployments_total") {
		t.Fatalf("deployment counter missing from exposition")
	}
}
