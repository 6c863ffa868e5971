package docindex_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/backend/docindex"
)

func TestPayload(t *testing.T) {
	got := docindex.Payload(backend.DocQuery{
		Filters:    []string{"{!tag=f0}(+Modality:\"CT\")"},
		Facets:     map[string]any{"Modality": map[string]any{"type": "terms", "field": "Modality"}},
		Fields:     []string{"PatientID"},
		Limit:      50,
		Offset:     10,
		CountsOnly: true,
		Collapse:   "StudyInstanceUID",
		Sort:       "PatientID asc",
	})
	want := map[string]any{
		"query":  "*:*",
		"limit":  0,
		"offset": 10,
		"filter": []string{"{!tag=f0}(+Modality:\"CT\")", "{!collapse field=StudyInstanceUID}"},
		"facet":  map[string]any{"Modality": map[string]any{"type": "terms", "field": "Modality"}},
		"fields": []string{"PatientID"},
		"sort":   "PatientID asc",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryRetriesAndDecodes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/solr/dicom_derived_series_v1/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "reader" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["query"] != "*:*" {
			t.Errorf("unexpected query %v", body["query"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"response": {"numFound": 2, "docs": [{"PatientID": "P1"}, {"PatientID": "P2"}]},
			"facets": {"count": 2, "Modality": {"buckets": [{"val": "CT", "count": 2}]}}
		}`))
	}))
	defer srv.Close()

	client := docindex.New(docindex.Config{BaseURL: srv.URL + "/solr/", Username: "reader", Password: "secret", RetryMax: 2})
	res, err := client.Query(context.Background(), backend.DocQuery{Collection: "dicom_derived_series_v1", Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if res.NumFound != 2 || len(res.Docs) != 2 || res.Docs[1]["PatientID"] != "P2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := res.Facets["Modality"]; !ok {
		t.Fatalf("expected raw facets to be passed through")
	}
}

func TestQueryReportsIndexErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"msg": "undefined field Modalty", "code": 400}}`))
	}))
	defer srv.Close()

	client := docindex.New(docindex.Config{BaseURL: srv.URL})
	if _, err := client.Query(context.Background(), backend.DocQuery{Collection: "c"}); err == nil {
		t.Fatalf("expected an error for a 400 response")
	}
}
