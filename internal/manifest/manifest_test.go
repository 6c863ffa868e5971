package manifest_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog/catalogtest"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/jobqueue"
	"github.com/rpattn/imgexplorer/internal/manifest"
	"github.com/rpattn/imgexplorer/internal/records"
)

type fakeIndex struct {
	mu      sync.Mutex
	queries []backend.DocQuery
	docs    []domain.Record
}

func (f *fakeIndex) Query(_ context.Context, q backend.DocQuery) (backend.DocResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	res := backend.DocResult{NumFound: int64(len(f.docs))}
	if q.CountsOnly {
		return res, nil
	}
	start, end := q.Offset, q.Offset+q.Limit
	if start > len(f.docs) {
		start = len(f.docs)
	}
	if end > len(f.docs) || q.Limit == 0 {
		end = len(f.docs)
	}
	res.Docs = f.docs[start:end]
	return res, nil
}

type fakeWarehouse struct {
	mu      sync.Mutex
	sqls    []string
	respond func(sql string) []domain.Record
}

func (w *fakeWarehouse) Query(_ context.Context, sql string, _ []any) (backend.RowIterator, error) {
	w.mu.Lock()
	w.sqls = append(w.sqls, sql)
	w.mu.Unlock()
	return backend.NewSliceIterator(w.respond(sql)), nil
}
func (w *fakeWarehouse) Submit(context.Context, string, []any) (backend.JobID, error) {
	return "", errors.New("not supported")
}
func (w *fakeWarehouse) Done(context.Context, backend.JobID) (bool, error) { return false, nil }
func (w *fakeWarehouse) Results(context.Context, backend.JobID) ([]domain.Record, error) {
	return nil, nil
}
func (w *fakeWarehouse) Cancel(backend.JobID) {}

func seriesDocs() []domain.Record {
	return []domain.Record{
		{"SeriesInstanceUID": "s1", "Modality": "CT", "series_aws_url": "s3://idc-open-data/u1/*"},
		{"SeriesInstanceUID": "s2", "Modality": "MR", "series_aws_url": "s3://idc-open-data/u2/*"},
		{"SeriesInstanceUID": "s3", "series_aws_url": ""},
	}
}

func TestBuildStreamsCSVWithHeader(t *testing.T) {
	index := &fakeIndex{docs: seriesDocs()}
	fetcher := records.New(catalogtest.MustNew(), index, nil, records.Options{StreamPageSize: 2})
	svc := manifest.NewService(fetcher)

	res, err := svc.Build(context.Background(), manifest.Request{
		Fields:   []string{"SeriesInstanceUID", "Modality"},
		FileType: domain.ManifestFileTypeCSV,
		FileName: "Cohort 7",
		Header:   manifest.Header{Title: "cohort 7", TotalRecords: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Manifest == nil || res.Future != nil {
		t.Fatalf("expected a streaming manifest, got %+v", res)
	}
	if !strings.HasPrefix(res.Manifest.FileName, "cohort-7-") || !strings.HasSuffix(res.Manifest.FileName, ".csv") {
		t.Fatalf("unexpected file name %q", res.Manifest.FileName)
	}

	var buf bytes.Buffer
	rows, err := res.Manifest.Write(context.Background(), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 3 {
		t.Fatalf("expected 3 rows, got %d", rows)
	}
	want := "Manifest for cohort 7\nTotal records found: 3\nSeriesInstanceUID,Modality\ns1,CT\ns2,MR\ns3,\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
	if _, err := res.Manifest.Write(context.Background(), io.Discard); err == nil {
		t.Fatalf("a manifest can only be streamed once")
	}
}

func TestFormats(t *testing.T) {
	cases := []struct {
		fileType domain.ManifestFileType
		want     string
	}{
		{domain.ManifestFileTypeTSV, "SeriesInstanceUID\tseries_aws_url\ns1\ts3://idc-open-data/u1/*\ns2\ts3://idc-open-data/u2/*\ns3\t\n"},
		{domain.ManifestFileTypeS5cmd, "cp s3://idc-open-data/u1/* .\ncp s3://idc-open-data/u2/* .\n"},
		{domain.ManifestFileTypeJSON, `{"SeriesInstanceUID":"s1","series_aws_url":"s3://idc-open-data/u1/*"}` + "\n" +
			`{"SeriesInstanceUID":"s2","series_aws_url":"s3://idc-open-data/u2/*"}` + "\n" +
			`{"SeriesInstanceUID":"s3","series_aws_url":""}` + "\n"},
	}
	for _, tc := range cases {
		t.Run(string(tc.fileType), func(t *testing.T) {
			fetcher := records.New(catalogtest.MustNew(), &fakeIndex{docs: seriesDocs()}, nil, records.Options{})
			svc := manifest.NewService(fetcher)
			res, err := svc.Build(context.Background(), manifest.Request{
				Fields:   []string{"SeriesInstanceUID", "series_aws_url"},
				FileType: tc.fileType,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var buf bytes.Buffer
			if _, err := res.Manifest.Write(context.Background(), &buf); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, buf.String()); diff != "" {
				t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestXLSXManifest(t *testing.T) {
	fetcher := records.New(catalogtest.MustNew(), &fakeIndex{docs: seriesDocs()}, nil, records.Options{})
	svc := manifest.NewService(fetcher)
	res, err := svc.Build(context.Background(), manifest.Request{
		Fields:   []string{"SeriesInstanceUID", "Modality"},
		FileType: domain.ManifestFileTypeXLSX,
		Header:   manifest.Header{Title: "cohort 7"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var buf bytes.Buffer
	if _, err := res.Manifest.Write(context.Background(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	want := [][]string{
		{"Manifest for cohort 7"},
		{"SeriesInstanceUID", "Modality"},
		{"s1", "CT"},
		{"s2", "MR"},
		{"s3"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("sheet mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsBadRequests(t *testing.T) {
	svc := manifest.NewService(records.New(catalogtest.MustNew(), &fakeIndex{}, nil, records.Options{}))
	cases := map[string]manifest.Request{
		"unknown type":      {Fields: []string{"SeriesInstanceUID"}, FileType: "parquet"},
		"s5cmd without url": {Fields: []string{"SeriesInstanceUID"}, FileType: domain.ManifestFileTypeS5cmd},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Build(context.Background(), req); !errors.Is(err, domain.ErrUnsupportedFileType) {
				t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
			}
		})
	}
	if _, err := svc.Build(context.Background(), manifest.Request{FileType: domain.ManifestFileTypeCSV}); !errors.Is(err, domain.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter without fields, got %v", err)
	}
}

func TestBuildReportsNoRecords(t *testing.T) {
	svc := manifest.NewService(records.New(catalogtest.MustNew(), &fakeIndex{}, nil, records.Options{}))
	res, err := svc.Build(context.Background(), manifest.Request{
		Fields:   []string{"SeriesInstanceUID"},
		FileType: domain.ManifestFileTypeCSV,
	})
	if err != nil {
		t.Fatalf("an empty manifest is not an error, got %v", err)
	}
	if res.Notice != "no records matched" || res.Manifest != nil || res.Future != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBuildOffloadsLargeManifest(t *testing.T) {
	wh := &fakeWarehouse{respond: func(sql string) []domain.Record {
		if strings.Contains(sql, "AS total") {
			return []domain.Record{{"total": int64(500)}}
		}
		return nil
	}}
	pub := &jobqueue.MemoryPublisher{}
	fetcher := records.New(catalogtest.MustNew(), nil, wh, records.Options{})
	svc := manifest.NewService(fetcher, manifest.WithPublisher(pub), manifest.WithSyncRowThreshold(100))

	res, err := svc.Build(context.Background(), manifest.Request{
		Filters:    domain.FilterSet{"Modality": domain.NewFilterValue([]string{"CT"})},
		Fields:     []string{"SeriesInstanceUID", "series_aws_url"},
		SourceType: domain.SourceTypeWarehouse,
		FileType:   domain.ManifestFileTypeS5cmd,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Future == nil || res.Manifest != nil {
		t.Fatalf("expected an offloaded job, got %+v", res)
	}
	jobs := pub.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one published job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.ID != res.Future.JobID || res.Future.Status != domain.ManifestJobStatusPublished {
		t.Fatalf("future %+v does not match job %s", res.Future, job.ID)
	}
	wantSQL := `SELECT dicom_derived_all."SeriesInstanceUID", dicom_derived_all.series_aws_url ` +
		`FROM "idc-dev".idc_v1.dicom_derived_all dicom_derived_all ` +
		`WHERE dicom_derived_all."Modality" = $1 GROUP BY 1, 2`
	if diff := cmp.Diff(wantSQL, job.Query); diff != "" {
		t.Fatalf("job query mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"CT"}, job.Params); diff != "" {
		t.Fatalf("job params mismatch (-want +got):\n%s", diff)
	}
	if job.RowsEstimate != 500 || job.FileType != domain.ManifestFileTypeS5cmd {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestBuildPropagatesPublishFailure(t *testing.T) {
	wh := &fakeWarehouse{respond: func(string) []domain.Record { return []domain.Record{{"total": int64(500)}} }}
	pub := &jobqueue.MemoryPublisher{Fail: errors.New("broker down")}
	svc := manifest.NewService(records.New(catalogtest.MustNew(), nil, wh, records.Options{}),
		manifest.WithPublisher(pub), manifest.WithSyncRowThreshold(100))
	_, err := svc.Build(context.Background(), manifest.Request{
		Fields:     []string{"SeriesInstanceUID"},
		SourceType: domain.SourceTypeWarehouse,
		FileType:   domain.ManifestFileTypeCSV,
	})
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected the publish failure, got %v", err)
	}
}

func TestBuildTruncatesWithoutQueue(t *testing.T) {
	wh := &fakeWarehouse{respond: func(sql string) []domain.Record {
		if strings.Contains(sql, "AS total") {
			return []domain.Record{{"total": int64(500)}}
		}
		return []domain.Record{{"SeriesInstanceUID": "s1"}}
	}}
	svc := manifest.NewService(records.New(catalogtest.MustNew(), nil, wh, records.Options{}), manifest.WithSyncRowThreshold(100))
	res, err := svc.Build(context.Background(), manifest.Request{
		Fields:     []string{"SeriesInstanceUID"},
		SourceType: domain.SourceTypeWarehouse,
		FileType:   domain.ManifestFileTypeCSV,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var buf bytes.Buffer
	if _, err := res.Manifest.Write(context.Background(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "NOTE: only the first 100 of 500 entries are included in this manifest.\nSeriesInstanceUID\ns1\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
	last := wh.sqls[len(wh.sqls)-1]
	if !strings.HasSuffix(last, "LIMIT $1") {
		t.Fatalf("expected the streamed query to be limited, got %q", last)
	}
}

func TestSaveToLocalStoreAndDownload(t *testing.T) {
	dir := t.TempDir()
	signer := manifest.NewSigner("test-secret", time.Minute)
	store := manifest.NewLocalStore(dir, signer)
	fetcher := records.New(catalogtest.MustNew(), &fakeIndex{docs: seriesDocs()}, nil, records.Options{})
	svc := manifest.NewService(fetcher, manifest.WithStore(store))

	res, err := svc.Build(context.Background(), manifest.Request{
		Fields:   []string{"SeriesInstanceUID"},
		FileType: domain.ManifestFileTypeCSV,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, link, err := svc.Save(context.Background(), res.Manifest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Size != int64(len("SeriesInstanceUID\ns1\ns2\ns3\n")) {
		t.Fatalf("unexpected size %d", stored.Size)
	}
	prefix := "/manifest/files/" + stored.Name + "?token="
	if !strings.HasPrefix(link, prefix) {
		t.Fatalf("unexpected link %q", link)
	}
	token := strings.TrimPrefix(link, prefix)

	f, err := store.Open(stored.Name, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()
	body, _ := io.ReadAll(f)
	if string(body) != "SeriesInstanceUID\ns1\ns2\ns3\n" {
		t.Fatalf("unexpected file contents %q", body)
	}
	if _, err := store.Open("../"+stored.Name, token); !errors.Is(err, manifest.ErrFileNotFound) {
		t.Fatalf("expected traversal to be rejected, got %v", err)
	}
	if _, err := store.Open(stored.Name, "garbage"); !errors.Is(err, manifest.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
	if _, err := os.Stat(filepath.Join(dir, stored.Name)); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
}

func TestSignerRejectsTamperingAndExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := manifest.NewSigner("secret", time.Minute)
	token := s.Sign("manifest-a.csv", now)

	if err := s.Verify("manifest-a.csv", token, now.Add(30*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Verify("manifest-b.csv", token, now); !errors.Is(err, manifest.ErrInvalidToken) {
		t.Fatalf("expected a file mismatch, got %v", err)
	}
	if err := s.Verify("manifest-a.csv", token, now.Add(2*time.Minute)); !errors.Is(err, manifest.ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
	other := manifest.NewSigner("other-secret", time.Minute)
	if err := other.Verify("manifest-a.csv", token, now); !errors.Is(err, manifest.ErrInvalidToken) {
		t.Fatalf("expected a signature mismatch, got %v", err)
	}
	if err := s.Verify("manifest-a.csv", "", now); !errors.Is(err, manifest.ErrMissingToken) {
		t.Fatalf("expected a missing token, got %v", err)
	}
}

func TestBuildChecksCartTotals(t *testing.T) {
	cases := []struct {
		name    string
		direct  int64
		wantErr bool
	}{
		{name: "consistent", direct: 5},
		{name: "divergent", direct: 6, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			study := `dicom_derived_all."StudyInstanceUID" IN (`
			series := `dicom_derived_all."SeriesInstanceUID" IN (`
			wh := &fakeWarehouse{respond: func(sql string) []domain.Record {
				var total int64
				switch {
				case !strings.Contains(sql, "AS total"):
					return nil
				case strings.Contains(sql, "COUNT(*)"):
					total = 3
				case strings.Contains(sql, study) && strings.Contains(sql, ") OR "+series):
					total = tc.direct
				case strings.Contains(sql, study) && strings.Contains(sql, series):
					total = 1
				case strings.Contains(sql, study):
					total = 4
				default:
					total = 2
				}
				return []domain.Record{{"total": total}}
			}}
			svc := manifest.NewService(records.New(catalogtest.MustNew(), nil, wh, records.Options{}))

			res, err := svc.Build(context.Background(), manifest.Request{
				Cart: &manifest.Cart{Partitions: []domain.CartPartition{
					{ID: []string{"TCGA-BRCA", "P1", "S1"}},
					{ID: []string{"TCGA-BRCA", "P1", "S2", "SER9"}},
				}},
				Fields:     []string{"SeriesInstanceUID"},
				SourceType: domain.SourceTypeWarehouse,
				FileType:   domain.ManifestFileTypeCSV,
			})
			if tc.wantErr {
				if !errors.Is(err, domain.ErrCartDivergence) {
					t.Fatalf("expected ErrCartDivergence, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Manifest == nil || res.Total != 3 {
				t.Fatalf("unexpected result %+v", res)
			}
			if len(wh.sqls) != 5 {
				t.Fatalf("expected the record count plus four cart counts, got %d queries", len(wh.sqls))
			}
		})
	}
}

func TestBuildJoinsCartGroupsOnIndex(t *testing.T) {
	index := &fakeIndex{docs: seriesDocs()}
	svc := manifest.NewService(records.New(catalogtest.MustNew(), index, nil, records.Options{}))

	_, err := svc.Build(context.Background(), manifest.Request{
		Cart: &manifest.Cart{
			Partitions: []domain.CartPartition{{ID: []string{"TCGA-BRCA"}, Filters: []int{0}}},
			Groups:     []domain.FilterGroup{{Filters: domain.FilterSet{"vital_status": domain.NewFilterValue([]string{"Dead"})}}},
		},
		Fields:   []string{"SeriesInstanceUID"},
		FileType: domain.ManifestFileTypeCSV,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(index.queries) == 0 {
		t.Fatalf("expected an index query")
	}
	want := `((+collection_id:"TCGA-BRCA") AND (has_related:"False" OR _query_:"{!join from=case_barcode fromIndex=tcga_clinical_rel9 to=PatientID}(+vital_status:\"Dead\")"))`
	if diff := cmp.Diff(want, index.queries[0].Query); diff != "" {
		t.Fatalf("cart query mismatch (-want +got):\n%s", diff)
	}
}
