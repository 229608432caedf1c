package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// =============================================================================
// VirusTotal Tests
// =============================================================================

// TestNewVirusTotal_MissingAPIKey verifies creation fails without an API
// key in the environment.
func TestNewVirusTotal_MissingAPIKey(t *testing.T) {
	os.Unsetenv("TEST_VT_KEY")

	config := DefaultVirusTotalConfig()
	config.APIKeyEnv = "TEST_VT_KEY"

	if _, err := NewVirusTotal(config, zap.NewNop()); err == nil {
		t.Error("NewVirusTotal should fail when API key env var is empty")
	}
}

// TestVirusTotal_IPLookup verifies a detected IP produces a confidence
// observation scaled by detected-URL count.
func TestVirusTotal_IPLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ip-address/report" {
			t.Errorf("expected /ip-address/report, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("apikey") != "test-vt-key" {
			t.Errorf("apikey param missing, got %q", r.URL.Query().Get("apikey"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"response_code": 1,
			"detected_urls": [{"url":"a"},{"url":"b"},{"url":"c"}],
			"country": "US",
			"as_owner": "ExampleNet"
		}`))
	}))
	defer server.Close()

	os.Setenv("TEST_VT_KEY", "test-vt-key")
	defer os.Unsetenv("TEST_VT_KEY")

	config := DefaultVirusTotalConfig()
	config.APIKeyEnv = "TEST_VT_KEY"
	config.BaseURL = server.URL

	vt, err := NewVirusTotal(config, zap.NewNop())
	if err != nil {
		t.Fatalf("NewVirusTotal failed: %v", err)
	}

	obs, ok, err := vt.Lookup(context.Background(), ioc.KindIP, "198.51.100.7")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected data, got none")
	}

	if obs.Source != "virustotal" {
		t.Errorf("source = %q, want virustotal", obs.Source)
	}
	// 3 detected URLs at weight 10.
	score, _ := ioc.Normalize(obs.Source, obs.Raw)
	if score != 30 {
		t.Errorf("normalized score = %d, want 30", score)
	}
}

// TestVirusTotal_HashDetectionRatio verifies file reports carry the
// positives/total ratio.
func TestVirusTotal_HashDetectionRatio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/report" {
			t.Errorf("expected /file/report, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"response_code": 1, "positives": 45, "total": 60}`))
	}))
	defer server.Close()

	os.Setenv("TEST_VT_KEY", "test-vt-key")
	defer os.Unsetenv("TEST_VT_KEY")

	config := DefaultVirusTotalConfig()
	config.APIKeyEnv = "TEST_VT_KEY"
	config.BaseURL = server.URL

	vt, _ := NewVirusTotal(config, zap.NewNop())

	obs, ok, err := vt.Lookup(context.Background(), ioc.KindHash, "d41d8cd98f00b204e9800998ecf8427e")
	if err != nil || !ok {
		t.Fatalf("Lookup = ok=%v err=%v, want data", ok, err)
	}

	if !obs.Raw.Ratio {
		t.Error("hash lookup should report a detection ratio")
	}
	score, class := ioc.Normalize(obs.Source, obs.Raw)
	if score != 75 || class != ioc.ClassHigh {
		t.Errorf("normalized = (%d, %s), want (75, high)", score, class)
	}
}

// TestVirusTotal_NoData verifies response_code 0 and server errors both
// yield no data without an error.
func TestVirusTotal_NoData(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unknown resource", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"response_code": 0}`))
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			os.Setenv("TEST_VT_KEY", "test-vt-key")
			defer os.Unsetenv("TEST_VT_KEY")

			config := DefaultVirusTotalConfig()
			config.APIKeyEnv = "TEST_VT_KEY"
			config.BaseURL = server.URL

			vt, _ := NewVirusTotal(config, zap.NewNop())

			_, ok, err := vt.Lookup(context.Background(), ioc.KindIP, "203.0.113.5")
			if err != nil {
				t.Errorf("transient conditions must not error, got %v", err)
			}
			if ok {
				t.Error("expected no data")
			}
		})
	}
}

// TestVirusTotal_Supports verifies kind coverage.
func TestVirusTotal_Supports(t *testing.T) {
	os.Setenv("TEST_VT_KEY", "k")
	defer os.Unsetenv("TEST_VT_KEY")

	config := DefaultVirusTotalConfig()
	config.APIKeyEnv = "TEST_VT_KEY"
	vt, _ := NewVirusTotal(config, zap.NewNop())

	for kind, want := range map[ioc.Kind]bool{
		ioc.KindIP:     true,
		ioc.KindDomain: true,
		ioc.KindHash:   true,
		ioc.KindURL:    false,
	} {
		if got := vt.Supports(kind); got != want {
			t.Errorf("Supports(%s) = %v, want %v", kind, got, want)
		}
	}
}

// =============================================================================
// AbuseIPDB Tests
// =============================================================================

// TestAbuseIPDB_Lookup verifies the confidence percentage flows through as
// the raw score.
func TestAbuseIPDB_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" {
			t.Errorf("expected /check, got %s", r.URL.Path)
		}
		if r.Header.Get("Key") != "test-abuse-key" {
			t.Errorf("Key header missing, got %q", r.Header.Get("Key"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": {
			"ipAddress": "198.51.100.7",
			"abuseConfidencePercentage": 87,
			"countryCode": "NL",
			"usageType": "Data Center",
			"isp": "Example Hosting",
			"totalReports": 42
		}}`))
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSE_KEY", "test-abuse-key")
	defer os.Unsetenv("TEST_ABUSE_KEY")

	config := DefaultAbuseIPDBConfig()
	config.APIKeyEnv = "TEST_ABUSE_KEY"
	config.BaseURL = server.URL

	src, err := NewAbuseIPDB(config, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAbuseIPDB failed: %v", err)
	}

	obs, ok, err := src.Lookup(context.Background(), ioc.KindIP, "198.51.100.7")
	if err != nil || !ok {
		t.Fatalf("Lookup = ok=%v err=%v, want data", ok, err)
	}

	score, class := ioc.Normalize(obs.Source, obs.Raw)
	if score != 87 || class != ioc.ClassCritical {
		t.Errorf("normalized = (%d, %s), want (87, critical)", score, class)
	}
	if obs.Details["total_reports"] != 42 {
		t.Errorf("details total_reports = %v, want 42", obs.Details["total_reports"])
	}
}

// TestAbuseIPDB_IPOnly verifies non-IP kinds return no data immediately.
func TestAbuseIPDB_IPOnly(t *testing.T) {
	os.Setenv("TEST_ABUSE_KEY", "k")
	defer os.Unsetenv("TEST_ABUSE_KEY")

	config := DefaultAbuseIPDBConfig()
	config.APIKeyEnv = "TEST_ABUSE_KEY"
	src, _ := NewAbuseIPDB(config, zap.NewNop())

	if src.Supports(ioc.KindDomain) {
		t.Error("AbuseIPDB should not support domains")
	}

	_, ok, err := src.Lookup(context.Background(), ioc.KindDomain, "example.com")
	if ok || err != nil {
		t.Errorf("domain lookup = ok=%v err=%v, want no data and no error", ok, err)
	}
}
