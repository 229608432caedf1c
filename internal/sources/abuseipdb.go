// AbuseIPDB client. Reports a direct abuse-confidence percentage for IP
// addresses.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

const abuseDefaultBaseURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDB implements the Source capability against the AbuseIPDB check
// endpoint.
type AbuseIPDB struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	maxAgeDays int
}

// DefaultAbuseIPDBConfig returns sensible defaults.
func DefaultAbuseIPDBConfig() Config {
	return Config{
		APIKeyEnv: "ABUSEIPDB_API_KEY",
		BaseURL:   abuseDefaultBaseURL,
		Timeout:   10 * time.Second,
	}
}

// NewAbuseIPDB creates an AbuseIPDB source. The API key must be present in
// the configured environment variable.
func NewAbuseIPDB(config Config, logger *zap.Logger) (*AbuseIPDB, error) {
	if os.Getenv(config.APIKeyEnv) == "" {
		return nil, fmt.Errorf("AbuseIPDB API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = abuseDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &AbuseIPDB{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		maxAgeDays: 90,
	}, nil
}

// Name returns the source identifier.
func (a *AbuseIPDB) Name() string { return "abuseipdb" }

// Supports reports that AbuseIPDB only answers for IP addresses.
func (a *AbuseIPDB) Supports(kind ioc.Kind) bool { return kind == ioc.KindIP }

// Lookup checks one IP. Network failures and non-200 responses return no
// data.
func (a *AbuseIPDB) Lookup(ctx context.Context, kind ioc.Kind, value string) (ioc.Observation, bool, error) {
	if kind != ioc.KindIP {
		return ioc.Observation{}, false, nil
	}

	params := url.Values{
		"ipAddress":    {value},
		"maxAgeInDays": {fmt.Sprintf("%d", a.maxAgeDays)},
	}
	fullURL := strings.TrimSuffix(a.config.BaseURL, "/") + "/check?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return ioc.Observation{}, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Key", os.Getenv(a.config.APIKeyEnv))
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Debug("abuseipdb lookup failed", zap.String("ip", value), zap.Error(err))
		return ioc.Observation{}, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Debug("abuseipdb returned non-200",
			zap.String("ip", value), zap.Int("status", resp.StatusCode))
		return ioc.Observation{}, false, nil
	}

	var envelope abuseCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		a.logger.Debug("abuseipdb response decode failed", zap.Error(err))
		return ioc.Observation{}, false, nil
	}

	data := envelope.Data
	return ioc.Observation{
		Value:      value,
		Kind:       ioc.KindIP,
		Source:     a.Name(),
		Raw:        ioc.Confidence(float64(data.AbuseConfidence)),
		ObservedAt: time.Now().UTC(),
		Details: map[string]any{
			"abuse_confidence": data.AbuseConfidence,
			"country_code":     data.CountryCode,
			"usage_type":       data.UsageType,
			"isp":              data.ISP,
			"total_reports":    data.TotalReports,
		},
	}, true, nil
}

// abuseCheckResponse is the subset of the check response we consume.
type abuseCheckResponse struct {
	Data abuseCheckData `json:"data"`
}

type abuseCheckData struct {
	IPAddress       string `json:"ipAddress"`
	AbuseConfidence int    `json:"abuseConfidencePercentage"`
	CountryCode     string `json:"countryCode"`
	UsageType       string `json:"usageType"`
	ISP             string `json:"isp"`
	TotalReports    int    `json:"totalReports"`
}
