// VirusTotal v2 client. IP and domain reports score by detected-URL count;
// file reports carry a positives/total detection ratio.
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

const vtDefaultBaseURL = "https://www.virustotal.com/vtapi/v2"

// VirusTotal implements the Source capability against the VirusTotal v2
// API.
type VirusTotal struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// DefaultVirusTotalConfig returns sensible defaults.
func DefaultVirusTotalConfig() Config {
	return Config{
		APIKeyEnv: "VIRUSTOTAL_API_KEY",
		BaseURL:   vtDefaultBaseURL,
		Timeout:   10 * time.Second,
	}
}

// NewVirusTotal creates a VirusTotal source. The API key must be present
// in the configured environment variable.
func NewVirusTotal(config Config, logger *zap.Logger) (*VirusTotal, error) {
	if os.Getenv(config.APIKeyEnv) == "" {
		return nil, fmt.Errorf("VirusTotal API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = vtDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &VirusTotal{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Name returns the source identifier.
func (v *VirusTotal) Name() string { return "virustotal" }

// Supports reports the kinds VirusTotal can answer for.
func (v *VirusTotal) Supports(kind ioc.Kind) bool {
	switch kind {
	case ioc.KindIP, ioc.KindDomain, ioc.KindHash:
		return true
	}
	return false
}

// Lookup queries the report endpoint for the kind. Network failures and
// non-200 responses return no data.
func (v *VirusTotal) Lookup(ctx context.Context, kind ioc.Kind, value string) (ioc.Observation, bool, error) {
	var path string
	params := url.Values{"apikey": {os.Getenv(v.config.APIKeyEnv)}}

	switch kind {
	case ioc.KindIP:
		path = "/ip-address/report"
		params.Set("ip", value)
	case ioc.KindDomain:
		path = "/domain/report"
		params.Set("domain", value)
	case ioc.KindHash:
		path = "/file/report"
		params.Set("resource", value)
	default:
		return ioc.Observation{}, false, nil
	}

	fullURL := strings.TrimSuffix(v.config.BaseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return ioc.Observation{}, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		// Transient failure is absence of evidence, not an error.
		v.logger.Debug("virustotal lookup failed", zap.String("value", value), zap.Error(err))
		return ioc.Observation{}, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Debug("virustotal returned non-200",
			zap.String("value", value), zap.Int("status", resp.StatusCode))
		return ioc.Observation{}, false, nil
	}

	var report vtReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		v.logger.Debug("virustotal response decode failed", zap.Error(err))
		return ioc.Observation{}, false, nil
	}

	// response_code 1 means VT has data for the resource.
	if report.ResponseCode != 1 {
		return ioc.Observation{}, false, nil
	}

	obs := ioc.Observation{
		Value:      value,
		Kind:       kind,
		Source:     v.Name(),
		ObservedAt: time.Now().UTC(),
	}

	switch kind {
	case ioc.KindHash:
		obs.Raw = ioc.DetectionRatio(report.Positives, report.Total)
		obs.Details = map[string]any{
			"positives": report.Positives,
			"total":     report.Total,
		}
	default:
		detected := len(report.DetectedURLs)
		weight := 10
		if kind == ioc.KindDomain {
			weight = 5
		}
		obs.Raw = ioc.Confidence(float64(detected * weight))
		obs.Details = map[string]any{
			"detected_urls": detected,
			"country":       report.Country,
			"as_owner":      report.ASOwner,
		}
	}

	return obs, true, nil
}

// vtReport is the subset of the v2 report response we consume.
type vtReport struct {
	ResponseCode int             `json:"response_code"`
	Positives    int             `json:"positives"`
	Total        int             `json:"total"`
	DetectedURLs []vtDetectedURL `json:"detected_urls"`
	Country      string          `json:"country"`
	ASOwner      string          `json:"as_owner"`
}

type vtDetectedURL struct {
	URL       string `json:"url"`
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
}
