// Package gbif requests occurrence-data exports of Rugulopteryx okamurae
// from the GBIF (Global Biodiversity Information Facility) occurrence
// download API.
//
// A download is asynchronous on GBIF's side: RequestDownload submits the
// query and returns a download key; once GBIF has generated the export,
// Fetch retrieves the archive. The exported occurrences are the upstream
// source for labeling satellite tiles.
package gbif

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultBaseURL is the GBIF API root.
	DefaultBaseURL = "https://api.gbif.org/v1"

	// TaxonKey identifies R. okamurae in the GBIF backbone taxonomy.
	TaxonKey = "5824863"

	// FormatSimpleCSV requests the export as a simple tab-separated table.
	FormatSimpleCSV = "SIMPLE_CSV"
)

// Predicate is one filter of a GBIF download query. Compound predicates
// ("and", "or") carry sub-predicates; leaf predicates ("equals", "in")
// carry a key plus a value or values.
type Predicate struct {
	Type       string      `json:"type"`
	Key        string      `json:"key,omitempty"`
	Value      string      `json:"value,omitempty"`
	Values     []string    `json:"values,omitempty"`
	Predicates []Predicate `json:"predicates,omitempty"`
}

// OccurrencePredicate builds the query for usable R. okamurae occurrences:
// records for the given taxa that have coordinates and no geospatial issue.
// With no arguments it defaults to TaxonKey.
func OccurrencePredicate(taxonKeys ...string) Predicate {
	if len(taxonKeys) == 0 {
		taxonKeys = []string{TaxonKey}
	}
	return Predicate{
		Type: "and",
		Predicates: []Predicate{
			{Type: "in", Key: "TAXON_KEY", Values: taxonKeys},
			{Type: "equals", Key: "HAS_COORDINATE", Value: "true"},
			{Type: "equals", Key: "HAS_GEOSPATIAL_ISSUE", Value: "false"},
		},
	}
}

// downloadRequest is the body of a download submission.
type downloadRequest struct {
	Creator               string    `json:"creator"`
	NotificationAddresses []string  `json:"notificationAddresses,omitempty"`
	Format                string    `json:"format"`
	Predicate             Predicate `json:"predicate"`
}

// Client issues authenticated requests against the GBIF API.
type Client struct {
	// BaseURL of the API; DefaultBaseURL if empty.
	BaseURL string

	// User and Password authenticate the download request; Email receives
	// GBIF's notification when the export is ready.
	User     string
	Password string
	Email    string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewClientFromEnv builds a Client from the GBIF_USER, GBIF_PWD and
// GBIF_EMAIL environment variables.
func NewClientFromEnv() (*Client, error) {
	user, pwd, email := os.Getenv("GBIF_USER"), os.Getenv("GBIF_PWD"), os.Getenv("GBIF_EMAIL")
	if user == "" || pwd == "" {
		return nil, errors.New("GBIF credentials not set: export GBIF_USER, GBIF_PWD and GBIF_EMAIL")
	}
	return &Client{User: user, Password: pwd, Email: email}, nil
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// RequestDownload submits a download of all occurrences matching the
// predicate, in the given format, and returns the download key GBIF assigns
// to the job. The export is generated asynchronously; pass the key to Fetch
// once GBIF notifies that it is ready.
func (c *Client) RequestDownload(pred Predicate, format string) (key string, err error) {
	if format == "" {
		format = FormatSimpleCSV
	}
	body, err := json.Marshal(downloadRequest{
		Creator:               c.User,
		NotificationAddresses: notification(c.Email),
		Format:                format,
		Predicate:             pred,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode download request")
	}
	url := c.baseURL() + "/occurrence/download/request"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "failed to build request for %q", url)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.User, c.Password)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "download request to %q failed", url)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read response from %q", url)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("download request to %q returned status %s: %s",
			url, resp.Status, strings.TrimSpace(string(respBody)))
	}
	// The response body is the bare download key.
	key = strings.TrimSpace(string(respBody))
	klog.Infof("requested GBIF occurrence download, key=%q", key)
	return key, nil
}

// Fetch downloads the finished export archive for key to filePath.
func (c *Client) Fetch(key, filePath string) error {
	url := c.baseURL() + "/occurrence/download/request/" + key
	_, err := data.Download(url, filePath, true)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch occurrence download %q", key)
	}
	klog.Infof("occurrence download %q saved to %q", key, filePath)
	return nil
}

func notification(email string) []string {
	if email == "" {
		return nil
	}
	return []string{email}
}
