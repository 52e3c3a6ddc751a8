package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/viper"

	"github.com/nuulab/flowcore/internal/httpclient"
)

// apiClient is a minimal HTTP client for flowd, grounded on the
// teacher's cmd/cli/cmd/client.go. It rides on internal/httpclient so
// a flowd restart mid-request (a 502/503 blip behind a load balancer)
// doesn't fail a flowctl command outright.
type apiClient struct {
	baseURL string
	http    *httpclient.Client
}

func newAPIClient() *apiClient {
	baseURL := viper.GetString("api.url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	cfg := httpclient.DefaultConfig()
	if v := viper.GetInt("api.max_retries"); v > 0 {
		cfg.MaxRetries = v
	}
	if v := viper.GetDuration("api.retry_base_delay"); v > 0 {
		cfg.BaseDelay = v
	}
	if v := viper.GetDuration("api.retry_max_delay"); v > 0 {
		cfg.MaxDelay = v
	}
	if v := viper.GetDuration("api.timeout"); v > 0 {
		cfg.Timeout = v
	}
	return &apiClient{baseURL: baseURL, http: httpclient.New(cfg)}
}

func (c *apiClient) get(path string, target any) error {
	resp, err := c.http.Get(context.Background(), c.baseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func (c *apiClient) post(path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	resp, err := c.http.Post(context.Background(), c.baseURL+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("flowd: %s", body.Error)
	}
	return fmt.Errorf("flowd: request failed with status %d", resp.StatusCode)
}
