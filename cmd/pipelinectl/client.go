package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// opsClient is a thin HTTP client over the collector's ops API.
type opsClient struct {
	base   string
	http   *http.Client
	asJSON bool
}

func newOpsClient(base string, asJSON bool) *opsClient {
	return &opsClient{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		asJSON: asJSON,
	}
}

func (c *opsClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *opsClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *opsClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ops api unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("ops api returned %d", resp.StatusCode)
	}
	return raw, nil
}

// printJSON pretty-prints the raw API response.
func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		return nil
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func (c *opsClient) status(ctx context.Context) error {
	raw, err := c.get(ctx, "/metrics/enhanced")
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body struct {
		Sources map[string]struct {
			Status              string  `json:"status"`
			SuccessRate         float64 `json:"success_rate"`
			Confidence          float64 `json:"confidence"`
			ConsecutiveFailures int     `json:"consecutive_failures"`
			GapHours            float64 `json:"gap_hours"`
		} `json:"sources"`
		Breakers map[string]string `json:"breakers"`
		Alerts   map[string]int    `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "SOURCE\tSTATUS\tSUCCESS\tCONFIDENCE\tCONSEC FAIL\tGAP H\tBREAKER")
	for _, source := range sortedKeys(body.Sources) {
		s := body.Sources[source]
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\t%.1f\t%s\n",
			source, s.Status, s.SuccessRate, s.Confidence, s.ConsecutiveFailures, s.GapHours, body.Breakers[source])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(body.Alerts) > 0 {
		fmt.Printf("active alerts:")
		for _, sev := range sortedKeys(body.Alerts) {
			fmt.Printf(" %s=%d", sev, body.Alerts[sev])
		}
		fmt.Println()
	}
	return nil
}

func (c *opsClient) gaps(ctx context.Context) error {
	raw, err := c.get(ctx, "/gaps")
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body map[string]struct {
		LastCollected time.Time `json:"last_collected"`
		GapHours      float64   `json:"gap_hours"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode gaps: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "SOURCE\tLAST COLLECTED\tGAP H")
	for _, source := range sortedKeys(body) {
		g := body[source]
		fmt.Fprintf(w, "%s\t%s\t%.1f\n", source, g.LastCollected.Format(time.RFC3339), g.GapHours)
	}
	return w.Flush()
}

func (c *opsClient) deadTuples(ctx context.Context) error {
	raw, err := c.get(ctx, "/dead-tuples")
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body map[string]float64
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode dead tuples: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "TABLE\tDEAD RATIO")
	for _, table := range sortedKeys(body) {
		fmt.Fprintf(w, "%s\t%.2f\n", table, body[table])
	}
	return w.Flush()
}

func (c *opsClient) breakers(ctx context.Context) error {
	raw, err := c.get(ctx, "/breakers")
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode breakers: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "SOURCE\tSTATE")
	for _, source := range sortedKeys(body) {
		fmt.Fprintf(w, "%s\t%s\n", source, body[source])
	}
	return w.Flush()
}

func (c *opsClient) alerts(ctx context.Context, source, severity, alertType string) error {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	if alertType != "" {
		q.Set("type", alertType)
	}
	path := "/alerts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body struct {
		Alerts []struct {
			ID        string    `json:"id"`
			Source    string    `json:"source"`
			Type      string    `json:"type"`
			Severity  string    `json:"severity"`
			Message   string    `json:"message"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode alerts: %w", err)
	}
	if len(body.Alerts) == 0 {
		fmt.Println("no active alerts")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tSEVERITY\tAGE\tMESSAGE")
	now := time.Now()
	for _, a := range body.Alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Source, a.Type, a.Severity, now.Sub(a.CreatedAt).Round(time.Minute), a.Message)
	}
	return w.Flush()
}

func (c *opsClient) resolveAlert(ctx context.Context, id, notes string) error {
	raw, err := c.post(ctx, "/alerts/"+id+"/resolve", map[string]string{"notes": notes})
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}
	fmt.Println("resolved", id)
	return nil
}

func (c *opsClient) testConnection(ctx context.Context, source string) error {
	raw, err := c.post(ctx, "/sources/"+source+"/test", nil)
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode probe result: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("connection probe failed for %s", source)
	}
	fmt.Println(source, "reachable")
	return nil
}

func (c *opsClient) resetBreaker(ctx context.Context, source string) error {
	raw, err := c.post(ctx, "/breakers/"+source+"/reset", nil)
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}
	fmt.Println("breaker closed for", source)
	return nil
}

func (c *opsClient) history(ctx context.Context, source string, limit int) error {
	raw, err := c.get(ctx, fmt.Sprintf("/history/%s?limit=%d", source, limit))
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(raw)
	}

	var snapshots []struct {
		SuccessRate         float64   `json:"success_rate"`
		ConfidenceScore     float64   `json:"confidence_score"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		Status              string    `json:"status"`
		UpdatedAt           time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if len(snapshots) == 0 {
		fmt.Println("no snapshots for", source)
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "UPDATED\tSTATUS\tSUCCESS\tCONFIDENCE\tCONSEC FAIL")
	for _, s := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\n",
			s.UpdatedAt.Format(time.RFC3339), s.Status, s.SuccessRate, s.ConfidenceScore, s.ConsecutiveFailures)
	}
	return w.Flush()
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
