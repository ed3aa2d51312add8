package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/ICE-QTM/SSMiSS/internal/httputil"
)

// client talks to the SSMiSS control API.
type client struct {
	http httputil.HTTPClient
	base string
}

func newClient(h httputil.HTTPClient, base string) *client {
	return &client{http: h, base: base}
}

// do issues the request and decodes an error payload on non-2xx status.
func (c *client) do(resp *http.Response, err error) (*http.Response, error) {
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server: %s (%s)", e.Error, resp.Status)
		}
		return nil, fmt.Errorf("server: %s", resp.Status)
	}
	return resp, nil
}

// printJSON re-indents a JSON response body for the terminal.
func printJSON(w io.Writer, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}

func (c *client) status(w io.Writer) error {
	resp, err := c.do(c.http.Get(c.base + "/api/status"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(w, resp.Body)
}

func (c *client) start(w io.Writer, requestFile string) error {
	var body []byte
	var err error
	if requestFile == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(requestFile)
	}
	if err != nil {
		return err
	}

	resp, err := c.do(c.http.Post(c.base+"/api/scan/start", "application/json", bytes.NewReader(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(w, resp.Body)
}

func (c *client) abort(w io.Writer) error {
	resp, err := c.do(c.http.Post(c.base+"/api/scan/abort", "application/json", nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(w, resp.Body)
}

func (c *client) runs(w io.Writer) error {
	resp, err := c.do(c.http.Get(c.base + "/api/scans"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(w, resp.Body)
}

func (c *client) export(w io.Writer, runID string) error {
	resp, err := c.do(c.http.Get(c.base + "/api/scans/export?id=" + runID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *client) step(w io.Writer, axis, dir, count string) error {
	axisN, err := strconv.Atoi(axis)
	if err != nil {
		return fmt.Errorf("axis %q: %w", axis, err)
	}
	countN, err := strconv.Atoi(count)
	if err != nil {
		return fmt.Errorf("count %q: %w", count, err)
	}

	body, err := json.Marshal(map[string]any{
		"axis":      axisN,
		"direction": dir,
		"count":     countN,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(c.http.Post(c.base+"/api/step", "application/json", bytes.NewReader(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(w, resp.Body)
}
