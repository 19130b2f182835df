// Command probe checks a node's health or readiness endpoint and exits
// 0 or 1, for load balancers, container healthchecks and scripts. It
// uses a fasthttp client so a wedged node fails the probe quickly
// instead of tying up a connection pool.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "node base URL")
	timeout := flag.Duration("timeout", 2*time.Second, "probe timeout")
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	flag.Parse()

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	url := strings.TrimRight(*addr, "/") + path

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	client := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	start := time.Now()
	if err := client.DoTimeout(req, resp, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "probe %s: %v\n", url, err)
		os.Exit(1)
	}
	took := time.Since(start).Round(time.Millisecond)

	if resp.StatusCode() != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "probe %s: status %d (%s)\n", url, resp.StatusCode(), took)
		os.Exit(1)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Status != "ok" {
		fmt.Fprintf(os.Stderr, "probe %s: unhealthy body %q (%s)\n", url, resp.Body(), took)
		os.Exit(1)
	}

	if body.Version != "" {
		fmt.Printf("%s ok version=%s (%s)\n", path, body.Version, took)
	} else {
		fmt.Printf("%s ok (%s)\n", path, took)
	}
}
