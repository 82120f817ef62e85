package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aegis-control/plane/pkg/config"
)

// runHealthCheck queries a running server's health endpoint, for use as
// a container HEALTHCHECK or by an operator poking at a live node.
func runHealthCheck(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = config.Load().Port
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}
