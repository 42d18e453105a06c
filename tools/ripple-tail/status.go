package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	addr := fs.String("addr", "127.0.0.1:8190", "Admin API address")
	token := fs.String("token", "", "Bearer token when the API requires one")
	recent := fs.Int("recent", 0, "Also fetch this many recent journal entries")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}

	if err := fetchAndPrint(client, *addr, "/status", *token); err != nil {
		fmt.Fprintf(os.Stderr, "Status query failed: %v\n", err)
		os.Exit(1)
	}

	if *recent > 0 {
		path := fmt.Sprintf("/journal/recent?limit=%d", *recent)
		if err := fetchAndPrint(client, *addr, path, *token); err != nil {
			fmt.Fprintf(os.Stderr, "Journal query failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func fetchAndPrint(client *http.Client, addr, path, token string) error {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
