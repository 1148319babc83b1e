package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/lifecycle"
)

const statusUsage = `Usage: enginegate status [options]

Show the state of a running controller.
`

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (default: ~/.enginegate/config.toml)")
	addr := fs.String("addr", "", "Controller address (default: server host and port from config)")
	basePath := fs.String("base-path", "", "Controller base path (default: from config)")
	useTLS := fs.Bool("tls", false, "Query over HTTPS (certificate not verified)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = printUsage(fs, stderr, statusUsage)

	explicit, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}

	target, base := *addr, *basePath
	if target == "" || !explicit["base-path"] {
		cfg, err := loadConfig(*configPath, os.LookupEnv, nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if !explicit["base-path"] {
			base = cfg.Server.BasePath
		}
		if target == "" {
			if cfg.Server.Port == 0 {
				fmt.Fprintln(stderr, "Error: no fixed server port configured; pass --addr")
				return 1
			}
			target = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		}
	}

	snap, err := queryStatus(target, base, *useTLS)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(snap)
		return 0
	}
	writeStatusOutput(stdout, snap)
	return 0
}

func queryStatus(addr, basePath string, useTLS bool) (*lifecycle.Snapshot, error) {
	scheme := "http"
	client := &http.Client{Timeout: 10 * time.Second}
	if useTLS {
		scheme = "https"
		// Controllers use self-signed certificates by default.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	url := fmt.Sprintf("%s://%s%sget_status", scheme, addr, config.NormalizeBasePath(basePath))
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("controller returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap lifecycle.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if snap.Service != lifecycle.ServiceName {
		return nil, fmt.Errorf("%s is not an %s controller", addr, lifecycle.ServiceName)
	}
	return &snap, nil
}

// writeStatusOutput renders human-readable controller status.
func writeStatusOutput(w io.Writer, snap *lifecycle.Snapshot) {
	fmt.Fprintf(w, "Engine:     %s\n", snap.Status)
	if snap.BusyStatus != "" {
		fmt.Fprintf(w, "Busy:       %s\n", snap.BusyStatus)
	}
	if snap.EngineVersion != "" {
		fmt.Fprintf(w, "Version:    %s\n", snap.EngineVersion)
	}
	if snap.StartedAt != nil {
		fmt.Fprintf(w, "Started:    %s (%s ago)\n", snap.StartedAt.Format(time.RFC3339),
			time.Since(*snap.StartedAt).Round(time.Second))
	}

	licType, _ := snap.Licensing["type"].(string)
	if licType == "" {
		licType = "not configured"
	}
	fmt.Fprintf(w, "Licensing:  %s\n", licType)

	if snap.IdleRemainingSec >= 0 {
		fmt.Fprintf(w, "Idle left:  %s\n", time.Duration(snap.IdleRemainingSec)*time.Second)
	}
	if snap.Error != nil {
		fmt.Fprintf(w, "Error:      %s: %s\n", snap.Error.Code, snap.Error.Message)
	}
	for _, warning := range snap.Warnings {
		fmt.Fprintf(w, "Warning:    %s\n", warning)
	}
}
