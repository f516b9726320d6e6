// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// tsk-proxy consumes TSK messages off a Kafka topic and fans them out to a
// configured timeseries backend, self-reporting operational counters
// through a second backend when one is configured.
//
// Usage:
//
//	tsk-proxy CONFIG_FILE
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tsk/internal/proxy"
	"tsk/pkg/backend"
)

func main() {
	os.Exit(run())
}

func run() int {
	httpAddr := flag.String("http", ":9090", "HTTP listen address for /healthz and /metrics")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tsk-proxy CONFIG_FILE")
		return -1
	}
	configPath := flag.Arg(0)

	cfg, err := proxy.LoadConfig(configPath)
	if err != nil {
		log.Printf("[tsk-proxy] %v", err)
		return -1
	}

	registry := backend.NewRegistry()
	defer func() {
		if err := registry.FreeAll(); err != nil {
			log.Printf("[tsk-proxy] registry cleanup: %v", err)
		}
	}()

	p, err := proxy.New(cfg, registry)
	if err != nil {
		log.Printf("[tsk-proxy] %v", err)
		return -1
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Printf("[tsk-proxy] close: %v", err)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": p.State().String(),
			"time":  time.Now().UTC(),
		})
	})
	go func() {
		log.Printf("[tsk-proxy] listening on %s", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Printf("[tsk-proxy] http: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go watchSignals(sigCh, p)

	runErr := p.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		log.Printf("[tsk-proxy] run: %v", runErr)
		return -1
	}
	return 0
}

// watchSignals counts SIGINT/SIGTERM deliveries: the 1st and 2nd arm
// cooperative graceful shutdown via RequestShutdown, the 3rd terminates the
// process immediately, irrespective of where the run loop currently is
// (spec's "any state → DONE on third SIGINT, hard exit").
func watchSignals(sigCh <-chan os.Signal, p *proxy.Proxy) {
	count := 0
	for range sigCh {
		count++
		switch count {
		case 1, 2:
			log.Printf("[tsk-proxy] signal %d/3: requesting graceful shutdown", count)
			p.RequestShutdown()
		default:
			log.Printf("[tsk-proxy] signal %d/3: hard exit", count)
			os.Exit(1)
		}
	}
}
