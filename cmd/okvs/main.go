//
// Copyright (c) 2023-2026 Markku Rossi
//
// All rights reserved.
//

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/markkurossi/okvs"
	"github.com/markkurossi/okvs/config"
	"gopkg.in/yaml.v3"
)

// Entry defines a data file entry.
type Entry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

func main() {
	fConfig := flag.String("c", "", "configuration file")
	fData := flag.String("d", "", "data file")
	fVerbose := flag.Bool("v", false, "verbose output")
	fStats := flag.Bool("stats", false, "print query timing statistics")
	flag.Parse()

	log.SetFlags(0)

	cfg := config.Default()
	if len(*fConfig) > 0 {
		var err error
		cfg, err = config.Load(*fConfig)
		if err != nil {
			log.Fatal(err)
		}
	}
	if *fVerbose {
		cfg.Verbose = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := okvs.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Printf("OKVS %v\n", store.Parties())

	if len(*fData) > 0 {
		entries, err := readEntries(*fData)
		if err != nil {
			log.Fatal(err)
		}
		for _, e := range entries {
			err = store.AddEntry(ctx, e.Key, e.Value)
			if err != nil {
				log.Fatalf("%s: %s", *fData, err)
			}
		}
		fmt.Printf("Added %d entries\n", store.Len())
	}

	for _, arg := range flag.Args() {
		result, err := store.Lookup(ctx, arg)
		if err != nil {
			if errors.Is(err, okvs.ErrNotFound) {
				fmt.Printf("%s: not found\n", arg)
				continue
			}
			log.Fatal(err)
		}
		fmt.Printf("%s: %s\n", arg, result.Value)
		if *fStats {
			result.Timing.Print(os.Stdout, result.Stats)
		}
	}
}

func readEntries(file string) ([]Entry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err = decoder.Decode(&entries)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return entries, nil
}
