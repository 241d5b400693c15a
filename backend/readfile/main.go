// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command readfile prints game and team records from a data directory,
// decrypting them with the DUGOUT_MASTER_KEY passphrase when one is set.
//
//	readfile -data-dir data -sheet games/<id>.json teams/<id>.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/dugout/backend"
)

var (
	dataDir = flag.String("data-dir", "data", "Directory for game and team data")
	sheet   = flag.Bool("sheet", false, "Print games as a replayed scoresheet instead of JSON")
)

func main() {
	flag.Parse()

	var masterKey crypto.MasterKey
	keyFile := filepath.Join(*dataDir, "master.key")
	if passphrase := os.Getenv("DUGOUT_MASTER_KEY"); passphrase != "" {
		var err error
		if masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile); err != nil {
			log.Fatalf("Failed to read master key: %v", err)
		}
	} else if _, err := os.Stat(keyFile); err == nil {
		log.Fatalf("%s exists but DUGOUT_MASTER_KEY is not set", keyFile)
	}
	store := storage.New(*dataDir, masterKey)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, arg := range flag.Args() {
		arg = strings.TrimPrefix(strings.TrimPrefix(arg, *dataDir), "/")
		fmt.Printf("=========== %s ===========\n", arg)
		if strings.HasPrefix(arg, "games/") {
			var g backend.Game
			if err := store.ReadDataFile(arg, &g); err != nil {
				log.Printf("%s: %v", arg, err)
				continue
			}
			if *sheet {
				fmt.Print(backend.Replay(&g, nil).Render())
				continue
			}
			enc.Encode(g)
			continue
		}
		var t backend.Team
		if err := store.ReadDataFile(arg, &t); err != nil {
			log.Printf("%s: %v", arg, err)
			continue
		}
		enc.Encode(t)
	}
}
