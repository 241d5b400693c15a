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
package backend

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"runtime"
	"strings"
	"sync"
)

const (
	snapshotManifestName = "manifest.json"
	snapshotPolicyName   = "policy.json"
	maxSnapshotEntrySize = 10 << 20
)

type snapshotManifest struct {
	Nodes     map[string]*NodeMeta `json:"nodes"`
	RaftIndex uint64               `json:"raftIndex"`
}

// persist writes a gzipped tar of the manifest, the access policy, and one
// JSON file per game and team.
func (f *FSM) persist(w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest := snapshotManifest{Nodes: f.nodes(), RaftIndex: f.LastAppliedIndex()}
	if err := writeJSONToTar(tw, snapshotManifestName, manifest); err != nil {
		return err
	}
	if p := f.r.GetAccessPolicy(); p != nil {
		if err := writeJSONToTar(tw, snapshotPolicyName, p); err != nil {
			return err
		}
	}
	for g, err := range f.gs.ListAllGames() {
		if err != nil {
			return err
		}
		if err := writeJSONToTar(tw, gameFilename(g.ID), g); err != nil {
			return err
		}
	}
	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			return err
		}
		if err := writeJSONToTar(tw, teamFilename(t.ID), t); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var existingGames, existingTeams []string
	for g, err := range f.gs.ListAllGames() {
		if err != nil {
			return err
		}
		existingGames = append(existingGames, g.ID)
	}
	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			return err
		}
		existingTeams = append(existingTeams, t.ID)
	}

	// Games and teams are written by a small worker pool.
	numWorkers := runtime.NumCPU()
	jobs := make(chan any, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				var err error
				switch v := job.(type) {
				case *Game:
					err = f.gs.SaveGame(v)
				case *Team:
					err = f.ts.SaveTeam(v)
				}
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}
	teardown := func() { close(jobs); wg.Wait() }

	restoredGames := make(map[string]bool)
	restoredTeams := make(map[string]bool)
	var policy *UserAccessPolicy
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}
		if header.Size > maxSnapshotEntrySize {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		var job any
		switch {
		case header.Name == snapshotManifestName:
			var m snapshotManifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				teardown()
				return fmt.Errorf("snapshot manifest: %w", err)
			}
			f.nodeMap.Clear()
			for k, v := range m.Nodes {
				f.nodeMap.Store(k, v)
			}
		case header.Name == snapshotPolicyName:
			policy = &UserAccessPolicy{}
			if err := json.NewDecoder(tr).Decode(policy); err != nil {
				teardown()
				return fmt.Errorf("snapshot policy: %w", err)
			}
		case strings.HasPrefix(header.Name, "games/"):
			var g Game
			if err := json.NewDecoder(tr).Decode(&g); err != nil {
				log.Printf("[FSM] Restore Warning: skipping %s: %v", header.Name, err)
				continue
			}
			restoredGames[g.ID] = true
			job = &g
		case strings.HasPrefix(header.Name, "teams/"):
			var t Team
			if err := json.NewDecoder(tr).Decode(&t); err != nil {
				log.Printf("[FSM] Restore Warning: skipping %s: %v", header.Name, err)
				continue
			}
			restoredTeams[t.ID] = true
			job = &t
		}
		if job == nil {
			continue
		}
		select {
		case jobs <- job:
		case err := <-errCh:
			teardown()
			return err
		}
	}
	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.saveNodes()
	if f.storage != nil {
		if policy != nil {
			if err := saveAccessPolicy(f.storage, policy); err != nil {
				return err
			}
		} else if err := deleteAccessPolicy(f.storage); err != nil {
			return err
		}
	}
	f.r.UpdateAccessPolicy(policy)

	// Anything not in the snapshot did not exist at that point in the log.
	for _, id := range existingGames {
		if !restoredGames[id] {
			if err := f.gs.PurgeGame(id); err != nil {
				log.Printf("[FSM] Restore Warning: %v", err)
			}
		}
	}
	for _, id := range existingTeams {
		if !restoredTeams[id] {
			if err := f.ts.PurgeTeam(id); err != nil {
				log.Printf("[FSM] Restore Warning: %v", err)
			}
		}
	}
	return nil
}

func writeJSONToTar(tw *tar.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}
