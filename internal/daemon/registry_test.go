// Copyright 2025 Tom Barlow
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

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/internal/store/sqlite"
)

const greetWorkflow = `
id: greet
title: Greet
steps:
  - name: hello
    action:
      type: code
      source: '"hi"'
`

func newRegistryFixture(t *testing.T) (*Registry, *sqlite.Store, string) {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	r := NewRegistry(s, dir, "**/*.{yaml,yml}", nil)
	return r, s, dir
}

func TestRegistryLoadAll(t *testing.T) {
	r, s, dir := newRegistryFixture(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetWorkflow), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "other.yml"), []byte(`
id: other
title: Other
steps:
  - name: one
    action:
      type: sleep
      durationMs: 100
`), 0o600))
	// Non-matching and invalid files are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a workflow"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: ["), 0o600))

	loaded, err := r.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	def, err := s.GetWorkflow(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, "Greet", def.Title)

	_, err = s.GetWorkflow(ctx, "other")
	require.NoError(t, err)
}

func TestRegistryDefaultsIDFromFilename(t *testing.T) {
	r, s, dir := newRegistryFixture(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "anon.yaml"), []byte(`
title: Anonymous
steps:
  - name: one
    action:
      type: code
      source: '1'
`), 0o600))

	loaded, err := r.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	_, err = s.GetWorkflow(ctx, "anon")
	require.NoError(t, err)
}

func TestRegistryWatchReloadsOnChange(t *testing.T) {
	r, s, dir := newRegistryFixture(t)
	ctx := context.Background()

	path := filepath.Join(dir, "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetWorkflow), 0o600))
	_, err := r.LoadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Watch(ctx))
	t.Cleanup(func() { r.Close() })

	updated := []byte(`
id: greet
title: Greet v2
steps:
  - name: hello
    action:
      type: code
      source: '"hello again"'
`)
	require.NoError(t, os.WriteFile(path, updated, 0o600))

	require.Eventually(t, func() bool {
		def, err := s.GetWorkflow(ctx, "greet")
		return err == nil && def.Title == "Greet v2"
	}, 3*time.Second, 50*time.Millisecond)
}
