// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	yamlv2 "gopkg.in/yaml.v2"
	"sigs.k8s.io/yaml"
)

const sampleYAML = `
cache:
  threads_per_disk: 16
  target_fragment_size: 2097152
  ram_cache:
    algorithm: clfus
    size: 0
  enable_checksum: strong
  agg_write_backlog: 1048576
thread:
  stacksize: 131072
  freelist_high_watermark: 64
  freelist_low_watermark: 8
volumes:
  - path: /var/cache/vol0.db
    start: 0
    len: 268435456
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cachedb.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoadParsesEveryField(t *testing.T) {
	c, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 16, c.Cache.ThreadsPerDisk)
	require.Equal(t, int64(2097152), c.Cache.TargetFragmentSize)
	require.Equal(t, "clfus", c.Cache.RAMCache.Algorithm)
	require.Equal(t, ChecksumStrong, c.Cache.EnableChecksum)
	require.Equal(t, int64(1048576), c.Cache.AggWriteBacklog)
	require.Equal(t, 131072, c.Thread.StackSize)
	require.Equal(t, 64, c.Thread.FreelistHighWatermark)
	require.Len(t, c.Volumes, 1)
	require.Equal(t, "/var/cache/vol0.db", c.Volumes[0].Path)
	require.Equal(t, int64(268435456), c.Volumes[0].Len)
}

func TestLoadAppliesDefaultsOnEmptyDocument(t *testing.T) {
	c, err := Load(writeTemp(t, "{}\n"))
	require.NoError(t, err)

	require.Equal(t, DefaultThreadsPerDisk, c.Cache.ThreadsPerDisk)
	require.Equal(t, "lru", c.Cache.RAMCache.Algorithm)
	require.Equal(t, ChecksumOff, c.Cache.EnableChecksum)
	require.Equal(t, DefaultStackSize, c.Thread.StackSize)
}

func TestEnableChecksumAcceptsPlainBoolean(t *testing.T) {
	c, err := Load(writeTemp(t, "cache:\n  enable_checksum: true\n"))
	require.NoError(t, err)
	require.Equal(t, ChecksumOn, c.Cache.EnableChecksum)
}

func TestEnableChecksumRejectsUnknownString(t *testing.T) {
	_, err := Load(writeTemp(t, "cache:\n  enable_checksum: extreme\n"))
	require.Error(t, err)
}

func TestStripeOptionsWiresStrongChecksum(t *testing.T) {
	c, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)
	opts := c.StripeOptions(1 << 28)
	require.True(t, opts.EnableChecksum)
	require.True(t, opts.StrongChecksum)
}

func TestStripeOptionsWiresRAMCache(t *testing.T) {
	c, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)
	opts := c.StripeOptions(1 << 28)
	require.Equal(t, "clfus", opts.RAMCacheAlgorithm)
	require.Greater(t, opts.RAMCacheBudget, int64(0))
}

func TestRAMCacheBudgetFallsBackToFractionOfVolume(t *testing.T) {
	c, err := Load(writeTemp(t, "{}\n"))
	require.NoError(t, err)
	budget := c.RAMCacheBudget(1 << 20)
	require.Greater(t, budget, int64(0))
	require.LessOrEqual(t, budget, int64(1<<20))
}

// TestYAMLV2CompatibleRoundTrip confirms the sigs.k8s.io/yaml-produced
// document is also plain, valid YAML any gopkg.in/yaml.v2 consumer
// could read back (sigs.k8s.io/yaml round-trips through JSON under
// the hood; this pins that the emitted document doesn't rely on any
// JSON-only syntax yaml.v2 would choke on).
func TestYAMLV2CompatibleRoundTrip(t *testing.T) {
	c, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	reEncoded, err := yaml.Marshal(c)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, yamlv2.Unmarshal(reEncoded, &generic))
	cache, ok := generic["cache"].(map[interface{}]interface{})
	require.True(t, ok)
	require.Equal(t, "strong", cache["enable_checksum"])
}
