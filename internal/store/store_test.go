package store_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdva/internal/domain"
	"tdva/internal/store"
)

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)

	td := domain.TDCredentials{
		APIKey: "1/abcdef",
		Region: domain.RegionEU01,
		EnvironmentTokens: domain.EnvironmentTokens{
			Prod: "prod-token",
			Dev:  "dév-token",
		},
	}
	gh := domain.GitHubCredentials{PersonalAccessToken: "ghp_x", Organization: "acme"}
	require.NoError(t, s.SetTD(ctx, &td))
	require.NoError(t, s.SetGitHub(ctx, &gh))
	require.NoError(t, s.SetConnected(ctx, true))

	reloaded, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NotNil(t, reloaded.TD())
	require.NotNil(t, reloaded.GitHub())
	assert.Equal(t, td, *reloaded.TD())
	assert.Equal(t, gh, *reloaded.GitHub())
	assert.True(t, reloaded.Connected())
}

func TestPersistedValueIsObfuscatedNotPlain(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetGitHub(ctx, &domain.GitHubCredentials{PersonalAccessToken: "ghp_secret"}))

	raw, ok, err := kv.Get(ctx, store.GitHubKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "ghp_secret")

	decoded, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "ghp_secret")
}

func TestCorruptedRecordsArePurged(t *testing.T) {
	cases := map[string]string{
		"not base64":       "%%%not-base64%%%",
		"truncated json":   base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"k","reg`)),
		"missing region":   base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"k"}`)),
		"non-string field": base64.StdEncoding.EncodeToString([]byte(`{"apiKey":42,"region":"us01"}`)),
		"json array":       base64.StdEncoding.EncodeToString([]byte(`[1,2]`)),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := store.NewMemoryKV()
			require.NoError(t, kv.Set(ctx, store.TDKey, blob))
			require.NoError(t, kv.Set(ctx, store.ConnectionKey, "true"))

			s, err := store.Open(ctx, kv, nil)
			require.NoError(t, err)
			assert.Nil(t, s.TD())
			assert.False(t, s.Connected())

			_, ok, _ := kv.Get(ctx, store.TDKey)
			assert.False(t, ok, "bad record should be removed")
			_, ok, _ = kv.Get(ctx, store.ConnectionKey)
			assert.False(t, ok)
		})
	}
}

func TestCorruptedGitHubRecordLeavesTDIntact(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	encoded, err := store.Obfuscate(domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01})
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, store.TDKey, encoded))
	require.NoError(t, kv.Set(ctx, store.GitHubKey, base64.StdEncoding.EncodeToString([]byte(`{"organization":"x"}`))))

	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	assert.Nil(t, s.GitHub())
	require.NotNil(t, s.TD())
	assert.Equal(t, "k", s.TD().APIKey)
	_, ok, _ := kv.Get(ctx, store.GitHubKey)
	assert.False(t, ok)
}

func TestMissingEnvironmentTokensDefaultsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, store.TDKey, base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"k","region":"us01"}`))))

	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NotNil(t, s.TD())
	assert.False(t, s.TD().Ready())
}

func TestClearRemovesCredentialsAndFlag(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetTD(ctx, &domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01}))
	require.NoError(t, s.SetConnected(ctx, true))

	require.NoError(t, s.Clear(ctx))
	assert.Nil(t, s.TD())
	assert.False(t, s.Connected())
	_, ok, _ := kv.Get(ctx, store.TDKey)
	assert.False(t, ok)
	_, ok, _ = kv.Get(ctx, store.ConnectionKey)
	assert.False(t, ok)
}

func TestSetNilRemovesPersistedValue(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	s, err := store.Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetGitHub(ctx, &domain.GitHubCredentials{PersonalAccessToken: "t"}))
	require.NoError(t, s.SetGitHub(ctx, nil))

	_, ok, _ := kv.Get(ctx, store.GitHubKey)
	assert.False(t, ok)
	assert.Nil(t, s.GitHub())
}

func TestSubscribersSeeEveryMutation(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryKV(), nil)
	require.NoError(t, err)

	var seen []store.Snapshot
	cancel := s.Subscribe(func(snap store.Snapshot) { seen = append(seen, snap) })
	require.NoError(t, s.SetTD(ctx, &domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01}))
	require.NoError(t, s.SetConnected(ctx, true))
	cancel()
	require.NoError(t, s.Clear(ctx))

	require.Len(t, seen, 2)
	assert.NotNil(t, seen[0].TD)
	assert.False(t, seen[0].Connected)
	assert.True(t, seen[1].Connected)
}

func TestSnapshotReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryKV(), nil)
	require.NoError(t, err)
	require.NoError(t, s.SetTD(ctx, &domain.TDCredentials{APIKey: "k", Region: domain.RegionUS01}))

	td := s.TD()
	td.APIKey = "mutated"
	assert.Equal(t, "k", s.TD().APIKey)
}
