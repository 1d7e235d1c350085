package yamlfile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/profilestore-go/pkg/storage"
	"github.com/oceanbase/profilestore-go/pkg/storage/storagetest"
	"github.com/oceanbase/profilestore-go/pkg/storage/yamlfile"
)

func setupYAMLTest(t *testing.T) (*yamlfile.Client, string, *test.Hook) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "profiles")
	logger, hook := test.NewNullLogger()
	client := yamlfile.NewClient(&yamlfile.Config{Directory: dir}, logger)
	return client, dir, hook
}

func TestYAMLClient_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		client, _, _ := setupYAMLTest(t)
		return client
	})
}

func TestSanitizeGroup(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"survival", "survival"},
		{"../../etc/passwd", "etcpasswd"},
		{"sky block:2", "skyblock2"},
		{"a\\b/c", "abc"},
		{"my_world-1", "my_world-1"},
		{"...", "group"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, yamlfile.SanitizeGroup(tt.in))
		})
	}
}

func TestYAMLClient_FileLayout(t *testing.T) {
	ctx := context.Background()
	client, dir, _ := setupYAMLTest(t)
	require.NoError(t, client.Initialize(ctx))
	defer func() { _ = client.Shutdown() }()

	owner := uuid.New()
	require.NoError(t, client.Save(ctx, storagetest.SampleProfile(owner, "skyblock", storage.ModeCreative)))
	require.NoError(t, client.Save(ctx, storagetest.SampleProfile(owner, "sky/block", storage.ModeCreative)))

	_, err := os.Stat(filepath.Join(dir, owner.String(), "skyblock_CREATIVE.yml"))
	assert.NoError(t, err)
	hashed, err := filepath.Glob(filepath.Join(dir, owner.String(), "skyblock.*_CREATIVE.yml"))
	require.NoError(t, err)
	assert.Len(t, hashed, 1)

	loaded, err := client.Load(ctx, owner, "sky/block", storage.ModeCreative)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "sky/block", loaded.Group)
}

func TestYAMLClient_SanitizedNamesStayDistinct(t *testing.T) {
	ctx := context.Background()
	client, _, _ := setupYAMLTest(t)
	require.NoError(t, client.Initialize(ctx))
	defer func() { _ = client.Shutdown() }()

	owner := uuid.New()
	slashed := storagetest.SampleProfile(owner, "a/b", storage.ModeSurvival)
	slashed.Level = 3
	require.NoError(t, client.Save(ctx, slashed))

	exists, err := client.Exists(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	assert.False(t, exists)
	deleted, err := client.Delete(ctx, owner, "ab", storage.ModeAny)
	require.NoError(t, err)
	assert.False(t, deleted)

	plain := storagetest.SampleProfile(owner, "ab", storage.ModeSurvival)
	plain.Level = 9
	require.NoError(t, client.Save(ctx, plain))

	loaded, err := client.Load(ctx, owner, "a/b", storage.ModeSurvival)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.Level)
	loaded, err = client.Load(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 9, loaded.Level)

	count, err := client.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	deleted, err = client.Delete(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	assert.True(t, deleted)
	exists, err = client.Exists(ctx, owner, "a/b", storage.ModeAny)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestYAMLClient_ForeignFileIsProtected(t *testing.T) {
	ctx := context.Background()
	client, dir, hook := setupYAMLTest(t)
	require.NoError(t, client.Initialize(ctx))
	defer func() { _ = client.Shutdown() }()

	// A file at the path of group "ab" that records group "x-y".
	owner := uuid.New()
	ownerDir := filepath.Join(dir, owner.String())
	path := filepath.Join(ownerDir, "ab_SURVIVAL.yml")
	content := "owner: " + owner.String() + "\ngroup: x-y\nmode: SURVIVAL\nhealth: 20\nmax_health: 20\n"
	require.NoError(t, os.MkdirAll(ownerDir, 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	loaded, err := client.Load(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	exists, err := client.Exists(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err := client.Delete(ctx, owner, "ab", storage.ModeSurvival)
	require.NoError(t, err)
	assert.False(t, deleted)

	err = client.Save(ctx, storagetest.SampleProfile(owner, "ab", storage.ModeSurvival))
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestYAMLClient_MalformedFilesAreNotFound(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax error", "owner: [unterminated\n"},
		{"missing owner", "group: survival\nmode: SURVIVAL\n"},
		{"missing mode", "owner: 0b7e3c4e-0d5e-4b8a-9a57-3f3c2d1e0f11\ngroup: survival\n"},
		{"unknown mode", "owner: 0b7e3c4e-0d5e-4b8a-9a57-3f3c2d1e0f11\ngroup: survival\nmode: HARDCORE\n"},
		{"bad payload", "owner: 0b7e3c4e-0d5e-4b8a-9a57-3f3c2d1e0f11\ngroup: survival\nmode: SURVIVAL\noffhand: '***'\n"},
	}

	owner := uuid.MustParse("0b7e3c4e-0d5e-4b8a-9a57-3f3c2d1e0f11")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			client, dir, _ := setupYAMLTest(t)
			require.NoError(t, client.Initialize(ctx))
			defer func() { _ = client.Shutdown() }()

			ownerDir := filepath.Join(dir, owner.String())
			require.NoError(t, os.MkdirAll(ownerDir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(ownerDir, "survival_SURVIVAL.yml"), []byte(tt.content), 0644))

			loaded, err := client.Load(ctx, owner, "survival", storage.ModeSurvival)
			assert.NoError(t, err)
			assert.Nil(t, loaded)

			all, err := client.LoadAll(ctx, owner)
			assert.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestYAMLClient_DeleteAllRemovesOwnerDirectory(t *testing.T) {
	ctx := context.Background()
	client, dir, _ := setupYAMLTest(t)
	require.NoError(t, client.Initialize(ctx))
	defer func() { _ = client.Shutdown() }()

	owner := uuid.New()
	require.NoError(t, client.Save(ctx, storagetest.SampleProfile(owner, "survival", storage.ModeSurvival)))
	require.NoError(t, client.Save(ctx, storagetest.SampleProfile(owner, "creative", storage.ModeCreative)))

	removed, err := client.DeleteAll(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(filepath.Join(dir, owner.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestYAMLClient_BlankDirectory(t *testing.T) {
	client := yamlfile.NewClient(&yamlfile.Config{Directory: " "}, nil)
	assert.Error(t, client.Initialize(context.Background()))
}
