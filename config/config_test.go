package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
accounts:
  - name: work
    server: imap.example.com
    username: me@example.com
    password: hunter2
    use_tls: true
    archive: /tmp/archive-work
    exclude: |
      Junk*
      Trash
  - name: private
    server: mail.example.net
    port: 10143
    username: me
    password: secret
    archive: /tmp/archive-private
    incremental: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	work := cfg.Accounts[0]
	assert.Equal(t, "work", work.Name)
	assert.Equal(t, "imap.example.com", work.Server)
	assert.True(t, work.UseTLS)
	assert.True(t, work.IsIncremental())
	assert.Equal(t, []string{"Junk*", "Trash"}, work.ExcludePatterns())

	private := cfg.Accounts[1]
	assert.Equal(t, 10143, private.Port)
	assert.False(t, private.IsIncremental())
	assert.Empty(t, private.ExcludePatterns())
}

func TestLoadRejectsIncompleteAccount(t *testing.T) {
	broken := `
accounts:
  - name: nopass
    server: imap.example.com
    username: me
    archive: /tmp/a
`
	_, err := Load(writeConfig(t, broken))
	assert.ErrorContains(t, err, "password")
}

func TestSelect(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	all, err := cfg.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := cfg.Select([]string{"private"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "private", some[0].Name)

	_, err = cfg.Select([]string{"work", "nonexistent"})
	assert.ErrorContains(t, err, "nonexistent")
}

func TestExpandPath(t *testing.T) {
	home := userHomeDir()
	if home == "" {
		t.Skip("no home directory in environment")
	}
	assert.Equal(t, filepath.Join(home, "mail"), expandPath("~/mail"))
	assert.Equal(t, filepath.Join(home, "mail"), expandPath("$HOME/mail"))
	assert.Equal(t, "/var/mail", expandPath("/var/../var/mail"))
}
