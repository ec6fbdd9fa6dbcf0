package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSV_DedupesAndTrims(t *testing.T) {
	t.Setenv("CHAT_TEST_CSV", " http://a , http://b,http://a,, ")
	assert.Equal(t, []string{"http://a", "http://b"}, CSV("CHAT_TEST_CSV", []string{"x"}))

	t.Setenv("CHAT_TEST_CSV", " , ")
	assert.Equal(t, []string{"x"}, CSV("CHAT_TEST_CSV", []string{"x"}))
}

func TestInt_FallsBackOnInvalid(t *testing.T) {
	t.Setenv("CHAT_TEST_INT", "-3")
	assert.Equal(t, 20, Int("CHAT_TEST_INT", 20))
	t.Setenv("CHAT_TEST_INT", "7")
	assert.Equal(t, 7, Int("CHAT_TEST_INT", 20))
}

func TestMillis(t *testing.T) {
	t.Setenv("CHAT_TEST_MS", "250")
	assert.Equal(t, 250*time.Millisecond, Millis("CHAT_TEST_MS", time.Second))
	t.Setenv("CHAT_TEST_MS", "abc")
	assert.Equal(t, time.Second, Millis("CHAT_TEST_MS", time.Second))
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHAT_TEST_DOTENV_A=file\nCHAT_TEST_DOTENV_B=file\n"), 0o600))
	t.Setenv("CHAT_TEST_DOTENV_A", "process")
	t.Cleanup(func() { _ = os.Unsetenv("CHAT_TEST_DOTENV_B") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "process", os.Getenv("CHAT_TEST_DOTENV_A"))
	assert.Equal(t, "file", os.Getenv("CHAT_TEST_DOTENV_B"))
}
