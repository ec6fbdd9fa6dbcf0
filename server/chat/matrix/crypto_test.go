//go:build !nocrypto

package matrix

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/server/chat/driver"
)

func TestPickleKey_StablePerIdentity(t *testing.T) {
	a1, err := pickleKey("secret", "@alice:example.org")
	require.NoError(t, err)
	a2, err := pickleKey("secret", "@alice:example.org")
	require.NoError(t, err)
	b, err := pickleKey("secret", "@bob:example.org")
	require.NoError(t, err)

	assert.Len(t, a1, 32)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	_, err = pickleKey("", "@alice:example.org")
	assert.Error(t, err)
}

func TestCryptoStorePath(t *testing.T) {
	assert.Equal(t, "/var/lib/chatd/alice_example.org-DEV1.db", cryptoStorePath("/var/lib/chatd", "@alice:example.org", "DEV1"))
}

func TestInitCrypto_DisabledWithoutStoreDir(t *testing.T) {
	c, err := NewClient(driver.Config{ServiceURL: "https://chat.example.org", UserID: "@alice:example.org", DeviceID: "DEV1"}, Options{})
	require.NoError(t, err)

	assert.True(t, errors.Is(c.InitCrypto(context.Background()), driver.ErrCryptoUnavailable))
	_, err = c.Decrypt(context.Background(), driver.Event{ID: "$e"})
	assert.ErrorIs(t, err, driver.ErrCryptoUnavailable)
	assert.ErrorIs(t, c.RequestRoomKey(context.Background(), driver.Event{ID: "$e"}), driver.ErrCryptoUnavailable)
	assert.NoError(t, c.Close())
}
