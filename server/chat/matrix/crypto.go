//go:build !nocrypto

package matrix

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"

	"chatcore/server/chat/driver"
)

type cryptoHelper = *cryptohelper.CryptoHelper

const pickleKeyInfo = "chatcore crypto store"

// InitCrypto opens the per-device crypto store and hooks decryption into the
// syncer. Reusing the same device id is what keeps this store valid.
func (c *Client) InitCrypto(ctx context.Context) error {
	if strings.TrimSpace(c.opts.CryptoStoreDir) == "" {
		return driver.ErrCryptoUnavailable
	}
	if c.cli.UserID == "" || c.cli.DeviceID == "" {
		return errors.New("matrix: crypto needs a user id and device id")
	}
	if err := os.MkdirAll(c.opts.CryptoStoreDir, 0o700); err != nil {
		return fmt.Errorf("matrix: crypto store dir: %w", err)
	}
	key, err := pickleKey(c.opts.PickleSecret, string(c.cli.UserID))
	if err != nil {
		return err
	}
	path := cryptoStorePath(c.opts.CryptoStoreDir, string(c.cli.UserID), string(c.cli.DeviceID))
	helper, err := cryptohelper.NewCryptoHelper(c.cli, key, path)
	if err != nil {
		return fmt.Errorf("matrix: new crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		_ = helper.Close()
		return fmt.Errorf("matrix: init crypto: %w", err)
	}
	c.cli.Crypto = helper

	c.mu.Lock()
	c.crypto = helper
	c.mu.Unlock()
	return nil
}

func (c *Client) currentCrypto() cryptoHelper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.crypto
}

func (c *Client) Decrypt(ctx context.Context, evt driver.Event) (driver.Event, error) {
	helper := c.currentCrypto()
	if helper == nil {
		return driver.Event{}, driver.ErrCryptoUnavailable
	}
	native, ok := evt.Native.(*event.Event)
	if !ok || native == nil {
		return driver.Event{}, fmt.Errorf("matrix: event %s has no native payload", evt.ID)
	}
	envelope := *native
	envelope.Type = event.EventEncrypted
	if envelope.Content.Parsed == nil {
		if err := envelope.Content.ParseRaw(event.EventEncrypted); err != nil {
			return driver.Event{}, fmt.Errorf("matrix: parse encrypted content: %w", err)
		}
	}
	decrypted, err := helper.Decrypt(ctx, &envelope)
	if err != nil {
		return driver.Event{}, err
	}
	return convertEvent(decrypted), nil
}

func (c *Client) RequestRoomKey(ctx context.Context, evt driver.Event) error {
	helper := c.currentCrypto()
	if helper == nil {
		return driver.ErrCryptoUnavailable
	}
	native, ok := evt.Native.(*event.Event)
	if !ok || native == nil {
		return fmt.Errorf("matrix: event %s has no native payload", evt.ID)
	}
	var content event.EncryptedEventContent
	if !decodeContent(native, &content) {
		return fmt.Errorf("matrix: event %s has no encrypted content", evt.ID)
	}
	helper.RequestSession(ctx, native.RoomID, content.SenderKey, content.SessionID, native.Sender, content.DeviceID)
	return nil
}

// pickleKey derives a stable store key for one identity from the shared secret.
func pickleKey(secret, userID string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("matrix: crypto pickle secret is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(userID), []byte(pickleKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("matrix: derive pickle key: %w", err)
	}
	return key, nil
}

func cryptoStorePath(dir, userID, deviceID string) string {
	name := strings.NewReplacer("@", "", ":", "_", "/", "_").Replace(userID) + "-" + deviceID + ".db"
	return filepath.Join(dir, name)
}
