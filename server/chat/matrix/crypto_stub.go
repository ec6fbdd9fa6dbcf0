//go:build nocrypto

package matrix

import (
	"context"

	"chatcore/server/chat/driver"
)

type cryptoHelper = *disabledCrypto

type disabledCrypto struct{}

func (*disabledCrypto) Close() error { return nil }

func (c *Client) InitCrypto(context.Context) error {
	return driver.ErrCryptoUnavailable
}

func (c *Client) Decrypt(context.Context, driver.Event) (driver.Event, error) {
	return driver.Event{}, driver.ErrCryptoUnavailable
}

func (c *Client) RequestRoomKey(context.Context, driver.Event) error {
	return driver.ErrCryptoUnavailable
}
