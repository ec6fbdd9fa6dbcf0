// Package matrix binds the driver to the Matrix client-server API through
// maunium.net/go/mautrix.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"chatcore/server/chat/driver"
)

type Options struct {
	// CryptoStoreDir holds one sqlite crypto store per identity and device.
	// Empty disables end-to-end encryption.
	CryptoStoreDir string
	// PickleSecret seeds the per-identity key that encrypts the crypto store.
	PickleSecret string
}

// NewFactory returns a driver.ClientFactory producing mautrix-backed clients.
func NewFactory(opts Options) driver.ClientFactory {
	return func(cfg driver.Config) (driver.Client, error) {
		return NewClient(cfg, opts)
	}
}

// Client implements driver.Client. It is created offline; the first network
// call is Whoami.
type Client struct {
	cli    *mautrix.Client
	syncer *syncer
	opts   Options

	mu      sync.RWMutex
	handler driver.SyncHandler
	crypto  cryptoHelper
}

func NewClient(cfg driver.Config, opts Options) (*Client, error) {
	serviceURL := strings.TrimSpace(cfg.ServiceURL)
	if serviceURL == "" {
		return nil, errors.New("matrix: service url is required")
	}
	cli, err := mautrix.NewClient(serviceURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: new client: %w", err)
	}
	cli.DeviceID = id.DeviceID(cfg.DeviceID)
	if cli.StateStore == nil {
		cli.StateStore = mautrix.NewMemoryStateStore()
	}

	c := &Client{cli: cli, opts: opts}
	c.syncer = newSyncer(c)
	cli.Syncer = c.syncer
	return c, nil
}

func (c *Client) setHandler(h driver.SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) currentHandler() driver.SyncHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *Client) Whoami(ctx context.Context) (driver.Identity, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return driver.Identity{}, err
	}
	if c.cli.UserID == "" {
		c.cli.UserID = resp.UserID
	}
	if c.cli.DeviceID == "" {
		c.cli.DeviceID = resp.DeviceID
	}
	return driver.Identity{UserID: string(resp.UserID), DeviceID: string(resp.DeviceID)}, nil
}

func (c *Client) Sync(ctx context.Context, opts driver.SyncOptions, h driver.SyncHandler) error {
	c.setHandler(h)
	defer c.setHandler(nil)
	c.syncer.FilterJSON = timelineFilter(opts.TimelineLimit)
	return c.cli.SyncWithContext(ctx)
}

func (c *Client) StopSync() {
	c.cli.StopSync()
}

func (c *Client) Messages(ctx context.Context, roomID, from string, limit int) (driver.Page, error) {
	resp, err := c.cli.Messages(ctx, id.RoomID(roomID), from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return driver.Page{}, err
	}
	page := driver.Page{End: resp.End, Events: make([]driver.Event, 0, len(resp.Chunk))}
	for _, evt := range resp.Chunk {
		if evt == nil {
			continue
		}
		if evt.RoomID == "" {
			evt.RoomID = id.RoomID(roomID)
		}
		page.Events = append(page.Events, convertEvent(evt))
	}
	return page, nil
}

func (c *Client) SendText(ctx context.Context, roomID, text string) (string, error) {
	resp, err := c.cli.SendText(ctx, id.RoomID(roomID), text)
	if err != nil {
		return "", err
	}
	return string(resp.EventID), nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.cli.JoinRoomByID(ctx, id.RoomID(roomID))
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.cli.LeaveRoom(ctx, id.RoomID(roomID))
	return err
}

func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]driver.Member, error) {
	resp, err := c.cli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	members := make([]driver.Member, 0, len(resp.Joined))
	for userID, m := range resp.Joined {
		members = append(members, driver.Member{UserID: string(userID), DisplayName: m.DisplayName, AvatarURL: m.AvatarURL})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (c *Client) Profile(ctx context.Context, userID string) (driver.Member, error) {
	resp, err := c.cli.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return driver.Member{}, err
	}
	return driver.Member{UserID: userID, DisplayName: resp.DisplayName, AvatarURL: resp.AvatarURL.String()}, nil
}

func (c *Client) Close() error {
	c.cli.StopSync()
	c.mu.Lock()
	helper := c.crypto
	c.crypto = nil
	c.mu.Unlock()
	if helper == nil {
		return nil
	}
	return helper.Close()
}
