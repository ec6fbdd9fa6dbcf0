package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const defaultDeviceDisplayName = "chatcore"

type LoginResult struct {
	UserID      string
	DeviceID    string
	AccessToken string
}

// Authenticator performs token based login against the protocol service.
type Authenticator struct {
	ServiceURL        string
	DeviceDisplayName string
}

// LoginWithToken exchanges a single-sign-on login token for an access token.
// A non-empty deviceHint asks the service to resume that device.
func (a Authenticator) LoginWithToken(ctx context.Context, token, deviceHint string) (LoginResult, error) {
	if strings.TrimSpace(token) == "" {
		return LoginResult{}, errors.New("matrix: login token is required")
	}
	cli, err := mautrix.NewClient(a.ServiceURL, "", "")
	if err != nil {
		return LoginResult{}, fmt.Errorf("matrix: new client: %w", err)
	}
	display := a.DeviceDisplayName
	if display == "" {
		display = defaultDeviceDisplayName
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		DeviceID:                 id.DeviceID(deviceHint),
		InitialDeviceDisplayName: display,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("matrix: token login: %w", err)
	}
	return LoginResult{
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}, nil
}
