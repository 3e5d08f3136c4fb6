package cmd

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/skylink/internal/command"
)

// ControlClient is the slice of the daemon control API the CLI uses.
type ControlClient interface {
	LinkStatus(ctx context.Context) (*command.LinkStatus, error)
	LinkReset(ctx context.Context) (*command.Response, error)
	UplinkSend(ctx context.Context, params command.UplinkSendParams) (*command.Response, error)
	DaemonStatus(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
}

// newControlClient is replaced in tests.
var newControlClient = func() ControlClient {
	return command.NewUDSClient(socketPath, 10*time.Second)
}

// checkResponse turns a JSON-RPC error into a Go error.
func checkResponse(method string, resp *command.Response) error {
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	return nil
}
