package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the daemon to shut down.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PoolStatus retrieves the spawn pool snapshot.
func (c *Client) PoolStatus() (*PoolStatusResponse, error) {
	var resp PoolStatusResponse
	if err := c.call("PoolStatus", PoolStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recover runs time-based recovery in the daemon.
func (c *Client) Recover(threshold time.Duration) (*RecoverResponse, error) {
	var resp RecoverResponse
	req := RecoverRequest{ThresholdSeconds: int(threshold / time.Second)}
	if err := c.call("Recover", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunMaintenance runs a maintenance job in the daemon.
func (c *Client) RunMaintenance(job string) (*RunMaintenanceResponse, error) {
	var resp RunMaintenanceResponse
	if err := c.call("RunMaintenance", RunMaintenanceRequest{Job: job}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
