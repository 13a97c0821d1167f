// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a Server over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the server listening on socketPath. The connection is
// established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		fmt.Sprintf("unix://%s", socketPath),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, new(Ack))
}

func (c *Client) SwitchRole(ctx context.Context, port string, role typec.PortRole, txID int64) error {
	return c.invoke(ctx, "SwitchRole", &SwitchRoleRequest{Port: port, Role: RoleOf(role), TxID: txID})
}

func (c *Client) EnableUsbData(ctx context.Context, port string, enable bool, txID int64) error {
	return c.invoke(ctx, "EnableUsbData", &EnableRequest{Port: port, Enable: enable, TxID: txID})
}

func (c *Client) EnableUsbDataWhileDocked(ctx context.Context, port string, txID int64) error {
	return c.invoke(ctx, "EnableUsbDataWhileDocked", &PortRequest{Port: port, TxID: txID})
}

func (c *Client) ResetUsbPort(ctx context.Context, port string, txID int64) error {
	return c.invoke(ctx, "ResetUsbPort", &PortRequest{Port: port, TxID: txID})
}

func (c *Client) EnableContaminantPresenceDetection(ctx context.Context, port string, enable bool, txID int64) error {
	return c.invoke(ctx, "EnableContaminantPresenceDetection", &EnableRequest{Port: port, Enable: enable, TxID: txID})
}

func (c *Client) LimitPowerTransfer(ctx context.Context, port string, limit bool, txID int64) error {
	return c.invoke(ctx, "LimitPowerTransfer", &LimitPowerTransferRequest{Port: port, Limit: limit, TxID: txID})
}

func (c *Client) QueryPortStatus(ctx context.Context, txID int64) error {
	return c.invoke(ctx, "QueryPortStatus", &QueryPortStatusRequest{TxID: txID})
}

func (c *Client) SetPortSecurityState(ctx context.Context, port string, state typec.PortSecurityState) error {
	return c.invoke(ctx, "SetPortSecurityState", &PortSecurityStateRequest{Port: port, State: state})
}

// Watch is an open notification stream.
type Watch struct {
	stream grpc.ClientStream
}

// Watch subscribes to notifications. Cancel ctx to leave.
func (c *Client) Watch(ctx context.Context) (*Watch, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watch{stream: stream}, nil
}

// Recv blocks for the next notification.
func (w *Watch) Recv() (*Notification, error) {
	n := new(Notification)
	if err := w.stream.RecvMsg(n); err != nil {
		return nil, err
	}
	return n, nil
}
