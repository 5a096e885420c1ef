package client

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a profile daemon.
type Client struct {
	conn    *grpc.ClientConn
	Control *api.ControlClient
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Control: api.NewControlClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary Control method by name with fields as the request.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var out *structpb.Struct
	switch method {
	case "GetStatus":
		out, err = c.Control.GetStatus(ctx, in)
	case "ListRooms":
		out, err = c.Control.ListRooms(ctx, in)
	case "ListMessages":
		out, err = c.Control.ListMessages(ctx, in)
	case "SendMessage":
		out, err = c.Control.SendMessage(ctx, in)
	case "MarkRead":
		out, err = c.Control.MarkRead(ctx, in)
	case "Search":
		out, err = c.Control.Search(ctx, in)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams events whose kind starts with prefix to fn until ctx ends
// or fn returns false.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(map[string]any) bool) error {
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	stream, err := c.Control.WatchEvents(ctx, in)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if err == io.EOF || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(evt.AsMap()) {
			return nil
		}
	}
}
