package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	cc, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: cc, cc: cc}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) exec(ctx context.Context, method string, in map[string]any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod(method), req, new(emptypb.Empty))
}

// Status returns connection, store and identity counters.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, methodStatus, nil)
	return out.AsMap(), err
}

func (c *Client) Connect(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, methodConnect, nil)
	return out.AsMap(), err
}

func (c *Client) Disconnect(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, methodDisconnect, nil)
	return out.AsMap(), err
}

// SetCredential stores the session token and identity.
func (c *Client) SetCredential(ctx context.Context, token string, userID int64, nickname string) error {
	return c.exec(ctx, methodSetCredential, map[string]any{
		"token":    token,
		"user_id":  userID,
		"nickname": nickname,
	})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.exec(ctx, methodLogout, nil)
}

func (c *Client) OpenConversation(ctx context.Context, convID int64) (map[string]any, error) {
	out, err := c.call(ctx, methodOpenConversation, map[string]any{"conv_id": convID})
	return out.AsMap(), err
}

// ListMessages returns the newest limit messages of the open conversation;
// zero means all of them.
func (c *Client) ListMessages(ctx context.Context, limit int) (map[string]any, error) {
	out, err := c.call(ctx, methodListMessages, map[string]any{"limit": limit})
	return out.AsMap(), err
}

func (c *Client) LoadOlder(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, methodLoadOlder, nil)
	return out.AsMap(), err
}

// SendText sends text to the open conversation, optionally quoting a message
// and mentioning users.
func (c *Client) SendText(ctx context.Context, convID int64, text string, opts SendOptions) (map[string]any, error) {
	in := map[string]any{"conv_id": convID, "text": text}
	if opts.ReplyToMessageID != 0 {
		in["reply_to_message_id"] = opts.ReplyToMessageID
	}
	if len(opts.AtUserIDs) > 0 {
		in["at_user_ids"] = int64List(opts.AtUserIDs)
	}
	out, err := c.call(ctx, methodSendText, in)
	return out.AsMap(), err
}

func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.exec(ctx, methodMarkRead, map[string]any{"message_id": messageID})
}

func (c *Client) Recall(ctx context.Context, messageID int64) error {
	return c.exec(ctx, methodRecall, map[string]any{"message_id": messageID})
}

// WatchEvents streams daemon events whose kind starts with prefix.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], fullMethod(methodWatchEvents))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := x.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
