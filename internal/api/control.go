package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/conn"
	"github.com/matheus3301/imclient/internal/messages"
	"github.com/matheus3301/imclient/internal/router"
	"github.com/matheus3301/imclient/internal/store"
	intsync "github.com/matheus3301/imclient/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Connection is the part of the connection manager exposed to clients.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Stats() conn.Stats
}

// Engine runs user commands against the open conversation.
type Engine interface {
	OpenConversation(ctx context.Context, convID int64) error
	LoadOlder(ctx context.Context) (int, error)
	SendText(ctx context.Context, convID int64, text string, opts SendOptions) (string, error)
	MarkRead(ctx context.Context, messageID int64) error
	Recall(ctx context.Context, messageID int64) error
}

// SendOptions carries the reply and mention parts of an outgoing message.
type SendOptions = intsync.SendOptions

// MessageView is the read side of the message store.
type MessageView interface {
	Messages() []messages.DisplayMessage
	ConvID() int64
	Pagination() messages.Pagination
	Pending() []messages.PendingSend
}

// Credentials stores the session credential.
type Credentials interface {
	Save(c store.Credential) error
	Profile() (*store.Credential, error)
	Clear() error
}

// IdentitySink receives the signed-in identity after login.
type IdentitySink interface {
	SetIdentity(userID int64, nickname string)
}

// RouterStats reports inbound dispatch counters.
type RouterStats interface {
	Stats() router.Stats
}

// Deps groups the collaborators of the control service.
type Deps struct {
	Conn     Connection
	Engine   Engine
	Messages MessageView
	Creds    Credentials
	Identity IdentitySink
	Router   RouterStats
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Control implements ControlServer on top of the client core.
type Control struct {
	sessionName string
	startedAt   time.Time
	d           Deps
	logger      *zap.Logger
}

var _ ControlServer = (*Control)(nil)

// NewControl creates the control service for a session.
func NewControl(sessionName string, d Deps) *Control {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		sessionName: sessionName,
		startedAt:   time.Now(),
		d:           d,
		logger:      logger.Named("api"),
	}
}

func (c *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := c.d.Conn.Stats()
	out := map[string]any{
		"session":            c.sessionName,
		"state":              string(st.State),
		"offline":            st.Offline,
		"reconnect_attempts": st.ReconnectAttempts,
		"frames_sent":        st.FramesSent,
		"frames_received":    st.FramesReceived,
		"pongs":              st.Pongs,
		"uptime_ms":          time.Since(c.startedAt).Milliseconds(),
		"signed_in":          false,
	}
	if !st.ConnectedSince.IsZero() {
		out["connected_since_ms"] = st.ConnectedSince.UnixMilli()
	}
	if st.LastError != "" {
		out["last_error"] = st.LastError
	}

	if c.d.Messages != nil {
		p := c.d.Messages.Pagination()
		out["conv_id"] = c.d.Messages.ConvID()
		out["messages"] = len(c.d.Messages.Messages())
		out["pending"] = len(c.d.Messages.Pending())
		out["has_more"] = p.HasMore
	}
	if c.d.Creds != nil {
		profile, err := c.d.Creds.Profile()
		if err != nil {
			c.logger.Warn("read profile", zap.Error(err))
		}
		if profile != nil {
			out["signed_in"] = profile.Token != ""
			out["user_id"] = profile.UserID
			out["nickname"] = profile.Nickname
		}
	}
	if c.d.Router != nil {
		rs := c.d.Router.Stats()
		out["dispatched"] = rs.Dispatched
		out["dropped"] = rs.Dropped
		out["malformed"] = rs.Malformed
		out["panics"] = rs.Panics
	}
	out["bus_dropped"] = c.d.Bus.Dropped()
	return newStruct(out)
}

func (c *Control) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := c.d.Conn.Connect(ctx); err != nil {
		return nil, toStatus("connect", err)
	}
	return newStruct(map[string]any{"state": string(c.d.Conn.Stats().State)})
}

func (c *Control) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	c.d.Conn.Disconnect()
	return newStruct(map[string]any{"state": string(c.d.Conn.Stats().State)})
}

func (c *Control) SetCredential(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	token := strings.TrimSpace(stringField(req, "token"))
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	userID, err := int64Field(req, "user_id")
	if err != nil {
		return nil, toStatus("set credential", err)
	}
	cred := store.Credential{
		Token:    token,
		UserID:   userID,
		Nickname: strings.TrimSpace(stringField(req, "nickname")),
	}
	if err := c.d.Creds.Save(cred); err != nil {
		return nil, toStatus("set credential", err)
	}
	if c.d.Identity != nil {
		c.d.Identity.SetIdentity(cred.UserID, cred.Nickname)
	}
	c.logger.Info("credential updated", zap.Int64("user_id", cred.UserID))
	return &emptypb.Empty{}, nil
}

func (c *Control) Logout(_ context.Context, _ *structpb.Struct) (*emptypb.Empty, error) {
	c.d.Conn.Disconnect()
	if err := c.d.Creds.Clear(); err != nil {
		return nil, toStatus("logout", err)
	}
	if c.d.Identity != nil {
		c.d.Identity.SetIdentity(0, "")
	}
	c.logger.Info("signed out")
	return &emptypb.Empty{}, nil
}

func (c *Control) OpenConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := positiveID(req, "conv_id")
	if err != nil {
		return nil, toStatus("open conversation", err)
	}
	if err := c.d.Engine.OpenConversation(ctx, convID); err != nil {
		return nil, toStatus("open conversation", err)
	}
	p := c.d.Messages.Pagination()
	return newStruct(map[string]any{
		"conv_id":  convID,
		"count":    len(c.d.Messages.Messages()),
		"total":    p.Total,
		"has_more": p.HasMore,
	})
}

func (c *Control) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := int64Field(req, "limit")
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if limit < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "limit must not be negative")
	}
	msgs := c.d.Messages.Messages()
	if limit > 0 && int(limit) < len(msgs) {
		msgs = msgs[len(msgs)-int(limit):]
	}
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = messageFields(m)
	}
	return newStruct(map[string]any{
		"conv_id":  c.d.Messages.ConvID(),
		"has_more": c.d.Messages.Pagination().HasMore,
		"messages": list,
	})
}

func (c *Control) LoadOlder(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	added, err := c.d.Engine.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus("load older", err)
	}
	return newStruct(map[string]any{
		"added":    added,
		"has_more": c.d.Messages.Pagination().HasMore,
	})
}

func (c *Control) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID, err := positiveID(req, "conv_id")
	if err != nil {
		return nil, toStatus("send", err)
	}
	text := stringField(req, "text")
	if strings.TrimSpace(text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	replyTo, err := int64Field(req, "reply_to_message_id")
	if err != nil {
		return nil, toStatus("send", err)
	}
	if replyTo < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "reply_to_message_id must not be negative")
	}
	atUserIDs, err := int64ListField(req, "at_user_ids")
	if err != nil {
		return nil, toStatus("send", err)
	}
	opts := SendOptions{ReplyToMessageID: replyTo, AtUserIDs: atUserIDs}
	localID, err := c.d.Engine.SendText(ctx, convID, text, opts)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return newStruct(map[string]any{"local_id": localID, "conv_id": convID})
}

func (c *Control) MarkRead(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := positiveID(req, "message_id")
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	if err := c.d.Engine.MarkRead(ctx, id); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &emptypb.Empty{}, nil
}

func (c *Control) Recall(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := positiveID(req, "message_id")
	if err != nil {
		return nil, toStatus("recall", err)
	}
	if err := c.d.Engine.Recall(ctx, id); err != nil {
		return nil, toStatus("recall", err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// until the client goes away.
func (c *Control) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	prefix := stringField(req, "prefix")
	ch, unsub := c.d.Bus.Subscribe(prefix, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := c.envelope(evt)
			if err != nil {
				c.logger.Warn("skip event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (c *Control) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := payloadFields(evt.Payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"event_id":        uuid.New().String(),
		"session":         c.sessionName,
		"kind":            evt.Kind,
		"occurred_at_ms":  evt.Timestamp.UnixMilli(),
		"payload_version": 1,
		"payload":         payload,
	})
}

func positiveID(req *structpb.Struct, key string) (int64, error) {
	id, err := int64Field(req, key)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", errBadRequest, key)
	}
	return id, nil
}
