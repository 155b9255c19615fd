package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/matheus3301/imclient/internal/conn"
	"github.com/matheus3301/imclient/internal/httpapi"
	"github.com/matheus3301/imclient/internal/messages"
	"github.com/matheus3301/imclient/internal/status"
	intsync "github.com/matheus3301/imclient/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// int64Field reads an integral number field. Missing fields read as 0.
func int64Field(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", errBadRequest, key)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return int64(f), nil
}

// int64ListField reads a list of positive integers. A missing field reads as nil.
func int64ListField(s *structpb.Struct, key string) ([]int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list", errBadRequest, key)
	}
	out := make([]int64, 0, len(list.ListValue.GetValues()))
	for _, item := range list.ListValue.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue <= 0 || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue > 1<<53 {
			return nil, fmt.Errorf("%w: %s must hold positive integers", errBadRequest, key)
		}
		out = append(out, int64(n.NumberValue))
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func int64List(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func messageFields(m messages.DisplayMessage) map[string]any {
	f := map[string]any{
		"message_id":   m.MessageID,
		"local_id":     m.LocalID,
		"conv_id":      m.ConvID,
		"sender_id":    m.SenderID,
		"sender_name":  m.ResolvedSenderName,
		"message_type": m.MessageType,
		"content":      m.Content,
		"status":       m.Status.String(),
		"send_time":    m.SendTime,
		"is_recalled":  m.IsRecalled,
		"from_me":      m.IsSentByMe,
	}
	if m.RecallTime != 0 {
		f["recall_time"] = m.RecallTime
	}
	if m.ReplyToMessageID != 0 {
		f["reply_to_message_id"] = m.ReplyToMessageID
	}
	if len(m.AtUserIDs) > 0 {
		f["at_user_ids"] = int64List(m.AtUserIDs)
	}
	return f
}

// payloadFields renders a bus payload. Unknown payload types go through JSON.
func payloadFields(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case messages.DisplayMessage:
		return messageFields(p), nil
	case messages.ListChange:
		return map[string]any{"conv_id": p.ConvID, "reason": p.Reason, "size": p.Size}, nil
	case messages.SendFailure:
		return map[string]any{"local_id": p.LocalID, "conv_id": p.ConvID, "reason": p.Reason}, nil
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}, nil
	case conn.Offline:
		return map[string]any{"attempts": p.Attempts, "last_error": p.LastError}, nil
	case intsync.Connected:
		return map[string]any{"user_id": p.UserID, "subscriptions": int64List(p.Subscriptions)}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": out}, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var (
		apiErr *httpapi.APIError
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, errBadRequest):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, conn.ErrNotConnected),
		errors.Is(err, conn.ErrMissingCredential),
		errors.Is(err, messages.ErrNoConversation):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, messages.ErrSuperseded), errors.Is(err, conn.ErrAborted):
		return grpcstatus.Errorf(codes.Aborted, "%s: %v", op, err)
	case errors.As(err, &apiErr), errors.As(err, &urlErr), errors.Is(err, httpapi.ErrNoCredential):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
